package state

import (
	"context"
	"log/slog"
)

// Env carries everything that may be touched from any goroutine: the
// dispatch channel into the single event loop, cancellation, logging, and
// the immutable configuration. Unlike State, Env fields are safe for
// concurrent access.
type Env struct {
	DispatchChannel chan func(*State) error
	Context         context.Context
	Cancel          context.CancelCauseFunc
	Log             *slog.Logger
	Config          EngineConfig
	AreaRules       []AreaRule
}

// State is the engine's single-goroutine world: the interface table, the
// per-interface neighbor tables, and own sequence counter. It must only be
// read or written from functions running on the MainLoop goroutine -
// i.e. functions dispatched through Env.Dispatch/DispatchWait or called
// directly from MainLoop.
type State struct {
	*Env
	MySeqNum uint32
	Modules  map[string]Module
}
