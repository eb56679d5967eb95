package state

import (
	"fmt"
	"reflect"
)

// Module is one independently-owned piece of engine state, registered
// into State.Modules at startup and looked up by type from wherever it is
// needed (handlers dispatched onto the main loop, other modules' Init).
// A type-keyed module registry: one instance per concrete type, looked up
// by reflect.TypeOf instead of by name.
type Module interface {
	Init(s *State) error
	Cleanup(s *State) error
}

// Register adds m to s.Modules, keyed by its concrete type, and runs its
// Init. Must be called from the setup sequence in core, before MainLoop
// starts, in dependency order: a module's Init may call Get on any module
// registered before it.
func Register(s *State, m Module) error {
	key := reflect.TypeOf(m).String()
	if _, exists := s.Modules[key]; exists {
		return fmt.Errorf("state: module %s already registered", key)
	}
	if err := m.Init(s); err != nil {
		return fmt.Errorf("state: init module %s: %w", key, err)
	}
	s.Modules[key] = m
	return nil
}

// Get returns the registered module of type T. It panics if T was never
// registered, since every call site names a module the caller's own Init
// ordering guarantees is present - a missing module is a wiring bug, not a
// runtime condition to recover from.
func Get[T Module](s *State) T {
	key := reflect.TypeFor[T]().String()
	m, ok := s.Modules[key]
	if !ok {
		panic(fmt.Sprintf("state: module %s not registered", key))
	}
	return m.(T)
}
