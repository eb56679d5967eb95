// Package core wires the engine's packages together into a runnable
// process: construction, the main dispatch loop, and graceful shutdown.
package core

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kestrelnet/kestreld/area"
	"github.com/kestrelnet/kestreld/events"
	"github.com/kestrelnet/kestreld/iface"
	"github.com/kestrelnet/kestreld/label"
	"github.com/kestrelnet/kestreld/metrics"
	"github.com/kestrelnet/kestreld/neighbor"
	"github.com/kestrelnet/kestreld/state"
	"github.com/kestrelnet/kestreld/transport"
)

// rateLimitPerSecond is the per-bucket inbound packet budget handed to
// transport.NewRateLimiter. Not exposed as config: it is a defensive
// ceiling, not a tuning knob operators are expected to touch.
const rateLimitPerSecond = 200

// linkWatchInterval is how often core polls the local interface set in
// lieu of a real link-monitor, which spec §1 names as an out-of-scope
// collaborator this engine only consumes a snapshot stream from.
const linkWatchInterval = 2 * time.Second

// Start builds the engine, runs it until ctx is cancelled or a shutdown
// signal arrives, and blocks until teardown completes.
func Start(cfg state.EngineConfig, areaRules []state.AreaRule, logLevel slog.Level) error {
	ctx, cancel := context.WithCancelCause(context.Background())

	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      logLevel,
		TimeFormat: "15:04:05",
	}))

	env := &state.Env{
		DispatchChannel: make(chan func(*state.State) error),
		Context:         ctx,
		Cancel:          cancel,
		Log:             logger,
		Config:          cfg,
		AreaRules:       areaRules,
	}
	s := &state.State{
		Env:     env,
		Modules: make(map[string]state.Module),
	}

	sock, err := transport.OpenSocket(ctx, cfg.BindPort, cfg.TOS)
	if err != nil {
		return err
	}

	resolver, err := area.New(areaRules)
	if err != nil {
		sock.Close()
		return err
	}

	m := metrics.New()
	m.MustRegister(prometheus.DefaultRegisterer)

	pub := events.New(logger, 256)
	labels := label.New()
	rl := transport.NewRateLimiter(rateLimitPerSecond)

	neighbors := neighbor.New(resolver, labels, m, pub)
	ifaces := iface.New(sock, m, pub)
	tc := transport.New(env, sock, rl, m)

	neighbors.Bind(ifaces, tc)
	ifaces.Bind(neighbors, tc)
	tc.Bind(ifaces, neighbors.Dispatch)

	if err := state.Register(s, neighbors); err != nil {
		sock.Close()
		return err
	}
	if err := state.Register(s, ifaces); err != nil {
		sock.Close()
		return err
	}

	go func() {
		if err := tc.Run(ctx); err != nil && ctx.Err() == nil {
			cancel(err)
		}
	}()

	startLinkWatch(env, ifaces)
	startGaugeRefresh(env, neighbors, m)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("received shutdown signal")
		env.Dispatch(func(s *state.State) error {
			if err := ifaces.Shutdown(s); err != nil {
				s.Log.Warn("shutdown restart burst failed", "error", err)
			}
			s.Cancel(errors.New("received shutdown signal"))
			return nil
		})
	}()

	logger.Info("kestreld started", "node_name", cfg.NodeName, "bind_port", cfg.BindPort)
	err = mainLoop(s, sock)
	pub.Close()
	return err
}

func mainLoop(s *state.State, sock *transport.Socket) error {
	for {
		select {
		case fun := <-s.DispatchChannel:
			start := time.Now()
			if err := fun(s); err != nil {
				s.Log.Error("error during dispatch", "error", err)
				s.Cancel(err)
			}
			if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
				s.Log.Warn("dispatch took a long time", "elapsed", elapsed)
			}
		case <-s.Context.Done():
			s.Log.Info("stopping main loop", "reason", context.Cause(s.Context))
			cleanup(s, sock)
			return nil
		}
	}
}

func cleanup(s *state.State, sock *transport.Socket) {
	for name, module := range s.Modules {
		if err := module.Cleanup(s); err != nil {
			s.Log.Error("error during module cleanup", "module", name, "error", err)
		}
	}
	if err := sock.Close(); err != nil {
		s.Log.Warn("error closing socket", "error", err)
	}
}
