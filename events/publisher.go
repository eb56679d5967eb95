// Package events implements the engine's single output stream of typed
// adjacency events.
package events

import (
	"log/slog"

	"github.com/kestrelnet/kestreld/state"
)

// Publisher is the single, multi-producer-safe point where adjacency
// events cross from the engine's event loop to downstream subscribers
// (route computation, key-value flooding). A closed or full downstream is
// a broken-output condition: it is logged, never fatal, and never blocks
// the caller.
type Publisher struct {
	out chan state.NeighborEvent
	log *slog.Logger
}

// New returns a Publisher backed by a channel of the given buffer size.
func New(log *slog.Logger, buffer int) *Publisher {
	return &Publisher{
		out: make(chan state.NeighborEvent, buffer),
		log: log,
	}
}

// Events returns the read side of the output stream for subscribers.
func (p *Publisher) Events() <-chan state.NeighborEvent {
	return p.out
}

// Publish enqueues ev without blocking. If the channel is full the event
// is dropped and logged; a slow or absent subscriber must never stall the
// event loop.
func (p *Publisher) Publish(ev state.NeighborEvent) {
	defer func() {
		// Sending on the stream after Close panics; treat it as a broken
		// output and drop the event instead.
		if recover() != nil {
			p.log.Warn("dropping adjacency event, subscriber stream closed",
				"type", ev.Type.String(), "if_name", ev.IfName, "node_name", ev.Neighbor.NodeName)
		}
	}()
	select {
	case p.out <- ev:
	default:
		p.log.Warn("dropping adjacency event, subscriber queue full",
			"type", ev.Type.String(), "if_name", ev.IfName, "node_name", ev.Neighbor.NodeName)
	}
}

// Close closes the output stream. Safe to call once, at shutdown.
func (p *Publisher) Close() {
	close(p.out)
}
