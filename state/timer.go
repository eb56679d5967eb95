package state

import "time"

// TimerSlot is a single named, owned timer slot on a record or interface.
// It exists only while "armed", matching the scoped-timer invariants of
// NeighborRecord (negotiateTx, negotiateHold, heartbeatHold,
// gracefulRestartHold) and Interface (hello/heartbeat transmit timers).
//
// A TimerSlot never outlives its owner: the owner is simply dropped, and
// an in-flight time.AfterFunc callback becomes a no-op because it looks
// its target back up by key and finds nothing (see design note on timer
// ownership without back-references).
type TimerSlot struct {
	cancel func()
}

// Arm schedules fun to run on the main loop after delay, replacing any
// previously armed timer in this slot.
func (t *TimerSlot) Arm(env *Env, delay time.Duration, fun func(*State) error) {
	t.Cancel()
	t.cancel = env.ScheduleTask(func(s *State) error {
		t.cancel = nil
		return fun(s)
	}, delay)
}

// Cancel disarms the slot. Safe to call when not armed.
func (t *TimerSlot) Cancel() {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

// Armed reports whether a timer is currently scheduled in this slot.
func (t *TimerSlot) Armed() bool {
	return t.cancel != nil
}
