package scheduler

import (
	"sync"
	"time"
)

// TimerMetadata records when a timer was armed and which scheduled date it
// was armed against. The delivery pipeline compares both against the durable
// record at fire time.
type TimerMetadata struct {
	ArmedAt      time.Time
	ScheduledFor time.Time
}

type armedTimer struct {
	timer *time.Timer
	meta  TimerMetadata
}

// TimerRegistry maps notification ids to cancellable in-process timers. It
// is pure bookkeeping: nothing here survives a restart, and a cancelled
// handle is never taken as proof that no send will happen. The durable
// record stays authoritative.
type TimerRegistry struct {
	mu     sync.Mutex
	timers map[string]*armedTimer
	clock  func() time.Time
}

// NewTimerRegistry creates an empty registry.
func NewTimerRegistry() *TimerRegistry {
	return &TimerRegistry{
		timers: make(map[string]*armedTimer),
		clock:  time.Now,
	}
}

// Arm schedules fire(id) at fireAt, replacing (and cancelling) any existing
// timer for the same id. A fireAt in the past fires immediately.
func (r *TimerRegistry) Arm(id string, fireAt time.Time, fire func(id string)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.timers[id]; ok {
		existing.timer.Stop()
	}

	now := r.clock()
	delay := fireAt.Sub(now)
	if delay < 0 {
		delay = 0
	}

	r.timers[id] = &armedTimer{
		timer: time.AfterFunc(delay, func() { fire(id) }),
		meta: TimerMetadata{
			ArmedAt:      now,
			ScheduledFor: fireAt,
		},
	}
	recordArmedTimers(len(r.timers))
}

// Cancel stops the timer for id if one exists and removes its bookkeeping.
// Cancelling an unknown id is a no-op. The return value reports whether a
// timer was present, not whether its callback was prevented from running.
func (r *TimerRegistry) Cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	armed, ok := r.timers[id]
	if !ok {
		return false
	}
	armed.timer.Stop()
	delete(r.timers, id)
	recordArmedTimers(len(r.timers))
	return true
}

// IsArmed reports whether a timer is currently registered for id.
func (r *TimerRegistry) IsArmed(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.timers[id]
	return ok
}

// ArmedMetadata returns the arming bookkeeping for id.
func (r *TimerRegistry) ArmedMetadata(id string) (TimerMetadata, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	armed, ok := r.timers[id]
	if !ok {
		return TimerMetadata{}, false
	}
	return armed.meta, true
}

// Len returns the number of armed timers.
func (r *TimerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// CancelAll stops every timer, for shutdown.
func (r *TimerRegistry) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, armed := range r.timers {
		armed.timer.Stop()
		delete(r.timers, id)
	}
	recordArmedTimers(0)
}
