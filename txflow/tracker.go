package txflow

import (
	"sync"

	"lendingdash/chain"
)

// Tracker turns a stream of polled outcomes into at most one terminal
// callback. Steady terminal states observed again are ignored.
type Tracker struct {
	mu        sync.Mutex
	last      chain.Outcome
	fired     bool
	onSuccess func()
	onFailure func()
}

// NewTracker builds a tracker; nil callbacks are allowed.
func NewTracker(onSuccess, onFailure func()) *Tracker {
	return &Tracker{last: chain.OutcomePending, onSuccess: onSuccess, onFailure: onFailure}
}

// Observe feeds one outcome and reports whether it triggered a callback.
func (t *Tracker) Observe(outcome chain.Outcome) bool {
	t.mu.Lock()
	prev := t.last
	t.last = outcome
	if t.fired || !outcome.Terminal() || prev == outcome {
		t.mu.Unlock()
		return false
	}
	t.fired = true
	t.mu.Unlock()

	switch outcome {
	case chain.OutcomeSucceeded:
		if t.onSuccess != nil {
			t.onSuccess()
		}
	case chain.OutcomeFailed:
		if t.onFailure != nil {
			t.onFailure()
		}
	}
	return true
}

// Fired reports whether a terminal callback has run.
func (t *Tracker) Fired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}

// Reset rearms the tracker for a new transaction.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = chain.OutcomePending
	t.fired = false
}
