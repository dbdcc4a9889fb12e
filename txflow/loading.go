package txflow

import (
	"sync"

	"lendingdash/observability"
)

// Indicator is the process-wide loading display driven by Loading.
type Indicator interface {
	Open()
	Close()
}

// Loading is a reference-counted loading indicator. The indicator opens
// when the first lease is acquired and closes when the last lease is
// released, so overlapping flows cannot dismiss each other.
type Loading struct {
	mu         sync.Mutex
	depth      int
	indicators []Indicator
	metrics    *observability.TxFlowMetrics
}

// NewLoading constructs a loading tracker driving the given indicators.
func NewLoading(indicators ...Indicator) *Loading {
	return &Loading{indicators: indicators}
}

// Attach adds an indicator. If leases are already held it is opened at once.
func (l *Loading) Attach(ind Indicator) {
	if ind == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.indicators = append(l.indicators, ind)
	if l.depth > 0 {
		ind.Open()
	}
}

// Acquire takes a lease and returns its release function. Calling release
// more than once has no further effect.
func (l *Loading) Acquire() (release func()) {
	l.mu.Lock()
	l.depth++
	if l.depth == 1 {
		for _, ind := range l.indicators {
			ind.Open()
		}
	}
	l.metrics.SetLoadingDepth(l.depth)
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(l.release)
	}
}

func (l *Loading) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.depth == 0 {
		return
	}
	l.depth--
	if l.depth == 0 {
		for _, ind := range l.indicators {
			ind.Close()
		}
	}
	l.metrics.SetLoadingDepth(l.depth)
}

// Active reports whether any lease is held.
func (l *Loading) Active() bool {
	return l.Depth() > 0
}

// Depth returns the number of outstanding leases.
func (l *Loading) Depth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.depth
}
