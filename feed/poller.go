package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"lendingdash/dashboard"
	"lendingdash/observability"
)

// Refresher is refreshed after every successful feed update.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Poller keeps a board in sync with a source.
type Poller struct {
	source   Source
	board    *dashboard.Board
	interval time.Duration
	logger   *slog.Logger
	metrics  *observability.FeedMetrics
	extra    []Refresher

	mu     sync.Mutex
	prices dashboard.Prices
	synced time.Time
	now    func() time.Time
}

// PollerOption customises a Poller.
type PollerOption func(*Poller)

// WithInterval overrides the refresh cadence.
func WithInterval(d time.Duration) PollerOption {
	return func(p *Poller) { p.interval = d }
}

// WithLogger sets the poller logger.
func WithLogger(l *slog.Logger) PollerOption {
	return func(p *Poller) { p.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.FeedMetrics) PollerOption {
	return func(p *Poller) { p.metrics = m }
}

// WithRefreshers adds components refreshed on every tick, such as the
// withdraw forms.
func WithRefreshers(r ...Refresher) PollerOption {
	return func(p *Poller) { p.extra = append(p.extra, r...) }
}

// NewPoller constructs a poller.
func NewPoller(source Source, board *dashboard.Board, opts ...PollerOption) (*Poller, error) {
	if source == nil {
		return nil, fmt.Errorf("feed: source required")
	}
	if board == nil {
		return nil, fmt.Errorf("feed: board required")
	}
	p := &Poller{
		source:   source,
		board:    board,
		interval: 15 * time.Second,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.interval <= 0 {
		p.interval = 15 * time.Second
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.metrics == nil {
		p.metrics = observability.Feed()
	}
	return p, nil
}

// Run refreshes immediately, then on every interval until ctx ends. Refresh
// errors are logged and never stop the loop.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if err := p.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn("feed refresh failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick performs one refresh. A price failure keeps the previous prices.
func (p *Poller) Tick(ctx context.Context) error {
	candidates, err := p.source.Candidates(ctx)
	p.metrics.RecordRefresh(len(candidates), err)
	if err != nil {
		return err
	}

	p.mu.Lock()
	prices := p.prices
	p.mu.Unlock()
	if fresh, err := p.source.Prices(ctx); err != nil {
		p.logger.Warn("price refresh failed", "error", err)
	} else {
		prices = fresh
	}

	p.board.Sync(ctx, candidates, prices)
	for _, r := range p.extra {
		if err := r.Refresh(ctx); err != nil {
			p.logger.Debug("refresh not prepared", "error", err)
		}
	}

	p.mu.Lock()
	p.prices = prices
	p.synced = p.now()
	p.mu.Unlock()
	return nil
}

// LastSync reports when the board was last refreshed.
func (p *Poller) LastSync() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.synced
}
