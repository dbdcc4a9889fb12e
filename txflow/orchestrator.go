package txflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"lendingdash/chain"
	"lendingdash/observability"
	"lendingdash/storage/journal"
)

// Journal persists submitted transactions.
type Journal interface {
	Put(rec journal.Record) error
	Pending() ([]journal.Record, error)
}

// PreparedCall is a request whose simulation succeeded.
type PreparedCall struct {
	Request     chain.TransactionRequest
	Fingerprint string
	PreparedAt  time.Time
}

// Step describes a single submit → await → report cycle.
type Step struct {
	Call    *PreparedCall
	FlowID  string
	Account string
	// SuccessMessage and FailureMessage are sent to the notifier on the
	// terminal transition. An empty message is not sent.
	SuccessMessage string
	FailureMessage string
	// OnSubmitted runs once the provider accepted the transaction.
	OnSubmitted func(chain.TransactionHandle)
}

// Orchestrator prepares, submits, and tracks transactions.
type Orchestrator struct {
	provider      chain.Provider
	notifier      Notifier
	loading       *Loading
	guard         *Guard
	journal       Journal
	metrics       *observability.TxFlowMetrics
	tracer        trace.Tracer
	logger        *slog.Logger
	pollInterval  time.Duration
	settleTimeout time.Duration
	now           func() time.Time
}

// Option customises the orchestrator.
type Option func(*Orchestrator)

// WithNotifier sets the notification sink.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithLoading shares a loading indicator across orchestrated flows.
func WithLoading(l *Loading) Option {
	return func(o *Orchestrator) { o.loading = l }
}

// WithGuard shares an in-flight guard.
func WithGuard(g *Guard) Option {
	return func(o *Orchestrator) { o.guard = g }
}

// WithJournal persists submitted transactions.
func WithJournal(j Journal) Option {
	return func(o *Orchestrator) { o.journal = j }
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *observability.TxFlowMetrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithPollInterval configures the receipt polling cadence.
func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.pollInterval = d }
}

// WithSettleTimeout bounds how long AwaitSettlement polls.
func WithSettleTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.settleTimeout = d }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) { o.now = clock }
}

// New constructs an orchestrator over provider.
func New(provider chain.Provider, opts ...Option) (*Orchestrator, error) {
	if provider == nil {
		return nil, fmt.Errorf("txflow: provider required")
	}
	o := &Orchestrator{
		provider:      provider,
		pollInterval:  3 * time.Second,
		settleTimeout: 5 * time.Minute,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.notifier == nil {
		o.notifier = LogNotifier{Logger: o.logger}
	}
	if o.loading == nil {
		o.loading = NewLoading()
	}
	if o.guard == nil {
		o.guard = NewGuard()
	}
	if o.metrics == nil {
		o.metrics = observability.TxFlow()
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer("lendingdash/txflow")
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.pollInterval <= 0 {
		o.pollInterval = 3 * time.Second
	}
	if o.settleTimeout <= 0 {
		o.settleTimeout = 5 * time.Minute
	}
	o.loading.mu.Lock()
	if o.loading.metrics == nil {
		o.loading.metrics = o.metrics
	}
	o.loading.mu.Unlock()
	return o, nil
}

// Provider exposes the underlying chain provider.
func (o *Orchestrator) Provider() chain.Provider { return o.provider }

// Loading exposes the shared loading indicator.
func (o *Orchestrator) Loading() *Loading { return o.loading }

// Notifier exposes the notification sink.
func (o *Orchestrator) Notifier() Notifier { return o.notifier }

// Begin claims the (kind, account) pair for the duration of a logical action.
func (o *Orchestrator) Begin(kind chain.Kind, account string) (func(), error) {
	return o.guard.Begin(kind, account)
}

// InFlight reports whether the pair currently has a transaction in flight.
func (o *Orchestrator) InFlight(kind chain.Kind, account string) bool {
	return o.guard.Active(kind, account)
}

func validateRequest(req chain.TransactionRequest) error {
	switch {
	case req.Kind == "":
		return fmt.Errorf("%w: kind required", ErrInvalidRequest)
	case req.To == (common.Address{}):
		return fmt.Errorf("%w: target required", ErrInvalidRequest)
	case req.Method == "":
		return fmt.Errorf("%w: method required", ErrInvalidRequest)
	case len(req.Data) < 4:
		return fmt.Errorf("%w: calldata required", ErrInvalidRequest)
	case req.Value != nil && req.Value.Sign() < 0:
		return fmt.Errorf("%w: negative value", ErrInvalidRequest)
	}
	return nil
}

// Prepare validates and simulates req against current chain state.
func (o *Orchestrator) Prepare(ctx context.Context, req chain.TransactionRequest) (*PreparedCall, error) {
	ctx, span := o.tracer.Start(ctx, "txflow.prepare", trace.WithAttributes(
		attribute.String("tx.kind", string(req.Kind)),
		attribute.String("tx.method", req.Method),
	))
	defer span.End()

	if err := validateRequest(req); err != nil {
		o.metrics.RecordPreparation(string(req.Kind), false)
		span.SetStatus(codes.Error, err.Error())
		return nil, wrap(ClassPreparation, req.Kind, err)
	}
	if err := o.provider.Simulate(ctx, req); err != nil {
		o.metrics.RecordPreparation(string(req.Kind), false)
		span.SetStatus(codes.Error, err.Error())
		return nil, wrap(ClassPreparation, req.Kind, err)
	}
	o.metrics.RecordPreparation(string(req.Kind), true)
	return &PreparedCall{Request: req, Fingerprint: req.Fingerprint(), PreparedAt: o.now()}, nil
}

// Submit hands a prepared call to the provider. Calls that were never
// prepared are refused without contacting the provider.
func (o *Orchestrator) Submit(ctx context.Context, call *PreparedCall) (chain.TransactionHandle, error) {
	if call == nil {
		return chain.TransactionHandle{}, wrap(ClassPreparation, "", ErrNotPrepared)
	}
	kind := call.Request.Kind
	if call.Fingerprint == "" || call.Fingerprint != call.Request.Fingerprint() {
		return chain.TransactionHandle{}, wrap(ClassPreparation, kind, ErrNotPrepared)
	}
	ctx, span := o.tracer.Start(ctx, "txflow.submit", trace.WithAttributes(attribute.String("tx.kind", string(kind))))
	defer span.End()

	handle, err := o.provider.Submit(ctx, call.Request)
	o.metrics.RecordSubmission(string(kind), err == nil)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return chain.TransactionHandle{}, wrap(ClassSubmission, kind, err)
	}
	if handle.Kind == "" {
		handle.Kind = kind
	}
	if handle.SubmittedAt.IsZero() {
		handle.SubmittedAt = o.now()
	}
	span.SetAttributes(attribute.String("tx.hash", handle.Hash.Hex()))
	return handle, nil
}

// AwaitSettlement polls the provider until the handle reaches a terminal
// outcome or the settlement timeout expires. Every polled outcome is passed
// to observe when it is non-nil. Expiry stops polling only; the transaction
// itself is unaffected.
func (o *Orchestrator) AwaitSettlement(ctx context.Context, handle chain.TransactionHandle, observe func(chain.Outcome)) (chain.Outcome, error) {
	ctx, span := o.tracer.Start(ctx, "txflow.settle", trace.WithAttributes(
		attribute.String("tx.kind", string(handle.Kind)),
		attribute.String("tx.hash", handle.Hash.Hex()),
	))
	defer span.End()

	o.metrics.AddInFlight(string(handle.Kind), 1)
	defer o.metrics.AddInFlight(string(handle.Kind), -1)

	waitCtx, cancel := context.WithTimeout(ctx, o.settleTimeout)
	defer cancel()
	limiter := rate.NewLimiter(rate.Every(o.pollInterval), 1)

	for {
		if err := limiter.Wait(waitCtx); err != nil {
			if ctx.Err() != nil {
				return chain.OutcomePending, wrap(ClassSettlement, handle.Kind, ctx.Err())
			}
			span.SetStatus(codes.Error, "timeout")
			o.metrics.RecordSettlement(string(handle.Kind), "timeout", 0)
			return chain.OutcomePending, wrap(ClassSettlement, handle.Kind, ErrSettlementTimeout)
		}
		outcome, err := o.provider.Receipt(waitCtx, handle)
		if err != nil {
			o.logger.Debug("receipt poll failed", "kind", handle.Kind, "hash", handle.Hash.Hex(), "error", err)
			continue
		}
		if observe != nil {
			observe(outcome)
		}
		if !outcome.Terminal() {
			continue
		}
		latency := o.now().Sub(handle.SubmittedAt)
		if handle.SubmittedAt.IsZero() {
			latency = 0
		}
		if outcome == chain.OutcomeFailed {
			span.SetStatus(codes.Error, "reverted")
			o.metrics.RecordSettlement(string(handle.Kind), "reverted", latency)
			return outcome, wrap(ClassSettlement, handle.Kind, chain.ErrReverted)
		}
		o.metrics.RecordSettlement(string(handle.Kind), "succeeded", latency)
		return outcome, nil
	}
}

// Run performs one submit → await → report cycle. Exactly one notification
// is sent when the step reaches a terminal state, provided the relevant
// message is set. The loading indicator is held for the whole cycle.
func (o *Orchestrator) Run(ctx context.Context, step Step) (chain.TransactionHandle, error) {
	if step.Call == nil {
		return chain.TransactionHandle{}, wrap(ClassPreparation, "", ErrNotPrepared)
	}
	kind := step.Call.Request.Kind
	flowID := step.FlowID
	if flowID == "" {
		flowID = uuid.NewString()
	}
	logger := o.logger.With("flow", flowID, "kind", kind, "account", step.Account)
	tracker := NewTracker(
		func() { o.notify(LevelSuccess, step.SuccessMessage) },
		func() { o.notify(LevelError, step.FailureMessage) },
	)

	release := o.loading.Acquire()
	defer release()

	handle, err := o.Submit(ctx, step.Call)
	if err != nil {
		logger.Warn("submission failed", "error", err)
		tracker.Observe(chain.OutcomeFailed)
		return chain.TransactionHandle{}, err
	}
	logger.Info("transaction submitted", "hash", handle.Hash.Hex())
	if step.OnSubmitted != nil {
		step.OnSubmitted(handle)
	}

	rec := journal.Record{
		ID:          uuid.NewString(),
		FlowID:      flowID,
		Kind:        string(kind),
		Account:     step.Account,
		Hash:        handle.Hash.Hex(),
		Status:      journal.StatusPending,
		SubmittedAt: handle.SubmittedAt,
	}
	o.record(logger, rec)

	_, err = o.AwaitSettlement(ctx, handle, func(outcome chain.Outcome) { tracker.Observe(outcome) })
	settled := o.now()
	rec.SettledAt = &settled
	switch {
	case err == nil:
		rec.Status = journal.StatusSucceeded
		logger.Info("transaction settled", "hash", rec.Hash)
	case errors.Is(err, ErrSettlementTimeout):
		rec.Status = journal.StatusExpired
		rec.Error = err.Error()
		tracker.Observe(chain.OutcomeFailed)
		logger.Warn("settlement polling expired", "hash", rec.Hash)
	default:
		if errors.Is(err, chain.ErrReverted) {
			rec.Status = journal.StatusFailed
		} else {
			// Polling was cancelled; the transaction may still settle and is
			// left for Recover.
			rec.SettledAt = nil
		}
		rec.Error = err.Error()
		tracker.Observe(chain.OutcomeFailed)
		logger.Warn("transaction failed", "hash", rec.Hash, "reason", settlementReason(err), "error", err)
	}
	o.record(logger, rec)
	return handle, err
}

func (o *Orchestrator) notify(level Level, msg string) {
	if msg == "" {
		return
	}
	o.metrics.RecordNotification(string(level))
	if level == LevelSuccess {
		o.notifier.Success(msg)
		return
	}
	o.notifier.Error(msg)
}

func (o *Orchestrator) record(logger *slog.Logger, rec journal.Record) {
	if o.journal == nil {
		return
	}
	if err := o.journal.Put(rec); err != nil {
		logger.Error("journal write failed", "error", err)
	}
}
