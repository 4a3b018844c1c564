// Package core implements the custody ledger: material creation, sequenced
// transfer recording and the dual write to the ledger store and the anchor.
// The ledger store is the system of record; anchor failures degrade to
// warnings attached to otherwise successful results.
package core

import (
	"context"
	"log/slog"
	"time"

	"custodyledger/pkg/domain"
)

// DefaultAnchorTimeout bounds every anchor call.
const DefaultAnchorTimeout = 10 * time.Second

// Ledger coordinates the ledger store and the anchor. It holds no state of
// its own and is safe for concurrent use.
type Ledger struct {
	store         domain.LedgerStore
	anchor        domain.Anchor
	logger        *slog.Logger
	metrics       MetricsRecorder
	anchorTimeout time.Duration
	now           func() time.Time
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(l *Ledger) {
		if m != nil {
			l.metrics = m
		}
	}
}

// WithAnchorTimeout overrides DefaultAnchorTimeout.
func WithAnchorTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.anchorTimeout = d
		}
	}
}

// WithClock overrides the clock used for defaulted transfer timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLedger constructs a ledger over store. A nil anchor disables anchoring;
// outcomes are then reported as skipped.
func NewLedger(store domain.LedgerStore, anchor domain.Anchor, opts ...Option) *Ledger {
	l := &Ledger{
		store:         store,
		anchor:        anchor,
		logger:        slog.New(slog.DiscardHandler),
		metrics:       noopMetrics{},
		anchorTimeout: DefaultAnchorTimeout,
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Store returns the underlying ledger store.
func (l *Ledger) Store() domain.LedgerStore { return l.store }

func (l *Ledger) observe(ctx context.Context, op string, started time.Time, err error) {
	l.metrics.Observe(ctx, op, err == nil, time.Since(started))
}
