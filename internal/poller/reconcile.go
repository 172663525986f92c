package poller

import (
	"context"
	"log/slog"
	"time"
)

// Reconciler is the opening reconciler (ledger vs exchange).
type Reconciler interface {
	Reconcile(ctx context.Context) (adjusted, skipped int, err error)
}

// PositionGate reports whether a position is currently open.
type PositionGate interface {
	HasOpenPosition() bool
}

// ReconcilePoller re-runs the opening reconciler on a daily cadence, but
// only while flat: adjusting balances mid-position would fold unrealized
// PnL into the ledger. A deferred run retries hourly.
type ReconcilePoller struct {
	reconciler Reconciler
	gate       PositionGate
	logger     *slog.Logger
}

func NewReconcilePoller(reconciler Reconciler, gate PositionGate, logger *slog.Logger) *ReconcilePoller {
	return &ReconcilePoller{
		reconciler: reconciler,
		gate:       gate,
		logger:     logger.With("poller", "reconcile"),
	}
}

func (p *ReconcilePoller) Name() string            { return "reconcile" }
func (p *ReconcilePoller) Interval() time.Duration { return 24 * time.Hour }

func (p *ReconcilePoller) DoPoll(ctx context.Context, since time.Time) (int, error) {
	if p.gate.HasOpenPosition() {
		return 0, ErrDeferred
	}
	adjusted, skipped, err := p.reconciler.Reconcile(ctx)
	if err != nil {
		return 0, err
	}
	p.logger.Info("daily reconcile done", "adjusted", adjusted, "skipped", skipped)
	return adjusted, nil
}
