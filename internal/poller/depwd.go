package poller

import (
	"context"
	"log/slog"
	"time"

	"alpha-engine/internal/exchange"
	"alpha-engine/internal/store"
	"alpha-engine/pkg/types"
)

// CapitalAPI covers external deposit and withdrawal history.
type CapitalAPI interface {
	Deposits(ctx context.Context, since, until time.Time) ([]exchange.DepositRecord, error)
	Withdrawals(ctx context.Context, since, until time.Time) ([]exchange.WithdrawRecord, error)
}

// DepositWithdrawPoller ingests completed external deposits and
// withdrawals. Pending records are skipped; they surface on a later poll
// once the exchange confirms them.
type DepositWithdrawPoller struct {
	client CapitalAPI
	events *store.EventStore
	scope  types.Scope
	logger *slog.Logger
}

func NewDepositWithdrawPoller(client CapitalAPI, events *store.EventStore, scope types.Scope, logger *slog.Logger) *DepositWithdrawPoller {
	return &DepositWithdrawPoller{
		client: client,
		events: events,
		scope:  scope,
		logger: logger.With("poller", "depwd"),
	}
}

func (p *DepositWithdrawPoller) Name() string            { return "depwd" }
func (p *DepositWithdrawPoller) Interval() time.Duration { return 6 * time.Hour }

// withdrawApplyTimeLayout is Binance's withdraw-history timestamp format.
const withdrawApplyTimeLayout = "2006-01-02 15:04:05"

func (p *DepositWithdrawPoller) DoPoll(ctx context.Context, since time.Time) (int, error) {
	until := time.Now().UTC()
	created := 0

	deposits, err := p.client.Deposits(ctx, since, until)
	if err != nil {
		return created, err
	}
	for _, rec := range deposits {
		if rec.Status != exchange.DepositStatusConfirmed {
			continue
		}
		res, err := p.events.Append(ctx, &types.Event{
			EventType:  types.EventDepositCompleted,
			TS:         time.UnixMilli(rec.InsertTime).UTC(),
			Source:     types.SourceBot,
			EntityKind: types.EntityDeposit,
			EntityID:   rec.ID,
			Scope:      p.scope.WithVenue(types.VenueSpot),
			DedupKey:   types.MovementDedupKey(p.scope, "deposit", rec.ID),
			Payload: mustMarshal(types.MovementPayloadEvent{
				ID:        rec.ID,
				Asset:     rec.Coin,
				Amount:    rec.Amount,
				Network:   rec.Network,
				Address:   rec.Address,
				TxID:      rec.TxID,
				Status:    rec.Status,
				ApplyTime: rec.InsertTime,
			}),
		})
		if err != nil {
			return created, err
		}
		if res.Stored {
			created++
		}
	}

	withdrawals, err := p.client.Withdrawals(ctx, since, until)
	if err != nil {
		return created, err
	}
	for _, rec := range withdrawals {
		if rec.Status != exchange.WithdrawStatusCompleted {
			continue
		}
		applyMillis := until.UnixMilli()
		if t, err := time.Parse(withdrawApplyTimeLayout, rec.ApplyTime); err == nil {
			applyMillis = t.UnixMilli()
		}
		res, err := p.events.Append(ctx, &types.Event{
			EventType:  types.EventWithdrawCompleted,
			TS:         time.UnixMilli(applyMillis).UTC(),
			Source:     types.SourceBot,
			EntityKind: types.EntityWithdraw,
			EntityID:   rec.ID,
			Scope:      p.scope.WithVenue(types.VenueSpot),
			DedupKey:   types.MovementDedupKey(p.scope, "withdraw", rec.ID),
			Payload: mustMarshal(types.MovementPayloadEvent{
				ID:        rec.ID,
				Asset:     rec.Coin,
				Amount:    rec.Amount,
				Network:   rec.Network,
				Address:   rec.Address,
				TxID:      rec.TxID,
				Status:    rec.Status,
				ApplyTime: applyMillis,
			}),
		})
		if err != nil {
			return created, err
		}
		if res.Stored {
			created++
		}
	}
	return created, nil
}
