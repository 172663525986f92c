package poller

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"alpha-engine/internal/exchange"
	"alpha-engine/internal/store"
	"alpha-engine/pkg/types"
)

// IncomeAPI is the slice of the REST adapter the income poller uses.
type IncomeAPI interface {
	Income(ctx context.Context, since, until time.Time, limit int) ([]exchange.IncomeRecord, error)
}

// IncomePoller ingests futures income records: funding fees and
// commission rebates. Realized PnL and commissions arrive through trades
// on the stream and are skipped here.
type IncomePoller struct {
	client IncomeAPI
	events *store.EventStore
	scope  types.Scope
	logger *slog.Logger
}

func NewIncomePoller(client IncomeAPI, events *store.EventStore, scope types.Scope, logger *slog.Logger) *IncomePoller {
	return &IncomePoller{
		client: client,
		events: events,
		scope:  scope,
		logger: logger.With("poller", "income"),
	}
}

func (p *IncomePoller) Name() string            { return "income" }
func (p *IncomePoller) Interval() time.Duration { return 5 * time.Minute }

func (p *IncomePoller) DoPoll(ctx context.Context, since time.Time) (int, error) {
	records, err := p.client.Income(ctx, since, time.Now().UTC(), 1000)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, rec := range records {
		ev := p.mapIncome(rec)
		if ev == nil {
			continue
		}
		res, err := p.events.Append(ctx, ev)
		if err != nil {
			return created, err
		}
		if res.Stored {
			created++
		}
	}
	return created, nil
}

func (p *IncomePoller) mapIncome(rec exchange.IncomeRecord) *types.Event {
	payload := mustMarshal(types.IncomePayloadEvent{
		Symbol:     rec.Symbol,
		IncomeType: rec.IncomeType,
		Income:     rec.Income,
		Asset:      rec.Asset,
		TranID:     rec.TranID,
		IncomeTime: rec.Time,
	})

	switch rec.IncomeType {
	case "FUNDING_FEE":
		return &types.Event{
			EventType:  types.EventFundingApplied,
			TS:         time.UnixMilli(rec.Time).UTC(),
			Source:     types.SourceBot,
			EntityKind: types.EntityFunding,
			EntityID:   rec.Symbol,
			Scope:      p.scope.WithSymbol(rec.Symbol),
			DedupKey:   types.FundingDedupKey(p.scope, rec.Symbol, rec.Time),
			Payload:    payload,
		}
	case "COMMISSION_REBATE", "REFERRAL_KICKBACK":
		return &types.Event{
			EventType:  types.EventCommissionRebateReceived,
			TS:         time.UnixMilli(rec.Time).UTC(),
			Source:     types.SourceBot,
			EntityKind: types.EntityFunding,
			EntityID:   strconv.FormatInt(rec.TranID, 10),
			Scope:      p.scope,
			DedupKey:   types.RebateDedupKey(p.scope, rec.TranID),
			Payload:    payload,
		}
	default:
		// REALIZED_PNL / COMMISSION are covered by TradeExecuted events.
		return nil
	}
}

func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
