package poller

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"alpha-engine/internal/exchange"
	"alpha-engine/internal/store"
	"alpha-engine/pkg/types"
)

// TransferAPI is the paginated transfer-history endpoint.
type TransferAPI interface {
	Transfers(ctx context.Context, direction string, since, until time.Time, page, pageSize int) ([]exchange.TransferRecord, int, error)
}

// TransferPoller walks SPOT↔FUTURES transfer history in both directions.
type TransferPoller struct {
	client TransferAPI
	events *store.EventStore
	scope  types.Scope
	logger *slog.Logger
}

func NewTransferPoller(client TransferAPI, events *store.EventStore, scope types.Scope, logger *slog.Logger) *TransferPoller {
	return &TransferPoller{
		client: client,
		events: events,
		scope:  scope,
		logger: logger.With("poller", "transfer"),
	}
}

func (p *TransferPoller) Name() string            { return "transfer" }
func (p *TransferPoller) Interval() time.Duration { return 30 * time.Minute }

const transferPageSize = 100

func (p *TransferPoller) DoPoll(ctx context.Context, since time.Time) (int, error) {
	until := time.Now().UTC()
	created := 0
	for _, direction := range []string{exchange.TransferSpotToFutures, exchange.TransferFuturesToSpot} {
		n, err := p.pollDirection(ctx, direction, since, until)
		created += n
		if err != nil {
			return created, err
		}
	}
	return created, nil
}

func (p *TransferPoller) pollDirection(ctx context.Context, direction string, since, until time.Time) (int, error) {
	created := 0
	for page := 1; ; page++ {
		rows, total, err := p.client.Transfers(ctx, direction, since, until, page, transferPageSize)
		if err != nil {
			return created, err
		}
		for _, rec := range rows {
			if rec.Status != "CONFIRMED" {
				continue
			}
			res, err := p.events.Append(ctx, p.mapTransfer(rec, direction))
			if err != nil {
				return created, err
			}
			if res.Stored {
				created++
			}
		}
		if page*transferPageSize >= total || len(rows) == 0 {
			return created, nil
		}
	}
}

func (p *TransferPoller) mapTransfer(rec exchange.TransferRecord, direction string) *types.Event {
	from, to := types.VenueSpot, types.VenueFutures
	if direction == exchange.TransferFuturesToSpot {
		from, to = types.VenueFutures, types.VenueSpot
	}
	return &types.Event{
		EventType:  types.EventInternalTransferCompleted,
		TS:         time.UnixMilli(rec.Timestamp).UTC(),
		Source:     types.SourceBot,
		EntityKind: types.EntityTransfer,
		EntityID:   strconv.FormatInt(rec.TranID, 10),
		Scope:      p.scope,
		DedupKey:   types.MovementDedupKey(p.scope, "transfer", strconv.FormatInt(rec.TranID, 10)),
		Payload: mustMarshal(types.TransferPayloadEvent{
			TranID:    rec.TranID,
			Asset:     rec.Asset,
			Amount:    rec.Amount,
			FromVenue: from,
			ToVenue:   to,
			Timestamp: rec.Timestamp,
		}),
	}
}
