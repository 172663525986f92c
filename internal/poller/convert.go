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

// ConvertAPI is the convert trade-flow endpoint.
type ConvertAPI interface {
	Converts(ctx context.Context, since, until time.Time) ([]exchange.ConvertRecord, error)
}

// ConvertPoller ingests completed spot conversions.
type ConvertPoller struct {
	client ConvertAPI
	events *store.EventStore
	scope  types.Scope
	logger *slog.Logger
}

func NewConvertPoller(client ConvertAPI, events *store.EventStore, scope types.Scope, logger *slog.Logger) *ConvertPoller {
	return &ConvertPoller{
		client: client,
		events: events,
		scope:  scope,
		logger: logger.With("poller", "convert"),
	}
}

func (p *ConvertPoller) Name() string            { return "convert" }
func (p *ConvertPoller) Interval() time.Duration { return time.Hour }

func (p *ConvertPoller) DoPoll(ctx context.Context, since time.Time) (int, error) {
	records, err := p.client.Converts(ctx, since, time.Now().UTC())
	if err != nil {
		return 0, err
	}

	created := 0
	for _, rec := range records {
		if rec.OrderStatus != "SUCCESS" {
			continue
		}
		res, err := p.events.Append(ctx, &types.Event{
			EventType:  types.EventConvertExecuted,
			TS:         time.UnixMilli(rec.CreateTime).UTC(),
			Source:     types.SourceBot,
			EntityKind: types.EntityConvert,
			EntityID:   strconv.FormatInt(rec.OrderID, 10),
			Scope:      p.scope.WithVenue(types.VenueSpot),
			DedupKey:   types.MovementDedupKey(p.scope, "convert", rec.QuoteID),
			Payload: mustMarshal(types.ConvertPayloadEvent{
				QuoteID:    rec.QuoteID,
				OrderID:    rec.OrderID,
				FromAsset:  rec.FromAsset,
				FromAmt:    rec.FromAmount,
				ToAsset:    rec.ToAsset,
				ToAmt:      rec.ToAmount,
				CreateTime: rec.CreateTime,
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
