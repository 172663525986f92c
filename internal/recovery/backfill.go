package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"alpha-engine/internal/exchange"
	"alpha-engine/internal/store"
	"alpha-engine/pkg/types"
)

// defaultWindowDays bounds the historical walk when no epoch date is known.
const defaultWindowDays = 20

// HistoryPoller is the slice of the poller contract backfill needs: one
// bounded fetch-and-map pass. The regular pollers satisfy it, so backfill
// reuses their mapping verbatim.
type HistoryPoller interface {
	Name() string
	DoPoll(ctx context.Context, since time.Time) (int, error)
}

// DustAPI is the spot dust-conversion log. Dust sweeps are rare and
// manual, so there is no recurring poller; only backfill reads it.
type DustAPI interface {
	DustLog(ctx context.Context, since, until time.Time) ([]exchange.DustConversion, error)
}

type backfillMark struct {
	Completed   bool   `json:"completed"`
	CompletedAt string `json:"completed_at"`
	Since       string `json:"since"`
	Created     int    `json:"created"`
}

// Backfiller ingests the transaction history behind the initial capital
// baseline. Every record keeps its original timestamp and canonical dedup
// key, so chronology is preserved and reruns create nothing.
type Backfiller struct {
	pollers []HistoryPoller
	dust    DustAPI
	store   *store.Store
	scope   types.Scope
	logger  *slog.Logger
}

func NewBackfiller(pollers []HistoryPoller, dust DustAPI, st *store.Store, scope types.Scope, logger *slog.Logger) *Backfiller {
	return &Backfiller{
		pollers: pollers,
		dust:    dust,
		store:   st,
		scope:   scope,
		logger:  logger.With("component", "backfill"),
	}
}

// Run walks the history once. The window starts at epochDate (YYYY-MM-DD)
// when given, otherwise defaultWindowDays back. Returns the number of
// events created.
func (b *Backfiller) Run(ctx context.Context, epochDate string) (int, error) {
	var mark backfillMark
	if _, err := b.store.Config.Get(ctx, store.KeyBackfill, &mark); err == nil && mark.Completed {
		b.logger.Debug("backfill already completed", "completed_at", mark.CompletedAt)
		return 0, nil
	} else if err != nil && err != store.ErrNotFound {
		return 0, err
	}

	since := time.Now().UTC().AddDate(0, 0, -defaultWindowDays)
	if epochDate != "" {
		d, err := time.Parse("2006-01-02", epochDate)
		if err != nil {
			return 0, fmt.Errorf("bad epoch date %q: %w", epochDate, err)
		}
		since = d.UTC()
	}
	b.logger.Info("backfill starting", "since", since.Format(time.RFC3339))

	created := 0
	for _, p := range b.pollers {
		n, err := p.DoPoll(ctx, since)
		created += n
		if err != nil {
			return created, fmt.Errorf("backfill %s: %w", p.Name(), err)
		}
		b.logger.Info("backfill pass done", "source", p.Name(), "created", n)
	}

	n, err := b.backfillDust(ctx, since)
	created += n
	if err != nil {
		return created, fmt.Errorf("backfill dust: %w", err)
	}

	mark = backfillMark{
		Completed:   true,
		CompletedAt: time.Now().UTC().Format(time.RFC3339),
		Since:       since.Format(time.RFC3339),
		Created:     created,
	}
	if _, err := b.store.Config.Set(ctx, store.KeyBackfill, mark, types.SystemActor); err != nil {
		return created, err
	}
	b.logger.Info("backfill completed", "created", created)
	return created, nil
}

func (b *Backfiller) backfillDust(ctx context.Context, since time.Time) (int, error) {
	if b.dust == nil {
		return 0, nil
	}
	rows, err := b.dust.DustLog(ctx, since, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	created := 0
	for _, rec := range rows {
		payload, err := json.Marshal(types.DustPayloadEvent{
			TranID:          rec.TranID,
			FromAsset:       rec.FromAsset,
			Amount:          rec.Amount,
			TransferedTotal: rec.TransferedAmount,
			ServiceCharge:   rec.ServiceCharge,
			OperateTime:     rec.OperateTime,
		})
		if err != nil {
			return created, err
		}
		// A sweep shares one tranId across assets, so the asset is part
		// of the identity.
		id := strconv.FormatInt(rec.TranID, 10) + ":" + rec.FromAsset
		res, err := b.store.Events.Append(ctx, &types.Event{
			EventType:  types.EventDustConverted,
			TS:         time.UnixMilli(rec.OperateTime).UTC(),
			Source:     types.SourceBot,
			EntityKind: types.EntityDust,
			EntityID:   id,
			Scope:      b.scope.WithVenue(types.VenueSpot),
			DedupKey:   types.MovementDedupKey(b.scope, "dust", id),
			Payload:    payload,
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
