package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alpha-engine/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(filepath.Join(t.TempDir(), "ae.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testScope() types.Scope {
	return types.Scope{
		Exchange: "BINANCE",
		Venue:    types.VenueFutures,
		Account:  "main",
		Symbol:   "XRPUSDT",
		Mode:     types.ModeTestnet,
	}
}

func tradeEvent(tradeID int64) *types.Event {
	s := testScope()
	return &types.Event{
		EventType:  types.EventTradeExecuted,
		Source:     types.SourceWebsocket,
		EntityKind: types.EntityTrade,
		EntityID:   strconv.FormatInt(tradeID, 10),
		Scope:      s,
		DedupKey:   types.TradeDedupKey(s, s.Symbol, tradeID),
		Payload:    []byte(`{"realized_pnl":"1.25"}`),
	}
}

func TestAppendDedupIdempotence(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Events.Append(ctx, tradeEvent(777))
	require.NoError(t, err)
	assert.True(t, first.Stored)
	assert.Greater(t, first.Seq, int64(0))

	// Replay after reconnect: same dedup key, append is a no-op.
	second, err := s.Events.Append(ctx, tradeEvent(777))
	require.NoError(t, err)
	assert.False(t, second.Stored)
	assert.Equal(t, first.Seq, second.Seq)

	count, err := s.Events.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestAppendRequiresDedupKey(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	e := tradeEvent(1)
	e.DedupKey = ""
	_, err := s.Events.Append(context.Background(), e)
	assert.Error(t, err)
}

func TestGetSinceCursor(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		_, err := s.Events.Append(ctx, tradeEvent(i))
		require.NoError(t, err)
	}

	events, err := s.Events.GetSince(ctx, 0, 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(1), events[0].Seq)

	// Resume from the last seen seq.
	events, err = s.Events.GetSince(ctx, events[2].Seq, 100)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(4), events[0].Seq)

	last, err := s.Events.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), last)
}

func TestGetByEntityAndType(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	scope := testScope()

	_, err := s.Events.Append(ctx, tradeEvent(1))
	require.NoError(t, err)

	order := &types.Event{
		EventType:  types.EventOrderPlaced,
		Source:     types.SourceBot,
		EntityKind: types.EntityOrder,
		EntityID:   "123",
		Scope:      scope,
		DedupKey:   types.OrderDedupKey(scope, scope.Symbol, 123),
	}
	_, err = s.Events.Append(ctx, order)
	require.NoError(t, err)

	byEntity, err := s.Events.GetByEntity(ctx, types.EntityOrder, "123", 0)
	require.NoError(t, err)
	require.Len(t, byEntity, 1)
	assert.Equal(t, types.EventOrderPlaced, byEntity[0].EventType)
	assert.Equal(t, "XRPUSDT", byEntity[0].Scope.Symbol)

	byType, err := s.Events.GetByType(ctx, types.EventTradeExecuted, 0)
	require.NoError(t, err)
	require.Len(t, byType, 1)

	got, err := s.Events.GetByID(ctx, order.EventID)
	require.NoError(t, err)
	assert.Equal(t, order.DedupKey, got.DedupKey)

	_, err = s.Events.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetByTypeSinceTS(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	old := tradeEvent(1)
	old.TS = time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	_, err := s.Events.Append(ctx, old)
	require.NoError(t, err)

	recent := tradeEvent(2)
	recent.TS = time.Date(2024, 1, 15, 9, 30, 0, 0, time.UTC)
	_, err = s.Events.Append(ctx, recent)
	require.NoError(t, err)

	midnight := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	events, err := s.Events.GetByTypeSinceTS(ctx, types.EventTradeExecuted, midnight)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "2", events[0].EntityID)
}

func TestEventTimestampsAreUTCOrdered(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	// Initial capital at snapshot-date midnight sorts before later backfill.
	capital := &types.Event{
		EventType:  types.EventInitialCapitalEstablished,
		TS:         time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		Source:     types.SourceBot,
		EntityKind: types.EntityCapital,
		EntityID:   "2024-01-15",
		Scope:      testScope(),
		DedupKey:   types.InitialCapitalDedupKey(types.ModeTestnet, "2024-01-15"),
	}
	_, err := s.Events.Append(ctx, capital)
	require.NoError(t, err)

	income := tradeEvent(9)
	income.TS = time.Date(2024, 1, 16, 3, 0, 0, 0, time.UTC)
	_, err = s.Events.Append(ctx, income)
	require.NoError(t, err)

	events, err := s.Events.GetByTypeSinceTS(ctx, types.EventInitialCapitalEstablished, time.Time{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].TS.Before(income.TS))
	assert.Equal(t, time.UTC, events[0].TS.Location())
}
