package projection

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alpha-engine/internal/store"
	"alpha-engine/pkg/types"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "ae.db"),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
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

func appendEvent(t *testing.T, st *store.Store, et types.EventType, kind types.EntityKind, entityID, dedupKey string, scope types.Scope, payload any) {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	_, err = st.Events.Append(context.Background(), &types.Event{
		EventType:  et,
		Source:     types.SourceBot,
		EntityKind: kind,
		EntityID:   entityID,
		Scope:      scope,
		DedupKey:   dedupKey,
		Payload:    body,
	})
	require.NoError(t, err)
}

func newTestView(t *testing.T, st *store.Store) *View {
	t.Helper()
	return New(st, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestBalanceChangedIsAuthoritative(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	v := newTestView(t, st)

	appendEvent(t, st, types.EventBalanceChanged, types.EntityBalance, "USDT",
		"BINANCE:FUTURES:USDT:balance:1", testScope(), types.BalancePayloadEvent{
			Asset: "USDT", WalletBalance: "670.00", TransactionTime: 1,
		})
	appendEvent(t, st, types.EventBalanceChanged, types.EntityBalance, "USDT",
		"BINANCE:FUTURES:USDT:balance:2", testScope(), types.BalancePayloadEvent{
			Asset: "USDT", WalletBalance: "655.25", TransactionTime: 2,
		})
	require.NoError(t, v.CatchUp(context.Background()))

	assert.Equal(t, "655.25", v.Balance(types.VenueFutures, "USDT").String())

	// Mirrored for the web process.
	var mirrored string
	err := st.DB().QueryRow(
		`SELECT balance FROM projection_balance WHERE venue = 'FUTURES' AND asset = 'USDT'`).
		Scan(&mirrored)
	require.NoError(t, err)
	assert.Equal(t, "655.25", mirrored)
}

func TestInitialCapitalSeedsBothVenues(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	v := newTestView(t, st)

	appendEvent(t, st, types.EventInitialCapitalEstablished, types.EntityCapital, "initial",
		"initial_capital:TESTNET:2024-01-15", testScope(), types.CapitalPayloadEvent{
			SnapshotDate: "2024-01-15", SpotUSDT: "100", FuturesUSDT: "570", TotalUSDT: "670",
		})
	require.NoError(t, v.CatchUp(context.Background()))

	assert.Equal(t, "100", v.Balance(types.VenueSpot, "USDT").String())
	assert.Equal(t, "570", v.Balance(types.VenueFutures, "USDT").String())
}

func TestIncomeAccumulates(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	v := newTestView(t, st)

	appendEvent(t, st, types.EventBalanceChanged, types.EntityBalance, "USDT",
		"BINANCE:FUTURES:USDT:balance:1", testScope(), types.BalancePayloadEvent{
			Asset: "USDT", WalletBalance: "100", TransactionTime: 1,
		})
	appendEvent(t, st, types.EventFundingApplied, types.EntityFunding, "f1",
		"BINANCE:XRPUSDT:funding:1000", testScope(), types.IncomePayloadEvent{
			IncomeType: "FUNDING_FEE", Income: "-0.35", Asset: "USDT", IncomeTime: 1000,
		})
	appendEvent(t, st, types.EventCommissionRebateReceived, types.EntityFunding, "r1",
		"BINANCE:rebate:42", testScope(), types.IncomePayloadEvent{
			IncomeType: "COMMISSION_REBATE", Income: "0.10", Asset: "USDT", TranID: 42,
		})
	require.NoError(t, v.CatchUp(context.Background()))

	assert.Equal(t, "99.75", v.Balance(types.VenueFutures, "USDT").String())
}

func TestInternalTransferMovesBetweenVenues(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	v := newTestView(t, st)

	appendEvent(t, st, types.EventInitialCapitalEstablished, types.EntityCapital, "initial",
		"initial_capital:TESTNET:2024-01-15", testScope(), types.CapitalPayloadEvent{
			SnapshotDate: "2024-01-15", SpotUSDT: "500", FuturesUSDT: "500", TotalUSDT: "1000",
		})
	appendEvent(t, st, types.EventInternalTransferCompleted, types.EntityTransfer, "7731",
		"BINANCE:transfer:7731", testScope(), types.TransferPayloadEvent{
			TranID: 7731, Asset: "USDT", Amount: "200",
			FromVenue: types.VenueSpot, ToVenue: types.VenueFutures,
		})
	require.NoError(t, v.CatchUp(context.Background()))

	assert.Equal(t, "300", v.Balance(types.VenueSpot, "USDT").String())
	assert.Equal(t, "700", v.Balance(types.VenueFutures, "USDT").String())

	var count int
	require.NoError(t, st.DB().QueryRow(
		`SELECT COUNT(*) FROM transfers WHERE tran_id = 7731`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestPositionLifecycle(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	v := newTestView(t, st)
	ctx := context.Background()

	appendEvent(t, st, types.EventPositionChanged, types.EntityPosition, "XRPUSDT",
		"BINANCE:FUTURES:XRPUSDT:position:1", testScope(), types.PositionPayloadEvent{
			Symbol: "XRPUSDT", PositionAmt: "100", EntryPrice: "0.61", TransactionTime: 1,
		})
	require.NoError(t, v.CatchUp(ctx))

	pos, ok := v.Position("XRPUSDT")
	require.True(t, ok)
	assert.Equal(t, "100", pos.Amount.String())
	assert.True(t, v.HasOpenPosition())

	appendEvent(t, st, types.EventPositionChanged, types.EntityPosition, "XRPUSDT",
		"BINANCE:FUTURES:XRPUSDT:position:2", testScope(), types.PositionPayloadEvent{
			Symbol: "XRPUSDT", PositionAmt: "0", EntryPrice: "0", TransactionTime: 2,
		})
	require.NoError(t, v.CatchUp(ctx))

	_, ok = v.Position("XRPUSDT")
	assert.False(t, ok)
	assert.False(t, v.HasOpenPosition())
}

func TestOpenOrderLifecycle(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	v := newTestView(t, st)
	ctx := context.Background()

	appendEvent(t, st, types.EventOrderPlaced, types.EntityOrder, "123",
		"BINANCE:FUTURES:XRPUSDT:order:123", testScope(), types.OrderPayloadEvent{
			Symbol: "XRPUSDT", ExchangeOrderID: 123, ClientOrderID: "ae-cmd-1",
			Side: types.SideBuy, OrderType: types.OrderTypeLimit,
			Quantity: "10", Price: "0.60", Status: "NEW",
		})
	require.NoError(t, v.CatchUp(ctx))
	assert.Equal(t, 1, v.OpenOrderCount("XRPUSDT"))

	appendEvent(t, st, types.EventOrderUpdated, types.EntityOrder, "123",
		"BINANCE:FUTURES:XRPUSDT:order:123:FILLED:99", testScope(), types.OrderPayloadEvent{
			Symbol: "XRPUSDT", ExchangeOrderID: 123, ClientOrderID: "ae-cmd-1",
			Status: "FILLED", UpdateTime: 99,
		})
	require.NoError(t, v.CatchUp(ctx))
	assert.Equal(t, 0, v.OpenOrderCount("XRPUSDT"))
	assert.Empty(t, v.OpenOrders(""))
}

func TestRebuildMatchesIncremental(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	appendEvent(t, st, types.EventInitialCapitalEstablished, types.EntityCapital, "initial",
		"initial_capital:TESTNET:2024-01-15", testScope(), types.CapitalPayloadEvent{
			SnapshotDate: "2024-01-15", SpotUSDT: "500", FuturesUSDT: "500", TotalUSDT: "1000",
		})
	appendEvent(t, st, types.EventConvertExecuted, types.EntityConvert, "q1",
		"BINANCE:convert:q1", testScope(), types.ConvertPayloadEvent{
			QuoteID: "q1", FromAsset: "USDT", FromAmt: "50", ToAsset: "BNB", ToAmt: "0.08",
		})

	incremental := newTestView(t, st)
	require.NoError(t, incremental.CatchUp(ctx))

	rebuilt := newTestView(t, st)
	require.NoError(t, rebuilt.Rebuild(ctx))

	assert.Equal(t, incremental.Balances(), rebuilt.Balances())
	assert.Equal(t, incremental.LastSeq(), rebuilt.LastSeq())
	assert.Equal(t, "450", rebuilt.Balance(types.VenueSpot, "USDT").String())
	assert.Equal(t, "0.08", rebuilt.Balance(types.VenueSpot, "BNB").String())
}

func TestCatchUpResumesFromCheckpoint(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	appendEvent(t, st, types.EventBalanceChanged, types.EntityBalance, "USDT",
		"BINANCE:FUTURES:USDT:balance:1", testScope(), types.BalancePayloadEvent{
			Asset: "USDT", WalletBalance: "100", TransactionTime: 1,
		})
	first := newTestView(t, st)
	require.NoError(t, first.CatchUp(ctx))
	seq := first.LastSeq()
	require.Greater(t, seq, int64(0))

	cp, err := st.Checkpoints.Get(ctx, store.CheckpointProjection)
	require.NoError(t, err)
	assert.Equal(t, seq, cp.LastSeq)

	// A fresh view resumes at the checkpoint rather than refolding history.
	second := newTestView(t, st)
	require.NoError(t, second.CatchUp(ctx))
	assert.Equal(t, seq, second.LastSeq())
}

func TestWithdrawReducesSpotBalance(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	v := newTestView(t, st)

	appendEvent(t, st, types.EventDepositCompleted, types.EntityDeposit, "d1",
		"BINANCE:deposit:d1", testScope(), types.MovementPayloadEvent{
			ID: "d1", Asset: "USDT", Amount: "1000", Status: 1, ApplyTime: time.Now().UnixMilli(),
		})
	appendEvent(t, st, types.EventWithdrawCompleted, types.EntityWithdraw, "w1",
		"BINANCE:withdraw:w1", testScope(), types.MovementPayloadEvent{
			ID: "w1", Asset: "USDT", Amount: "250", Status: 6, ApplyTime: time.Now().UnixMilli(),
		})
	require.NoError(t, v.CatchUp(context.Background()))

	assert.Equal(t, "750", v.Balance(types.VenueSpot, "USDT").String())
}
