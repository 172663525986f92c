package recovery

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"alpha-engine/internal/exchange"
	"alpha-engine/internal/poller"
	"alpha-engine/internal/projection"
	"alpha-engine/internal/store"
	"alpha-engine/pkg/types"
)

func testScope() types.Scope {
	return types.Scope{
		Exchange: "BINANCE",
		Venue:    types.VenueFutures,
		Account:  "main",
		Mode:     types.ModeTestnet,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "ae.db"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

type snapshotStub struct {
	spot    []exchange.Snapshot
	futures []exchange.Snapshot
	calls   int
}

func (s *snapshotStub) AccountSnapshot(ctx context.Context, venueType string, limit int) ([]exchange.Snapshot, error) {
	s.calls++
	if venueType == "SPOT" {
		return s.spot, nil
	}
	return s.futures, nil
}

func snapshotAt(t time.Time) *snapshotStub {
	millis := t.UnixMilli()
	spot := exchange.Snapshot{UpdateTime: millis}
	spot.Data.Balances = []exchange.SnapshotBalance{
		{Asset: "USDT", Free: "100.50", Locked: "0"},
		{Asset: "BNB", Free: "0.2", Locked: "0"},
	}
	futures := exchange.Snapshot{UpdateTime: millis}
	futures.Data.Assets = []exchange.SnapshotAsset{
		{Asset: "USDT", WalletBalance: "569.50"},
	}
	return &snapshotStub{
		spot:    []exchange.Snapshot{spot},
		futures: []exchange.Snapshot{futures},
	}
}

type incomeStub struct {
	records []exchange.IncomeRecord
	calls   int
}

func (s *incomeStub) Income(ctx context.Context, since, until time.Time, limit int) ([]exchange.IncomeRecord, error) {
	s.calls++
	return s.records, nil
}

type dustStub struct {
	rows []exchange.DustConversion
}

func (s dustStub) DustLog(ctx context.Context, since, until time.Time) ([]exchange.DustConversion, error) {
	return s.rows, nil
}

func TestCapitalRecordedAtSnapshotMidnightThenBackfilled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	scope := testScope()

	snaps := snapshotAt(time.Date(2024, 1, 15, 8, 30, 0, 0, time.UTC))
	rec := NewCapitalRecorder(snaps, st, scope, testLogger())

	capital, err := rec.Record(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if capital.USDT != "670" || capital.EpochDate != "2024-01-15" || !capital.Initialized {
		t.Errorf("capital = %+v", capital)
	}

	events, err := st.Events.GetByType(ctx, types.EventInitialCapitalEstablished, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d capital events", len(events))
	}
	capEvent := events[0]
	if want := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC); !capEvent.TS.Equal(want) {
		t.Errorf("capital ts = %v, want UTC midnight of the snapshot date", capEvent.TS)
	}
	if capEvent.DedupKey != types.InitialCapitalDedupKey(scope.Mode, "2024-01-15") {
		t.Errorf("dedup key = %q", capEvent.DedupKey)
	}
	var payload types.CapitalPayloadEvent
	if err := json.Unmarshal(capEvent.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.SpotUSDT != "100.5" || payload.FuturesUSDT != "569.5" || payload.TotalUSDT != "670" {
		t.Errorf("payload = %+v", payload)
	}

	// Backfill pulls income from after the snapshot date; its events sort
	// behind the midnight-stamped baseline.
	income := &incomeStub{records: []exchange.IncomeRecord{
		{Symbol: "XRPUSDT", IncomeType: "FUNDING_FEE", Income: "-0.08", Asset: "USDT",
			Time: time.Date(2024, 1, 16, 4, 0, 0, 0, time.UTC).UnixMilli(), TranID: 1},
	}}
	dust := dustStub{rows: []exchange.DustConversion{
		{TranID: 9, FromAsset: "ETH", Amount: "0.0004", TransferedAmount: "0.001",
			ServiceCharge: "0.00002", OperateTime: time.Date(2024, 1, 17, 0, 0, 0, 0, time.UTC).UnixMilli()},
	}}
	bf := NewBackfiller(
		[]HistoryPoller{poller.NewIncomePoller(income, st.Events, scope, testLogger())},
		dust, st, scope, testLogger())

	created, err := bf.Run(ctx, capital.EpochDate)
	if err != nil {
		t.Fatal(err)
	}
	if created != 2 {
		t.Errorf("backfill created = %d, want 2", created)
	}

	funding, err := st.Events.GetByType(ctx, types.EventFundingApplied, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(funding) != 1 {
		t.Fatalf("got %d funding events", len(funding))
	}
	if !capEvent.TS.Before(funding[0].TS) {
		t.Errorf("capital ts %v not before backfilled income ts %v", capEvent.TS, funding[0].TS)
	}

	dustEvents, err := st.Events.GetByType(ctx, types.EventDustConverted, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(dustEvents) != 1 || dustEvents[0].DedupKey != "BINANCE:dust:9:ETH" {
		t.Errorf("dust events = %+v", dustEvents)
	}

	// Reruns are no-ops: the recorder returns the stored capital without
	// calling the exchange, and backfill is marked complete.
	callsBefore := snaps.calls
	again, err := rec.Record(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if again.EpochDate != "2024-01-15" || snaps.calls != callsBefore {
		t.Errorf("rerun hit the exchange: %+v, calls %d -> %d", again, callsBefore, snaps.calls)
	}
	incomeCalls := income.calls
	created, err = bf.Run(ctx, capital.EpochDate)
	if err != nil {
		t.Fatal(err)
	}
	if created != 0 || income.calls != incomeCalls {
		t.Errorf("backfill rerun created %d events, income calls %d -> %d", created, incomeCalls, income.calls)
	}
}

type balanceStub struct {
	futures []exchange.FuturesBalance
	spot    []exchange.SpotBalance
}

func (s balanceStub) FuturesBalances(ctx context.Context) ([]exchange.FuturesBalance, error) {
	return s.futures, nil
}

func (s balanceStub) SpotBalances(ctx context.Context) ([]exchange.SpotBalance, error) {
	return s.spot, nil
}

func TestOpeningReconcilerAdjustsDriftAndSkipsDust(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	scope := testScope()

	// Ledger: FUTURES USDT 670.00, SPOT USDT 100.
	seedBalance := func(venue types.Venue, asset, wallet string, tx int64) {
		t.Helper()
		payload, err := json.Marshal(types.BalancePayloadEvent{
			Asset: asset, WalletBalance: wallet, TransactionTime: tx,
		})
		if err != nil {
			t.Fatal(err)
		}
		s := scope.WithVenue(venue)
		_, err = st.Events.Append(ctx, &types.Event{
			EventType:  types.EventBalanceChanged,
			TS:         time.UnixMilli(tx).UTC(),
			Source:     types.SourceBot,
			EntityKind: types.EntityBalance,
			EntityID:   asset,
			Scope:      s,
			DedupKey:   types.BalanceDedupKey(s, asset, tx),
			Payload:    payload,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	seedBalance(types.VenueFutures, "USDT", "670.00", 1700000000000)
	seedBalance(types.VenueSpot, "USDT", "100", 1700000001000)

	view := projection.New(st, testLogger())
	api := balanceStub{
		futures: []exchange.FuturesBalance{{Asset: "USDT", Balance: "673.52"}},
		spot:    []exchange.SpotBalance{{Asset: "USDT", Free: "100.00002", Locked: "0.00001"}},
	}
	r := NewOpeningReconciler(api, view, st.Events, scope, testLogger())

	adjusted, skipped, err := r.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if adjusted != 1 || skipped != 1 {
		t.Fatalf("adjusted = %d, skipped = %d, want 1 and 1", adjusted, skipped)
	}

	events, err := st.Events.GetByType(ctx, types.EventOpeningBalanceAdjusted, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d adjustment events", len(events))
	}
	var payload types.AdjustmentPayloadEvent
	if err := events[0].DecodePayload(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.Venue != types.VenueFutures || payload.Asset != "USDT" {
		t.Errorf("adjusted pair = %s %s", payload.Venue, payload.Asset)
	}
	if payload.Ledger != "670" || payload.Exchange != "673.52" || payload.Diff != "3.52" {
		t.Errorf("payload = %+v", payload)
	}

	// The adjustment folds back into the projection.
	if got := view.Balance(types.VenueFutures, "USDT").String(); got != "673.52" {
		t.Errorf("projected futures balance = %s", got)
	}
	if got := view.Balance(types.VenueSpot, "USDT").String(); got != "100" {
		t.Errorf("projected spot balance drifted: %s", got)
	}

	// A second run sees no drift above threshold.
	adjusted, skipped, err = r.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if adjusted != 0 || skipped != 1 {
		t.Errorf("second run adjusted = %d, skipped = %d", adjusted, skipped)
	}
}
