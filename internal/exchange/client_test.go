package exchange

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"alpha-engine/internal/config"
	"alpha-engine/pkg/types"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	cfg := config.ExchangeConfig{
		Name:         "BINANCE",
		RESTBaseURL:  srv.URL,
		SpotBaseURL:  srv.URL,
		APIKey:       "test-key",
		APISecret:    "test-secret",
		RecvWindowMS: 5000,
		WeightPerMin: 6000,
	}
	c, err := NewClient(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestPlaceOrderSignsAndDecodes(t *testing.T) {
	t.Parallel()

	var gotPath, gotKey, gotSig string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-MBX-APIKEY")
		gotSig = r.URL.Query().Get("signature")
		w.Header().Set(usedWeightHeader, "42")
		w.Write([]byte(`{"orderId": 991,"symbol":"XRPUSDT","status":"NEW","clientOrderId":"ae-cmd-1","origQty":"10","side":"BUY"}`))
	}))

	result, err := client.PlaceOrder(context.Background(), OrderRequest{
		Symbol:        "XRPUSDT",
		Side:          types.SideBuy,
		OrderType:     types.OrderTypeMarket,
		Quantity:      "10",
		ClientOrderID: "ae-cmd-1",
	})
	if err != nil {
		t.Fatal(err)
	}

	if gotPath != "/fapi/v1/order" {
		t.Errorf("path = %s", gotPath)
	}
	if gotKey != "test-key" {
		t.Errorf("api key header = %s", gotKey)
	}
	if gotSig == "" {
		t.Error("request was not signed")
	}
	if result.OrderID != 991 || result.ClientOrderID != "ae-cmd-1" {
		t.Errorf("unexpected result: %+v", result)
	}
	if client.UsedWeight() != 42 {
		t.Errorf("used weight = %d, want 42", client.UsedWeight())
	}
}

func TestErrorBodyBecomesAPIError(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-2019,"msg":"Margin is insufficient."}`))
	}))

	_, err := client.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "XRPUSDT", Side: types.SideBuy, OrderType: types.OrderTypeMarket,
		Quantity: "10", ClientOrderID: "ae-cmd-2",
	})
	apiErr, ok := AsAPIError(err)
	if !ok {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != CodeInsufficientMargin {
		t.Errorf("code = %d, want %d", apiErr.Code, CodeInsufficientMargin)
	}
	if apiErr.HTTPStatus != 400 {
		t.Errorf("status = %d", apiErr.HTTPStatus)
	}
	if apiErr.RateLimited() {
		t.Error("400 should not be rate limited")
	}
}

func TestRateLimitCarriesRetryAfter(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"code":-1003,"msg":"Too many requests."}`))
	}))

	_, err := client.TickerPrices(context.Background())
	apiErr, ok := AsAPIError(err)
	if !ok {
		t.Fatalf("expected APIError, got %v", err)
	}
	if !apiErr.RateLimited() {
		t.Error("429 should report rate limited")
	}
	if apiErr.RetryAfter != 30*time.Second {
		t.Errorf("retry after = %s, want 30s", apiErr.RetryAfter)
	}
}

func TestKlinesParsesPositionalArrays(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("interval") != "5m" {
			t.Errorf("interval = %s", r.URL.Query().Get("interval"))
		}
		w.Write([]byte(`[
			[1700000000000,"0.6100","0.6150","0.6080","0.6120","150000",1700000299999,"91800",420,"75000","45900","0"],
			[1700000300000,"0.6120","0.6200","0.6110","0.6190","180000",1700000599999,"111420",505,"90000","55710","0"]
		]`))
	}))

	klines, err := client.Klines(context.Background(), "XRPUSDT", "5m", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(klines) != 2 {
		t.Fatalf("len = %d", len(klines))
	}
	first := klines[0]
	if !first.OpenTime.Equal(time.UnixMilli(1700000000000).UTC()) {
		t.Errorf("open time = %s", first.OpenTime)
	}
	if first.High.String() != "0.615" {
		t.Errorf("high = %s", first.High)
	}
	if klines[1].Close.String() != "0.619" {
		t.Errorf("close = %s", klines[1].Close)
	}
}

func TestSpotBalancesDropsZeroRows(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"balances":[
			{"asset":"USDT","free":"120.5","locked":"0"},
			{"asset":"BNB","free":"0.00000000","locked":"0.00000000"},
			{"asset":"XRP","free":"0","locked":"55"}
		]}`))
	}))

	balances, err := client.SpotBalances(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(balances) != 2 {
		t.Fatalf("len = %d, want 2 (zero BNB dropped)", len(balances))
	}
	if balances[0].Asset != "USDT" || balances[1].Asset != "XRP" {
		t.Errorf("unexpected assets: %+v", balances)
	}
}

func TestTransfersPaginates(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("type"); got != TransferSpotToFutures {
			t.Errorf("direction = %s", got)
		}
		if got := r.URL.Query().Get("current"); got != "2" {
			t.Errorf("page = %s", got)
		}
		w.Write([]byte(`{"total":12,"rows":[{"asset":"USDT","amount":"500","type":"MAIN_UMFUTURE","status":"CONFIRMED","tranId":7731,"timestamp":1700000000000}]}`))
	}))

	rows, total, err := client.Transfers(context.Background(), TransferSpotToFutures,
		time.UnixMilli(0), time.Now(), 2, 10)
	if err != nil {
		t.Fatal(err)
	}
	if total != 12 || len(rows) != 1 {
		t.Fatalf("total=%d rows=%d", total, len(rows))
	}
	if rows[0].TranID != 7731 {
		t.Errorf("tranId = %d", rows[0].TranID)
	}
}

func TestDustLogFlattensSweeps(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"total":2,"userAssetDribblets":[
			{"operateTime":1700000000000,"transId":1,"userAssetDribbletDetails":[
				{"transId":1,"fromAsset":"XRP","amount":"0.4","transferedAmount":"0.0008","serviceChargeAmount":"0.00002","operateTime":1700000000000}
			]},
			{"operateTime":1700100000000,"transId":2,"userAssetDribbletDetails":[
				{"transId":2,"fromAsset":"TRX","amount":"3","transferedAmount":"0.001","serviceChargeAmount":"0.00002","operateTime":1700100000000},
				{"transId":2,"fromAsset":"DOGE","amount":"1","transferedAmount":"0.0004","serviceChargeAmount":"0.00001","operateTime":1700100000000}
			]}
		]}`))
	}))

	dust, err := client.DustLog(context.Background(), time.UnixMilli(0), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(dust) != 3 {
		t.Fatalf("len = %d, want 3 flattened conversions", len(dust))
	}
	if dust[2].FromAsset != "DOGE" {
		t.Errorf("last asset = %s", dust[2].FromAsset)
	}
}

func TestListenKeyLifecycle(t *testing.T) {
	t.Parallel()

	var methods []string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method)
		w.Write([]byte(`{"listenKey":"lk-abc123"}`))
	}))

	ctx := context.Background()
	key, err := client.CreateListenKey(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if key != "lk-abc123" {
		t.Errorf("listen key = %s", key)
	}
	if err := client.KeepAliveListenKey(ctx); err != nil {
		t.Fatal(err)
	}
	if err := client.CloseListenKey(ctx); err != nil {
		t.Fatal(err)
	}
	want := []string{http.MethodPost, http.MethodPut, http.MethodDelete}
	for i, m := range want {
		if methods[i] != m {
			t.Errorf("call %d method = %s, want %s", i, methods[i], m)
		}
	}
}

func TestSyncServerTimeSetsOffset(t *testing.T) {
	t.Parallel()

	future := time.Now().Add(2 * time.Minute).UnixMilli()
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"serverTime":` + strconv.FormatInt(future, 10) + `}`))
	}))

	if err := client.SyncServerTime(context.Background()); err != nil {
		t.Fatal(err)
	}
	ts := client.auth.Timestamp()
	drift := ts - time.Now().UnixMilli()
	if drift < 115_000 || drift > 125_000 {
		t.Errorf("drift = %dms, want ~120000ms", drift)
	}
}

func TestUnknownOrderCodeSurfaces(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-2011,"msg":"Unknown order sent."}`))
	}))

	_, err := client.CancelOrder(context.Background(), "XRPUSDT", 12345, "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != CodeUnknownOrder {
		t.Errorf("code = %d, want %d", apiErr.Code, CodeUnknownOrder)
	}
}
