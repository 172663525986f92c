// Package exchange implements the Binance REST adapter for USDⓈ-M futures
// plus the spot endpoints the ingestion plane needs.
//
// The futures client (fapi) covers order management, positions, balances,
// klines, tickers, income, leverage, and the user-data listen key. The spot
// client (api/sapi) covers transfers, conversions, deposits, withdrawals,
// the dust log, and daily account snapshots.
//
// Every request is weight-limited before it goes out, retried on 5xx, and
// signed with HMAC-SHA256 where Binance requires it. 429/418 responses are
// surfaced as APIError with RetryAfter so callers can back off.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"alpha-engine/internal/config"
	"alpha-engine/pkg/types"
)

// Client is the Binance REST adapter.
type Client struct {
	futures *resty.Client // fapi.binance.com
	spot    *resty.Client // api.binance.com
	auth    *Auth
	rl      *WeightLimiter
	logger  *slog.Logger
}

// NewClient creates the adapter from config. It does not touch the network;
// call SyncServerTime before issuing signed requests.
func NewClient(cfg config.ExchangeConfig, logger *slog.Logger) (*Client, error) {
	auth, err := NewAuth(cfg.APIKey, cfg.APISecret, cfg.RecvWindowMS)
	if err != nil {
		return nil, err
	}

	newHTTP := func(baseURL string) *resty.Client {
		return resty.New().
			SetBaseURL(baseURL).
			SetTimeout(10 * time.Second).
			SetRetryCount(3).
			SetRetryWaitTime(500 * time.Millisecond).
			SetRetryMaxWaitTime(5 * time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				if err != nil {
					return true
				}
				return r.StatusCode() >= 500
			}).
			SetHeader("X-MBX-APIKEY", cfg.APIKey)
	}

	return &Client{
		futures: newHTTP(cfg.RESTBaseURL),
		spot:    newHTTP(cfg.SpotBaseURL),
		auth:    auth,
		rl:      NewWeightLimiter(cfg.WeightPerMin),
		logger:  logger.With("component", "exchange"),
	}, nil
}

// UsedWeight reports the last observed per-minute weight consumption.
func (c *Client) UsedWeight() int64 { return c.rl.UsedWeight() }

// check maps a response into an error, records the used-weight header, and
// normalizes Binance error bodies into APIError.
func (c *Client) check(resp *resty.Response, err error, op string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	c.rl.Observe(resp.Header().Get(usedWeightHeader))
	if resp.IsSuccess() {
		return nil
	}

	apiErr := &APIError{
		HTTPStatus: resp.StatusCode(),
		RetryAfter: retryAfter(resp.Header().Get("Retry-After")),
	}
	var body apiErrorBody
	if jsonErr := json.Unmarshal(resp.Body(), &body); jsonErr == nil {
		apiErr.Code = body.Code
		apiErr.Message = body.Msg
	} else {
		apiErr.Message = resp.String()
	}
	return fmt.Errorf("%s: %w", op, apiErr)
}

// ————————————————————————————————————————————————————————————————————————
// Time
// ————————————————————————————————————————————————————————————————————————

// SyncServerTime measures the server clock and stores the offset used for
// signed timestamps.
func (c *Client) SyncServerTime(ctx context.Context) error {
	if err := c.rl.Wait(ctx, 1); err != nil {
		return err
	}
	var result serverTimeResponse
	resp, err := c.futures.R().SetContext(ctx).SetResult(&result).Get("/fapi/v1/time")
	if err := c.check(resp, err, "server time"); err != nil {
		return err
	}
	offset := time.UnixMilli(result.ServerTime).Sub(time.Now())
	c.auth.SetServerTimeOffset(offset)
	c.logger.Debug("server time synced", "offset", offset)
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// PlaceOrder submits a new futures order. Idempotency rides on the client
// order id: resubmitting the same id returns the original order rather
// than creating a second one.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if err := c.rl.Wait(ctx, 1); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(req.OrderType))
	params.Set("quantity", req.Quantity)
	params.Set("newClientOrderId", req.ClientOrderID)
	if req.Price != "" {
		params.Set("price", req.Price)
	}
	if req.StopPrice != "" {
		params.Set("stopPrice", req.StopPrice)
	}
	if req.TimeInForce != "" {
		params.Set("timeInForce", string(req.TimeInForce))
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	if req.PositionSide != "" {
		params.Set("positionSide", string(req.PositionSide))
	}

	var result OrderResult
	resp, err := c.futures.R().SetContext(ctx).
		SetQueryString(c.auth.Sign(params)).
		SetResult(&result).
		Post("/fapi/v1/order")
	if err := c.check(resp, err, "place order"); err != nil {
		return nil, err
	}
	return &result, nil
}

// CancelOrder cancels by exchange order id or client order id.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64, clientOrderID string) (*OrderResult, error) {
	if err := c.rl.Wait(ctx, 1); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	if orderID > 0 {
		params.Set("orderId", strconv.FormatInt(orderID, 10))
	} else if clientOrderID != "" {
		params.Set("origClientOrderId", clientOrderID)
	}

	var result OrderResult
	resp, err := c.futures.R().SetContext(ctx).
		SetQueryString(c.auth.Sign(params)).
		SetResult(&result).
		Delete("/fapi/v1/order")
	if err := c.check(resp, err, "cancel order"); err != nil {
		return nil, err
	}
	return &result, nil
}

// CancelAllOrders cancels every open order on a symbol.
func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	if err := c.rl.Wait(ctx, 1); err != nil {
		return err
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	resp, err := c.futures.R().SetContext(ctx).
		SetQueryString(c.auth.Sign(params)).
		Delete("/fapi/v1/allOpenOrders")
	return c.check(resp, err, "cancel all orders")
}

// OpenOrders lists the live orders for a symbol.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]OrderResult, error) {
	if err := c.rl.Wait(ctx, 3); err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	var result []OrderResult
	resp, err := c.futures.R().SetContext(ctx).
		SetQueryString(c.auth.Sign(params)).
		SetResult(&result).
		Get("/fapi/v1/openOrders")
	if err := c.check(resp, err, "open orders"); err != nil {
		return nil, err
	}
	return result, nil
}

// SetLeverage changes the symbol's leverage.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if err := c.rl.Wait(ctx, 1); err != nil {
		return err
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	resp, err := c.futures.R().SetContext(ctx).
		SetQueryString(c.auth.Sign(params)).
		Post("/fapi/v1/leverage")
	return c.check(resp, err, "set leverage")
}

// ————————————————————————————————————————————————————————————————————————
// Account state
// ————————————————————————————————————————————————————————————————————————

// PositionRisk returns the current positions; pass "" for all symbols.
func (c *Client) PositionRisk(ctx context.Context, symbol string) ([]Position, error) {
	if err := c.rl.Wait(ctx, 5); err != nil {
		return nil, err
	}
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	var result []Position
	resp, err := c.futures.R().SetContext(ctx).
		SetQueryString(c.auth.Sign(params)).
		SetResult(&result).
		Get("/fapi/v2/positionRisk")
	if err := c.check(resp, err, "position risk"); err != nil {
		return nil, err
	}
	return result, nil
}

// FuturesBalances returns the futures wallet balances.
func (c *Client) FuturesBalances(ctx context.Context) ([]FuturesBalance, error) {
	if err := c.rl.Wait(ctx, 5); err != nil {
		return nil, err
	}
	var result []FuturesBalance
	resp, err := c.futures.R().SetContext(ctx).
		SetQueryString(c.auth.Sign(nil)).
		SetResult(&result).
		Get("/fapi/v2/balance")
	if err := c.check(resp, err, "futures balances"); err != nil {
		return nil, err
	}
	return result, nil
}

// SpotBalances returns the spot wallet balances with a non-zero total.
func (c *Client) SpotBalances(ctx context.Context) ([]SpotBalance, error) {
	if err := c.rl.Wait(ctx, 20); err != nil {
		return nil, err
	}
	var result spotAccountResponse
	resp, err := c.spot.R().SetContext(ctx).
		SetQueryString(c.auth.Sign(nil)).
		SetResult(&result).
		Get("/api/v3/account")
	if err := c.check(resp, err, "spot balances"); err != nil {
		return nil, err
	}

	out := make([]SpotBalance, 0, len(result.Balances))
	for _, b := range result.Balances {
		free, _ := decimal.NewFromString(b.Free)
		locked, _ := decimal.NewFromString(b.Locked)
		if free.Add(locked).IsZero() {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// AccountSnapshot fetches daily snapshots for "SPOT" or "FUTURES".
func (c *Client) AccountSnapshot(ctx context.Context, venueType string, limit int) ([]Snapshot, error) {
	if err := c.rl.Wait(ctx, 240); err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("type", venueType)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var result snapshotResponse
	resp, err := c.spot.R().SetContext(ctx).
		SetQueryString(c.auth.Sign(params)).
		SetResult(&result).
		Get("/sapi/v1/accountSnapshot")
	if err := c.check(resp, err, "account snapshot"); err != nil {
		return nil, err
	}
	if result.Code != 200 && result.Code != 0 {
		return nil, &APIError{Code: result.Code, Message: result.Msg}
	}
	return result.SnapshotVos, nil
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Klines fetches OHLCV bars for a symbol and interval.
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]types.Kline, error) {
	if err := c.rl.Wait(ctx, 5); err != nil {
		return nil, err
	}
	var raw [][]any
	resp, err := c.futures.R().SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":   symbol,
			"interval": interval,
			"limit":    strconv.Itoa(limit),
		}).
		SetResult(&raw).
		Get("/fapi/v1/klines")
	if err := c.check(resp, err, "klines"); err != nil {
		return nil, err
	}
	return parseKlines(raw)
}

// parseKlines decodes Binance's positional kline arrays:
// [openTime, open, high, low, close, volume, closeTime, ...].
func parseKlines(raw [][]any) ([]types.Kline, error) {
	out := make([]types.Kline, 0, len(raw))
	for _, row := range raw {
		if len(row) < 7 {
			return nil, fmt.Errorf("klines: short row (%d fields)", len(row))
		}
		openTime, ok1 := row[0].(float64)
		closeTime, ok2 := row[6].(float64)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("klines: unexpected time fields")
		}
		k := types.Kline{
			OpenTime:  time.UnixMilli(int64(openTime)).UTC(),
			CloseTime: time.UnixMilli(int64(closeTime)).UTC(),
		}
		var err error
		fields := []*decimal.Decimal{&k.Open, &k.High, &k.Low, &k.Close, &k.Volume}
		for i, dst := range fields {
			s, ok := row[i+1].(string)
			if !ok {
				return nil, fmt.Errorf("klines: field %d is not a string", i+1)
			}
			if *dst, err = decimal.NewFromString(s); err != nil {
				return nil, fmt.Errorf("klines: parse field %d: %w", i+1, err)
			}
		}
		out = append(out, k)
	}
	return out, nil
}

// TickerPrices returns current mark prices for every symbol.
func (c *Client) TickerPrices(ctx context.Context) ([]TickerPrice, error) {
	if err := c.rl.Wait(ctx, 2); err != nil {
		return nil, err
	}
	var result []TickerPrice
	resp, err := c.futures.R().SetContext(ctx).
		SetResult(&result).
		Get("/fapi/v1/ticker/price")
	if err := c.check(resp, err, "ticker prices"); err != nil {
		return nil, err
	}
	return result, nil
}

// ————————————————————————————————————————————————————————————————————————
// History endpoints (pollers + backfill)
// ————————————————————————————————————————————————————————————————————————

// Income returns futures income records (funding, rebates, realized pnl)
// in [since, until).
func (c *Client) Income(ctx context.Context, since, until time.Time, limit int) ([]IncomeRecord, error) {
	if err := c.rl.Wait(ctx, 30); err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
	params.Set("endTime", strconv.FormatInt(until.UnixMilli(), 10))
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var result []IncomeRecord
	resp, err := c.futures.R().SetContext(ctx).
		SetQueryString(c.auth.Sign(params)).
		SetResult(&result).
		Get("/fapi/v1/income")
	if err := c.check(resp, err, "income"); err != nil {
		return nil, err
	}
	return result, nil
}

// Transfers paginates universal transfer history for one direction.
func (c *Client) Transfers(ctx context.Context, direction string, since, until time.Time, page, pageSize int) ([]TransferRecord, int, error) {
	if err := c.rl.Wait(ctx, 1); err != nil {
		return nil, 0, err
	}
	params := url.Values{}
	params.Set("type", direction)
	params.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
	params.Set("endTime", strconv.FormatInt(until.UnixMilli(), 10))
	params.Set("current", strconv.Itoa(page))
	params.Set("size", strconv.Itoa(pageSize))
	var result transferPage
	resp, err := c.spot.R().SetContext(ctx).
		SetQueryString(c.auth.Sign(params)).
		SetResult(&result).
		Get("/sapi/v1/asset/transfer")
	if err := c.check(resp, err, "transfers"); err != nil {
		return nil, 0, err
	}
	return result.Rows, result.Total, nil
}

// Converts returns the convert trade flow in [since, until).
func (c *Client) Converts(ctx context.Context, since, until time.Time) ([]ConvertRecord, error) {
	if err := c.rl.Wait(ctx, 100); err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
	params.Set("endTime", strconv.FormatInt(until.UnixMilli(), 10))
	var result convertPage
	resp, err := c.spot.R().SetContext(ctx).
		SetQueryString(c.auth.Sign(params)).
		SetResult(&result).
		Get("/sapi/v1/convert/tradeFlow")
	if err := c.check(resp, err, "converts"); err != nil {
		return nil, err
	}
	return result.List, nil
}

// Deposits returns external deposit history in [since, until).
func (c *Client) Deposits(ctx context.Context, since, until time.Time) ([]DepositRecord, error) {
	if err := c.rl.Wait(ctx, 1); err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
	params.Set("endTime", strconv.FormatInt(until.UnixMilli(), 10))
	var result []DepositRecord
	resp, err := c.spot.R().SetContext(ctx).
		SetQueryString(c.auth.Sign(params)).
		SetResult(&result).
		Get("/sapi/v1/capital/deposit/hisrec")
	if err := c.check(resp, err, "deposits"); err != nil {
		return nil, err
	}
	return result, nil
}

// Withdrawals returns withdrawal history in [since, until).
func (c *Client) Withdrawals(ctx context.Context, since, until time.Time) ([]WithdrawRecord, error) {
	if err := c.rl.Wait(ctx, 1); err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
	params.Set("endTime", strconv.FormatInt(until.UnixMilli(), 10))
	var result []WithdrawRecord
	resp, err := c.spot.R().SetContext(ctx).
		SetQueryString(c.auth.Sign(params)).
		SetResult(&result).
		Get("/sapi/v1/capital/withdraw/history")
	if err := c.check(resp, err, "withdrawals"); err != nil {
		return nil, err
	}
	return result, nil
}

// DustLog returns small-balance conversions to BNB in [since, until),
// flattened to one record per converted asset.
func (c *Client) DustLog(ctx context.Context, since, until time.Time) ([]DustConversion, error) {
	if err := c.rl.Wait(ctx, 1); err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
	params.Set("endTime", strconv.FormatInt(until.UnixMilli(), 10))
	var result dustPage
	resp, err := c.spot.R().SetContext(ctx).
		SetQueryString(c.auth.Sign(params)).
		SetResult(&result).
		Get("/sapi/v1/asset/dribblet")
	if err := c.check(resp, err, "dust log"); err != nil {
		return nil, err
	}

	var out []DustConversion
	for _, sweep := range result.Sweeps {
		out = append(out, sweep.Details...)
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Fund movement
// ————————————————————————————————————————————————————————————————————————

// InternalTransfer moves an asset between SPOT and FUTURES wallets and
// returns the exchange transaction id.
func (c *Client) InternalTransfer(ctx context.Context, asset, amount, direction string) (int64, error) {
	if err := c.rl.Wait(ctx, 1); err != nil {
		return 0, err
	}
	params := url.Values{}
	params.Set("type", direction)
	params.Set("asset", asset)
	params.Set("amount", amount)
	var result tranIDResponse
	resp, err := c.spot.R().SetContext(ctx).
		SetQueryString(c.auth.Sign(params)).
		SetResult(&result).
		Post("/sapi/v1/asset/transfer")
	if err := c.check(resp, err, "internal transfer"); err != nil {
		return 0, err
	}
	return result.TranID, nil
}

// Withdraw submits an external withdrawal and returns the withdrawal id.
func (c *Client) Withdraw(ctx context.Context, asset, amount, address, network string) (string, error) {
	if err := c.rl.Wait(ctx, 1); err != nil {
		return "", err
	}
	params := url.Values{}
	params.Set("coin", asset)
	params.Set("amount", amount)
	params.Set("address", address)
	if network != "" {
		params.Set("network", network)
	}
	var result withdrawApplyResponse
	resp, err := c.spot.R().SetContext(ctx).
		SetQueryString(c.auth.Sign(params)).
		SetResult(&result).
		Post("/sapi/v1/capital/withdraw/apply")
	if err := c.check(resp, err, "withdraw"); err != nil {
		return "", err
	}
	return result.ID, nil
}

// ————————————————————————————————————————————————————————————————————————
// User-data stream listen key
// ————————————————————————————————————————————————————————————————————————

// CreateListenKey opens a user-data stream and returns its key.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	if err := c.rl.Wait(ctx, 1); err != nil {
		return "", err
	}
	var result listenKeyResponse
	resp, err := c.futures.R().SetContext(ctx).
		SetResult(&result).
		Post("/fapi/v1/listenKey")
	if err := c.check(resp, err, "create listen key"); err != nil {
		return "", err
	}
	return result.ListenKey, nil
}

// KeepAliveListenKey extends the stream's validity (~60 min window).
func (c *Client) KeepAliveListenKey(ctx context.Context) error {
	if err := c.rl.Wait(ctx, 1); err != nil {
		return err
	}
	resp, err := c.futures.R().SetContext(ctx).Put("/fapi/v1/listenKey")
	return c.check(resp, err, "keepalive listen key")
}

// CloseListenKey closes the user-data stream.
func (c *Client) CloseListenKey(ctx context.Context) error {
	if err := c.rl.Wait(ctx, 1); err != nil {
		return err
	}
	resp, err := c.futures.R().SetContext(ctx).Delete("/fapi/v1/listenKey")
	return c.check(resp, err, "close listen key")
}
