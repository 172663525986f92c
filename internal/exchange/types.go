// types.go maps the Binance REST payloads the adapter consumes. Amount
// fields stay strings end to end; decimal conversion happens in the layers
// that do arithmetic.
package exchange

import "alpha-engine/pkg/types"

// OrderRequest is the adapter-level order submission.
type OrderRequest struct {
	Symbol        string
	Side          types.Side
	OrderType     types.OrderType
	Quantity      string
	Price         string // limit orders
	StopPrice     string // stop orders
	TimeInForce   types.TimeInForce
	ReduceOnly    bool
	PositionSide  types.PositionSide
	ClientOrderID string // "ae-<command_id>"; exchange enforces idempotency on it
}

// OrderResult is the response to order placement and cancellation.
type OrderResult struct {
	OrderID       int64  `json:"orderId"`
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
	ClientOrderID string `json:"clientOrderId"`
	Price         string `json:"price"`
	AvgPrice      string `json:"avgPrice"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	TimeInForce   string `json:"timeInForce"`
	Type          string `json:"type"`
	ReduceOnly    bool   `json:"reduceOnly"`
	Side          string `json:"side"`
	PositionSide  string `json:"positionSide"`
	UpdateTime    int64  `json:"updateTime"`
}

// Position is one row of GET /fapi/v2/positionRisk.
type Position struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"` // signed, negative = short
	EntryPrice       string `json:"entryPrice"`
	UnrealizedProfit string `json:"unRealizedProfit"`
	Leverage         string `json:"leverage"`
	MarginType       string `json:"marginType"`
	PositionSide     string `json:"positionSide"`
	UpdateTime       int64  `json:"updateTime"`
}

// FuturesBalance is one row of GET /fapi/v2/balance.
type FuturesBalance struct {
	Asset              string `json:"asset"`
	Balance            string `json:"balance"`
	CrossWalletBalance string `json:"crossWalletBalance"`
	AvailableBalance   string `json:"availableBalance"`
	UpdateTime         int64  `json:"updateTime"`
}

// SpotBalance is one entry of GET /api/v3/account's balances array.
type SpotBalance struct {
	Asset  string `json:"asset"`
	Free   string `json:"free"`
	Locked string `json:"locked"`
}

type spotAccountResponse struct {
	Balances []SpotBalance `json:"balances"`
}

// TickerPrice is one row of GET /fapi/v1/ticker/price.
type TickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// IncomeRecord is one row of GET /fapi/v1/income. IncomeType is one of
// FUNDING_FEE, COMMISSION_REBATE, REALIZED_PNL, COMMISSION, ...
type IncomeRecord struct {
	Symbol     string `json:"symbol"`
	IncomeType string `json:"incomeType"`
	Income     string `json:"income"`
	Asset      string `json:"asset"`
	Time       int64  `json:"time"`
	TranID     int64  `json:"tranId"`
	TradeID    string `json:"tradeId"`
}

// Transfer directions for the universal transfer endpoint.
const (
	TransferSpotToFutures = "MAIN_UMFUTURE"
	TransferFuturesToSpot = "UMFUTURE_MAIN"
)

// TransferRecord is one row of GET /sapi/v1/asset/transfer.
type TransferRecord struct {
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	Type      string `json:"type"` // direction constant
	Status    string `json:"status"`
	TranID    int64  `json:"tranId"`
	Timestamp int64  `json:"timestamp"`
}

type transferPage struct {
	Total int              `json:"total"`
	Rows  []TransferRecord `json:"rows"`
}

// ConvertRecord is one row of GET /sapi/v1/convert/tradeFlow.
type ConvertRecord struct {
	QuoteID     string `json:"quoteId"`
	OrderID     int64  `json:"orderId"`
	OrderStatus string `json:"orderStatus"`
	FromAsset   string `json:"fromAsset"`
	FromAmount  string `json:"fromAmount"`
	ToAsset     string `json:"toAsset"`
	ToAmount    string `json:"toAmount"`
	CreateTime  int64  `json:"createTime"`
}

type convertPage struct {
	List []ConvertRecord `json:"list"`
}

// Deposit statuses (GET /sapi/v1/capital/deposit/hisrec).
const (
	DepositStatusPending   = 0
	DepositStatusConfirmed = 1
)

// DepositRecord is one row of the deposit history.
type DepositRecord struct {
	ID         string `json:"id"`
	Amount     string `json:"amount"`
	Coin       string `json:"coin"`
	Network    string `json:"network"`
	Status     int    `json:"status"`
	Address    string `json:"address"`
	TxID       string `json:"txId"`
	InsertTime int64  `json:"insertTime"`
}

// WithdrawStatusCompleted is the terminal success status of a withdrawal.
const WithdrawStatusCompleted = 6

// WithdrawRecord is one row of GET /sapi/v1/capital/withdraw/history.
type WithdrawRecord struct {
	ID             string `json:"id"`
	Amount         string `json:"amount"`
	TransactionFee string `json:"transactionFee"`
	Coin           string `json:"coin"`
	Status         int    `json:"status"`
	Address        string `json:"address"`
	TxID           string `json:"txId"`
	ApplyTime      string `json:"applyTime"` // "2024-01-15 03:04:05" UTC
	Network        string `json:"network"`
}

// DustConversion is one asset's piece of a dust-to-BNB sweep.
type DustConversion struct {
	TranID           int64  `json:"transId"`
	FromAsset        string `json:"fromAsset"`
	Amount           string `json:"amount"`
	TransferedAmount string `json:"transferedAmount"`
	ServiceCharge    string `json:"serviceChargeAmount"`
	OperateTime      int64  `json:"operateTime"`
}

type dustSweep struct {
	OperateTime int64            `json:"operateTime"`
	TranID      int64            `json:"transId"`
	Details     []DustConversion `json:"userAssetDribbletDetails"`
}

type dustPage struct {
	Total  int         `json:"total"`
	Sweeps []dustSweep `json:"userAssetDribblets"`
}

// SnapshotBalance is one asset line inside a daily account snapshot.
type SnapshotBalance struct {
	Asset  string `json:"asset"`
	Free   string `json:"free"`
	Locked string `json:"locked"`
}

// SnapshotAsset is the futures flavor of a snapshot asset line.
type SnapshotAsset struct {
	Asset         string `json:"asset"`
	WalletBalance string `json:"walletBalance"`
	MarginBalance string `json:"marginBalance"`
}

// Snapshot is one day's account snapshot.
type Snapshot struct {
	Type       string `json:"type"`
	UpdateTime int64  `json:"updateTime"`
	Data       struct {
		Balances []SnapshotBalance `json:"balances"` // SPOT
		Assets   []SnapshotAsset   `json:"assets"`   // FUTURES
	} `json:"data"`
}

type snapshotResponse struct {
	Code        int        `json:"code"`
	Msg         string     `json:"msg"`
	SnapshotVos []Snapshot `json:"snapshotVos"`
}

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

type serverTimeResponse struct {
	ServerTime int64 `json:"serverTime"`
}

type tranIDResponse struct {
	TranID int64 `json:"tranId"`
}

type withdrawApplyResponse struct {
	ID string `json:"id"`
}

type apiErrorBody struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}
