// payloads.go defines the typed payload bodies carried inside Event.Payload
// and Command.Payload. Amounts are strings to keep decimal precision across
// the JSON boundary; the canonical serialization has no locale and no
// scientific notation (shopspring/decimal's String form).
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Command payloads
// ————————————————————————————————————————————————————————————————————————

// PlaceOrderPayload is the body of a PlaceOrder command.
type PlaceOrderPayload struct {
	Symbol       string       `json:"symbol"`
	Side         Side         `json:"side"`
	OrderType    OrderType    `json:"order_type"`
	Quantity     string       `json:"quantity"`
	Price        string       `json:"price,omitempty"`      // limit orders only
	StopPrice    string       `json:"stop_price,omitempty"` // stop orders only
	TimeInForce  TimeInForce  `json:"time_in_force,omitempty"`
	ReduceOnly   bool         `json:"reduce_only,omitempty"`
	PositionSide PositionSide `json:"position_side,omitempty"`
}

// CancelOrderPayload cancels by exchange order id or client order id.
type CancelOrderPayload struct {
	Symbol          string `json:"symbol"`
	ExchangeOrderID int64  `json:"exchange_order_id,omitempty"`
	ClientOrderID   string `json:"client_order_id,omitempty"`
}

// ClosePositionPayload flattens the position on a symbol at market.
type ClosePositionPayload struct {
	Symbol string `json:"symbol"`
}

// CancelAllPayload cancels every open order on a symbol.
type CancelAllPayload struct {
	Symbol string `json:"symbol"`
}

// SetLeveragePayload changes the symbol's leverage.
type SetLeveragePayload struct {
	Symbol   string `json:"symbol"`
	Leverage int    `json:"leverage"`
}

// SetEngineModePayload switches the engine trading mode.
type SetEngineModePayload struct {
	Mode EngineMode `json:"mode"`
}

// UpdateConfigPayload writes one config-store key, optionally CAS-guarded.
type UpdateConfigPayload struct {
	Key             string `json:"key"`
	Value           any    `json:"value"`
	ExpectedVersion int    `json:"expected_version,omitempty"`
}

// InternalTransferPayload moves funds between SPOT and FUTURES wallets.
type InternalTransferPayload struct {
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	FromVenue Venue  `json:"from_venue"`
	ToVenue   Venue  `json:"to_venue"`
}

// WithdrawPayload sends funds to an external address.
type WithdrawPayload struct {
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
	Address string `json:"address"`
	Network string `json:"network,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Event payloads
// ————————————————————————————————————————————————————————————————————————

// OrderPayloadEvent is the body of OrderPlaced / OrderUpdated /
// OrderCancelled / OrderRejected events.
type OrderPayloadEvent struct {
	Symbol          string       `json:"symbol"`
	ExchangeOrderID int64        `json:"exchange_order_id,omitempty"`
	ClientOrderID   string       `json:"client_order_id,omitempty"`
	Side            Side         `json:"side,omitempty"`
	OrderType       OrderType    `json:"order_type,omitempty"`
	Quantity        string       `json:"quantity,omitempty"`
	Price           string       `json:"price,omitempty"`
	Status          string       `json:"status,omitempty"`
	ReduceOnly      bool         `json:"reduce_only,omitempty"`
	PositionSide    PositionSide `json:"position_side,omitempty"`
	UpdateTime      int64        `json:"update_time,omitempty"`
	Reason          string       `json:"reason,omitempty"` // rejections only
}

// TradePayloadEvent is the body of a TradeExecuted event.
type TradePayloadEvent struct {
	Symbol          string `json:"symbol"`
	ExchangeTradeID int64  `json:"exchange_trade_id"`
	ExchangeOrderID int64  `json:"exchange_order_id"`
	ClientOrderID   string `json:"client_order_id,omitempty"`
	Side            Side   `json:"side"`
	Quantity        string `json:"quantity"`
	Price           string `json:"price"`
	Commission      string `json:"commission,omitempty"`
	CommissionAsset string `json:"commission_asset,omitempty"`
	RealizedPnL     string `json:"realized_pnl,omitempty"`
	IsMaker         bool   `json:"is_maker,omitempty"`
	TradeTime       int64  `json:"trade_time"`
}

// PositionPayloadEvent is the body of a PositionChanged event: a snapshot
// of the position after the change.
type PositionPayloadEvent struct {
	Symbol          string       `json:"symbol"`
	PositionAmt     string       `json:"position_amt"` // signed, negative = short
	EntryPrice      string       `json:"entry_price"`
	UnrealizedPnL   string       `json:"unrealized_pnl,omitempty"`
	PositionSide    PositionSide `json:"position_side,omitempty"`
	MarginType      string       `json:"margin_type,omitempty"`
	TransactionTime int64        `json:"transaction_time"`
}

// BalancePayloadEvent is the body of a BalanceChanged event.
type BalancePayloadEvent struct {
	Asset           string `json:"asset"`
	WalletBalance   string `json:"wallet_balance"`
	BalanceChange   string `json:"balance_change,omitempty"`
	CrossWallet     string `json:"cross_wallet,omitempty"`
	Reason          string `json:"reason,omitempty"` // DEPOSIT, FUNDING_FEE, ...
	TransactionTime int64  `json:"transaction_time"`
}

// IncomePayloadEvent is the body of FundingApplied and
// CommissionRebateReceived events.
type IncomePayloadEvent struct {
	Symbol     string `json:"symbol,omitempty"`
	IncomeType string `json:"income_type"`
	Income     string `json:"income"`
	Asset      string `json:"asset"`
	TranID     int64  `json:"tran_id"`
	IncomeTime int64  `json:"income_time"`
}

// TransferPayloadEvent is the body of an InternalTransferCompleted event.
type TransferPayloadEvent struct {
	TranID    int64  `json:"tran_id"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	FromVenue Venue  `json:"from_venue"`
	ToVenue   Venue  `json:"to_venue"`
	Timestamp int64  `json:"timestamp"`
}

// ConvertPayloadEvent is the body of a ConvertExecuted event.
type ConvertPayloadEvent struct {
	QuoteID    string `json:"quote_id"`
	OrderID    int64  `json:"order_id"`
	FromAsset  string `json:"from_asset"`
	FromAmt    string `json:"from_amount"`
	ToAsset    string `json:"to_asset"`
	ToAmt      string `json:"to_amount"`
	CreateTime int64  `json:"create_time"`
}

// MovementPayloadEvent is the body of DepositCompleted / WithdrawCompleted.
type MovementPayloadEvent struct {
	ID        string `json:"id"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	Network   string `json:"network,omitempty"`
	Address   string `json:"address,omitempty"`
	TxID      string `json:"tx_id,omitempty"`
	Status    int    `json:"status"`
	ApplyTime int64  `json:"apply_time"`
}

// DustPayloadEvent is the body of a DustConverted event.
type DustPayloadEvent struct {
	TranID          int64  `json:"tran_id"`
	FromAsset       string `json:"from_asset"`
	Amount          string `json:"amount"`
	TransferedTotal string `json:"transfered_total"` // BNB received
	ServiceCharge   string `json:"service_charge"`
	OperateTime     int64  `json:"operate_time"`
}

// CapitalPayloadEvent is the body of an InitialCapitalEstablished event.
type CapitalPayloadEvent struct {
	SnapshotDate string `json:"snapshot_date"` // YYYY-MM-DD
	SpotUSDT     string `json:"spot_usdt"`
	FuturesUSDT  string `json:"futures_usdt"`
	TotalUSDT    string `json:"total_usdt"`
}

// AdjustmentPayloadEvent is the body of an OpeningBalanceAdjusted event.
type AdjustmentPayloadEvent struct {
	Venue    Venue  `json:"venue"`
	Asset    string `json:"asset"`
	Ledger   string `json:"ledger_balance"`
	Exchange string `json:"exchange_balance"`
	Diff     string `json:"diff"` // exchange − ledger, signed
}

// RiskRejectionPayload is the body of a RiskGuardRejected event.
type RiskRejectionPayload struct {
	Rule        string      `json:"rule"`
	Reason      string      `json:"reason"`
	CommandType CommandType `json:"command_type"`
}

// WsLifecyclePayload is the body of WsConnected/Disconnected/Reconnected.
type WsLifecyclePayload struct {
	State   string `json:"state"`
	Attempt int    `json:"attempt,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Strategy-facing values
// ————————————————————————————————————————————————————————————————————————

// TradeEvent is the typed fill notification handed to strategy callbacks.
type TradeEvent struct {
	Symbol        string
	TradeID       int64
	OrderID       int64
	ClientOrderID string
	Side          Side
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	RealizedPnL   decimal.Decimal
	Commission    decimal.Decimal
	IsMaker       bool
	Time          time.Time
}

// OrderEvent is the typed order-status notification handed to strategy
// callbacks.
type OrderEvent struct {
	Symbol        string
	OrderID       int64
	ClientOrderID string
	Side          Side
	OrderType     OrderType
	Status        string // NEW, PARTIALLY_FILLED, FILLED, CANCELED, ...
	Quantity      decimal.Decimal
	FilledQty     decimal.Decimal
	Price         decimal.Decimal
	ReduceOnly    bool
	Time          time.Time
}

// Kline is one OHLCV bar.
type Kline struct {
	OpenTime  time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	CloseTime time.Time
}
