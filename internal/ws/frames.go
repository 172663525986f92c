// frames.go maps the Binance USDⓈ-M user-data stream payloads. Field names
// follow the wire's single-letter convention; everything money-shaped stays
// a string until a consumer does arithmetic.
package ws

// Frame event names on the user-data stream.
const (
	frameAccountUpdate    = "ACCOUNT_UPDATE"
	frameOrderTradeUpdate = "ORDER_TRADE_UPDATE"
	frameMarginCall       = "MARGIN_CALL"
	frameListenKeyExpired = "listenKeyExpired"
)

// envelope is the minimal peek used to route a frame.
type envelope struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
}

// accountUpdateFrame is an ACCOUNT_UPDATE: balance and position deltas.
type accountUpdateFrame struct {
	EventType       string `json:"e"`
	EventTime       int64  `json:"E"`
	TransactionTime int64  `json:"T"`
	Data            struct {
		Reason    string           `json:"m"` // ORDER, FUNDING_FEE, DEPOSIT, ...
		Balances  []balanceUpdate  `json:"B"`
		Positions []positionUpdate `json:"P"`
	} `json:"a"`
}

type balanceUpdate struct {
	Asset         string `json:"a"`
	WalletBalance string `json:"wb"`
	CrossWallet   string `json:"cw"`
	BalanceChange string `json:"bc"`
}

type positionUpdate struct {
	Symbol        string `json:"s"`
	PositionAmt   string `json:"pa"`
	EntryPrice    string `json:"ep"`
	UnrealizedPnL string `json:"up"`
	MarginType    string `json:"mt"`
	PositionSide  string `json:"ps"`
}

// orderTradeUpdateFrame is an ORDER_TRADE_UPDATE: one order transition,
// optionally carrying a fill.
type orderTradeUpdateFrame struct {
	EventType       string `json:"e"`
	EventTime       int64  `json:"E"`
	TransactionTime int64  `json:"T"`
	Order           struct {
		Symbol          string `json:"s"`
		ClientOrderID   string `json:"c"`
		Side            string `json:"S"`
		OrderType       string `json:"o"`
		TimeInForce     string `json:"f"`
		Quantity        string `json:"q"`
		Price           string `json:"p"`
		AvgPrice        string `json:"ap"`
		ExecutionType   string `json:"x"` // NEW, TRADE, CANCELED, EXPIRED, ...
		OrderStatus     string `json:"X"` // NEW, PARTIALLY_FILLED, FILLED, ...
		OrderID         int64  `json:"i"`
		LastFilledQty   string `json:"l"`
		FilledQty       string `json:"z"`
		LastFilledPrice string `json:"L"`
		Commission      string `json:"n"`
		CommissionAsset string `json:"N"`
		TradeTime       int64  `json:"T"`
		TradeID         int64  `json:"t"`
		RealizedPnL     string `json:"rp"`
		ReduceOnly      bool   `json:"R"`
		PositionSide    string `json:"ps"`
		IsMaker         bool   `json:"m"`
	} `json:"o"`
}

// marginCallFrame warns that positions are close to liquidation.
type marginCallFrame struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Positions []struct {
		Symbol        string `json:"s"`
		PositionSide  string `json:"ps"`
		PositionAmt   string `json:"pa"`
		MarkPrice     string `json:"mp"`
		UnrealizedPnL string `json:"up"`
	} `json:"p"`
}
