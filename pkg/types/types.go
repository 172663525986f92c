// Package types defines the domain model shared by every subsystem:
// events, commands, scopes, actors, and the enumerations that tag them.
//
// Everything in the durable log is one of two records:
//
//   - Event:   an immutable fact, deduplicated by a deterministic dedup key.
//   - Command: a request to act, deduplicated by an idempotency key and
//     driven through the NEW → SENT → (ACK | FAILED) lifecycle.
//
// This package has no dependencies on internal packages, so it can be
// imported by any layer. Monetary amounts cross package boundaries as
// strings inside payloads; only the executor, risk guard, and projection
// convert them to decimals.
package types

import (
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Mode distinguishes testnet from production scopes.
type Mode string

const (
	ModeTestnet    Mode = "TESTNET"
	ModeProduction Mode = "PRODUCTION"
)

// Venue is the exchange sub-account class a record belongs to.
type Venue string

const (
	VenueSpot    Venue = "SPOT"
	VenueFutures Venue = "FUTURES"
)

// Side is the direction of an order: BUY or SELL.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType enumerates the supported futures order types.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
)

// TimeInForce for limit orders.
type TimeInForce string

const (
	TifGTC TimeInForce = "GTC" // good till cancelled
	TifIOC TimeInForce = "IOC" // immediate or cancel
	TifFOK TimeInForce = "FOK" // fill or kill
)

// PositionSide for hedge-mode accounts; BOTH in one-way mode.
type PositionSide string

const (
	PositionBoth  PositionSide = "BOTH"
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// ————————————————————————————————————————————————————————————————————————
// Scope and actor
// ————————————————————————————————————————————————————————————————————————

// Scope is the 5-tuple coordinate tagging every event and command.
// Symbol is empty for engine-wide records (engine lifecycle, transfers).
type Scope struct {
	Exchange string `json:"exchange"`
	Venue    Venue  `json:"venue"`
	Account  string `json:"account"`
	Symbol   string `json:"symbol,omitempty"`
	Mode     Mode   `json:"mode"`
}

// WithSymbol returns a copy of the scope narrowed to one symbol.
func (s Scope) WithSymbol(symbol string) Scope {
	s.Symbol = symbol
	return s
}

// WithVenue returns a copy of the scope pointed at another venue.
func (s Scope) WithVenue(v Venue) Scope {
	s.Venue = v
	return s
}

// ActorKind identifies who originated a command.
type ActorKind string

const (
	ActorStrategy ActorKind = "STRATEGY"
	ActorUser     ActorKind = "USER"
	ActorSystem   ActorKind = "SYSTEM"
)

// Actor is the originator of a command, e.g. {STRATEGY, "atr_breakout"}.
type Actor struct {
	Kind ActorKind `json:"kind"`
	ID   string    `json:"id"`
}

// SystemActor is the engine's own identity for internally generated commands.
var SystemActor = Actor{Kind: ActorSystem, ID: "engine"}

// ————————————————————————————————————————————————————————————————————————
// Events
// ————————————————————————————————————————————————————————————————————————

// Source records which plane produced an event.
type Source string

const (
	SourceBot       Source = "BOT"
	SourceWebsocket Source = "WEBSOCKET"
)

// EntityKind classifies what an event is about.
type EntityKind string

const (
	EntityOrder    EntityKind = "ORDER"
	EntityTrade    EntityKind = "TRADE"
	EntityPosition EntityKind = "POSITION"
	EntityBalance  EntityKind = "BALANCE"
	EntityEngine   EntityKind = "ENGINE"
	EntityFunding  EntityKind = "FUNDING"
	EntityTransfer EntityKind = "TRANSFER"
	EntityConvert  EntityKind = "CONVERT"
	EntityDeposit  EntityKind = "DEPOSIT"
	EntityWithdraw EntityKind = "WITHDRAW"
	EntityDust     EntityKind = "DUST"
	EntityCapital  EntityKind = "CAPITAL"
)

// EventType enumerates every fact the engine records.
type EventType string

const (
	EventEngineStarted     EventType = "EngineStarted"
	EventEngineStopped     EventType = "EngineStopped"
	EventEnginePaused      EventType = "EnginePaused"
	EventEngineResumed     EventType = "EngineResumed"
	EventEngineModeChanged EventType = "EngineModeChanged"

	EventOrderPlaced    EventType = "OrderPlaced"
	EventOrderUpdated   EventType = "OrderUpdated"
	EventOrderCancelled EventType = "OrderCancelled"
	EventOrderRejected  EventType = "OrderRejected"
	EventTradeExecuted  EventType = "TradeExecuted"

	EventPositionChanged EventType = "PositionChanged"
	EventBalanceChanged  EventType = "BalanceChanged"
	EventFundingApplied  EventType = "FundingApplied"

	EventCommissionRebateReceived  EventType = "CommissionRebateReceived"
	EventInternalTransferCompleted EventType = "InternalTransferCompleted"
	EventDepositDetected           EventType = "DepositDetected"
	EventDepositCompleted          EventType = "DepositCompleted"
	EventWithdrawCompleted         EventType = "WithdrawCompleted"
	EventConvertExecuted           EventType = "ConvertExecuted"
	EventDustConverted             EventType = "DustConverted"
	EventInitialCapitalEstablished EventType = "InitialCapitalEstablished"
	EventOpeningBalanceAdjusted    EventType = "OpeningBalanceAdjusted"

	EventStrategyLoaded    EventType = "StrategyLoaded"
	EventWsConnected       EventType = "WsConnected"
	EventWsDisconnected    EventType = "WsDisconnected"
	EventWsReconnected     EventType = "WsReconnected"
	EventRiskGuardRejected EventType = "RiskGuardRejected"
)

// Event is an immutable fact in the event log. Seq is assigned at append;
// DedupKey makes re-appending the same fact a no-op.
type Event struct {
	Seq           int64           `json:"seq"`
	EventID       string          `json:"event_id"`
	EventType     EventType       `json:"event_type"`
	TS            time.Time       `json:"ts"`
	CorrelationID string          `json:"correlation_id"`
	CausationID   string          `json:"causation_id,omitempty"`
	CommandID     string          `json:"command_id,omitempty"`
	Source        Source          `json:"source"`
	EntityKind    EntityKind      `json:"entity_kind"`
	EntityID      string          `json:"entity_id"`
	Scope         Scope           `json:"scope"`
	DedupKey      string          `json:"dedup_key"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// DecodePayload unmarshals the event payload into v.
func (e *Event) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// ————————————————————————————————————————————————————————————————————————
// Commands
// ————————————————————————————————————————————————————————————————————————

// CommandType enumerates every request the engine knows how to execute.
type CommandType string

const (
	CmdPlaceOrder        CommandType = "PlaceOrder"
	CmdCancelOrder       CommandType = "CancelOrder"
	CmdClosePosition     CommandType = "ClosePosition"
	CmdSetLeverage       CommandType = "SetLeverage"
	CmdPauseEngine       CommandType = "PauseEngine"
	CmdResumeEngine      CommandType = "ResumeEngine"
	CmdSetEngineMode     CommandType = "SetEngineMode"
	CmdCancelAll         CommandType = "CancelAll"
	CmdRunReconcile      CommandType = "RunReconcile"
	CmdRebuildProjection CommandType = "RebuildProjection"
	CmdUpdateConfig      CommandType = "UpdateConfig"
	CmdInternalTransfer  CommandType = "InternalTransfer"
	CmdWithdraw          CommandType = "Withdraw"
)

// tradingCommands change exchange order or position state. The risk guard
// blocks all of them while the engine is PAUSED.
var tradingCommands = map[CommandType]bool{
	CmdPlaceOrder:    true,
	CmdCancelOrder:   true,
	CmdClosePosition: true,
	CmdCancelAll:     true,
	CmdSetLeverage:   true,
}

// IsTrading reports whether the command type touches orders or positions.
func (ct CommandType) IsTrading() bool { return tradingCommands[ct] }

// CommandStatus is the command lifecycle state. Transitions are monotonic:
// NEW → SENT → (ACK | FAILED). The store rejects backward moves.
type CommandStatus string

const (
	StatusNew    CommandStatus = "NEW"
	StatusSent   CommandStatus = "SENT"
	StatusAck    CommandStatus = "ACK"
	StatusFailed CommandStatus = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s CommandStatus) Terminal() bool { return s == StatusAck || s == StatusFailed }

// Advisory priority tiers. Higher claims earlier; ties break by ts ascending.
const (
	PriorityUserUrgent = 100 // emergency cancel, close
	PriorityUserNormal = 50
	PrioritySystem     = 10 // reconciliation, maintenance
	PriorityStrategy   = 0
)

// Command is a request to act against the exchange or the engine itself.
type Command struct {
	CommandID      string          `json:"command_id"`
	CommandType    CommandType     `json:"command_type"`
	TS             time.Time       `json:"ts"`
	CorrelationID  string          `json:"correlation_id"`
	CausationID    string          `json:"causation_id,omitempty"`
	Actor          Actor           `json:"actor"`
	Scope          Scope           `json:"scope"`
	IdempotencyKey string          `json:"idempotency_key"`
	Status         CommandStatus   `json:"status"`
	Priority       int             `json:"priority"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	ClaimedAt      *time.Time      `json:"claimed_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// DecodePayload unmarshals the command payload into v.
func (c *Command) DecodePayload(v any) error {
	if len(c.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(c.Payload, v)
}

// ————————————————————————————————————————————————————————————————————————
// Client order IDs
// ————————————————————————————————————————————————————————————————————————

// ClientOrderIDPrefix marks orders originated by this engine. Any
// client-order-id on the stream matching the prefix maps back to a command.
const ClientOrderIDPrefix = "ae-"

// ClientOrderID derives the exchange client-order-id for a command.
// The format is exact and case-sensitive: "ae-" + command_id.
func ClientOrderID(commandID string) string {
	return ClientOrderIDPrefix + commandID
}

// CommandIDFromClientOrderID inverts ClientOrderID. The second return is
// false for ids the engine did not originate.
func CommandIDFromClientOrderID(clientOrderID string) (string, bool) {
	if !strings.HasPrefix(clientOrderID, ClientOrderIDPrefix) {
		return "", false
	}
	return clientOrderID[len(ClientOrderIDPrefix):], true
}

// ————————————————————————————————————————————————————————————————————————
// Engine mode
// ————————————————————————————————————————————————————————————————————————

// EngineMode is the runtime trading mode held in the config store.
type EngineMode string

const (
	EngineRunning EngineMode = "RUNNING"
	EnginePaused  EngineMode = "PAUSED" // all trading commands blocked
	EngineSafe    EngineMode = "SAFE"   // reduce-only: no new exposure
)
