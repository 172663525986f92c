// dedup.go synthesises the canonical dedup keys that make event appends
// idempotent. Every ingestion path (stream, pollers, backfill, executor)
// derives the key from the event's natural identifiers, so replaying a
// window or reconnecting a stream never inserts the same fact twice.
package types

import (
	"fmt"
	"strings"
)

// TradeDedupKey: {exchange}:{venue}:{symbol}:trade:{exchange_trade_id}
func TradeDedupKey(s Scope, symbol string, tradeID int64) string {
	return fmt.Sprintf("%s:%s:%s:trade:%d", s.Exchange, s.Venue, symbol, tradeID)
}

// OrderDedupKey: {exchange}:{venue}:{symbol}:order:{exchange_order_id}
func OrderDedupKey(s Scope, symbol string, orderID int64) string {
	return fmt.Sprintf("%s:%s:%s:order:%d", s.Exchange, s.Venue, symbol, orderID)
}

// OrderStatusDedupKey: order key + :{status}:{update_time} — one row per
// distinct status change, so reconnect replays of the same transition dedup.
func OrderStatusDedupKey(s Scope, symbol string, orderID int64, status string, updateTime int64) string {
	return fmt.Sprintf("%s:%s:%s:order:%d:%s:%d", s.Exchange, s.Venue, symbol, orderID, status, updateTime)
}

// PositionDedupKey: {exchange}:{venue}:{symbol}:position:{tx_time}
func PositionDedupKey(s Scope, symbol string, txTime int64) string {
	return fmt.Sprintf("%s:%s:%s:position:%d", s.Exchange, s.Venue, symbol, txTime)
}

// BalanceDedupKey: {exchange}:{venue}:{asset}:balance:{tx_time}
func BalanceDedupKey(s Scope, asset string, txTime int64) string {
	return fmt.Sprintf("%s:%s:%s:balance:%d", s.Exchange, s.Venue, asset, txTime)
}

// FundingDedupKey: {exchange}:{symbol}:funding:{funding_ts}
func FundingDedupKey(s Scope, symbol string, fundingTS int64) string {
	return fmt.Sprintf("%s:%s:funding:%d", s.Exchange, symbol, fundingTS)
}

// RebateDedupKey: {exchange}:rebate:{tran_id}
func RebateDedupKey(s Scope, tranID int64) string {
	return fmt.Sprintf("%s:rebate:%d", s.Exchange, tranID)
}

// MovementDedupKey covers transfer, deposit, withdraw, convert and dust
// records: {exchange}:{family}:{id}. Family is lowercase.
func MovementDedupKey(s Scope, family string, id string) string {
	return fmt.Sprintf("%s:%s:%s", s.Exchange, strings.ToLower(family), id)
}

// WsLifecycleDedupKey: {exchange}:ws:{event}:{ts_ms}
func WsLifecycleDedupKey(s Scope, event string, tsMillis int64) string {
	return fmt.Sprintf("%s:ws:%s:%d", s.Exchange, event, tsMillis)
}

// EngineDedupKey: engine:{event}:{ts_ms}
func EngineDedupKey(event string, tsMillis int64) string {
	return fmt.Sprintf("engine:%s:%d", event, tsMillis)
}

// InitialCapitalDedupKey: initial_capital:{mode}:{snapshot_date}. One
// capital record per mode per snapshot date, regardless of reruns.
func InitialCapitalDedupKey(mode Mode, snapshotDate string) string {
	return fmt.Sprintf("initial_capital:%s:%s", mode, snapshotDate)
}

// RiskRejectionDedupKey: risk:{command_id} — at most one rejection record
// per command.
func RiskRejectionDedupKey(commandID string) string {
	return "risk:" + commandID
}

// OpeningAdjustmentDedupKey: opening_adjustment:{mode}:{venue}:{asset}:{ts_ms}
func OpeningAdjustmentDedupKey(mode Mode, venue Venue, asset string, tsMillis int64) string {
	return fmt.Sprintf("opening_adjustment:%s:%s:%s:%d", mode, venue, asset, tsMillis)
}
