// rules.go defines the rule pipeline. Each rule declares which command
// types it applies to and evaluates against the Context the guard built.
// Reduce-only orders are exempt from the sizing rules: they can only shrink
// exposure, and blocking them would trap an open position.
package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"alpha-engine/pkg/types"
)

// Context is the state snapshot a rule evaluates against. Order is non-nil
// only for PlaceOrder commands.
type Context struct {
	Mode        types.EngineMode
	Limits      types.RiskSettings
	Order       *types.PlaceOrderPayload
	PositionQty decimal.Decimal // signed position on the command's symbol
	OpenOrders  int
	FreeBalance decimal.Decimal
	DailyPnL    decimal.Decimal // realized, since UTC midnight
}

// Result is one rule's verdict.
type Result struct {
	OK     bool
	Reason string
}

func pass() Result                          { return Result{OK: true} }
func reject(format string, a ...any) Result { return Result{Reason: fmt.Sprintf(format, a...)} }

// Rule is one check in the pipeline.
type Rule interface {
	Name() string
	AppliesTo(types.CommandType) bool
	Check(cmd *types.Command, rc *Context) Result
}

// defaultRules is the production pipeline, in evaluation order.
func defaultRules() []Rule {
	return []Rule{
		engineModeRule{},
		maxPositionSizeRule{},
		dailyLossLimitRule{},
		maxOpenOrdersRule{},
		minBalanceRule{},
	}
}

// parseLimit reads a decimal-string limit; empty or unparseable means the
// limit is disabled.
func parseLimit(s string) (decimal.Decimal, bool) {
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil || d.IsZero() {
		return decimal.Zero, false
	}
	return d, true
}

// engineModeRule blocks trading while PAUSED and new exposure while SAFE.
type engineModeRule struct{}

func (engineModeRule) Name() string                     { return "EngineMode" }
func (engineModeRule) AppliesTo(types.CommandType) bool { return true }

func (engineModeRule) Check(cmd *types.Command, rc *Context) Result {
	switch rc.Mode {
	case types.EnginePaused:
		if cmd.CommandType.IsTrading() {
			return reject("engine is PAUSED, trading command %s blocked", cmd.CommandType)
		}
	case types.EngineSafe:
		if cmd.CommandType == types.CmdPlaceOrder && rc.Order != nil && !rc.Order.ReduceOnly {
			return reject("engine is SAFE, new non-reduce-only orders blocked")
		}
	}
	return pass()
}

// maxPositionSizeRule caps the projected post-order position.
type maxPositionSizeRule struct{}

func (maxPositionSizeRule) Name() string { return "MaxPositionSize" }
func (maxPositionSizeRule) AppliesTo(ct types.CommandType) bool {
	return ct == types.CmdPlaceOrder
}

func (maxPositionSizeRule) Check(_ *types.Command, rc *Context) Result {
	if rc.Order == nil || rc.Order.ReduceOnly {
		return pass()
	}
	limit, enabled := parseLimit(rc.Limits.MaxPositionSize)
	if !enabled {
		return pass()
	}
	qty, err := decimal.NewFromString(rc.Order.Quantity)
	if err != nil {
		return reject("unparseable order quantity %q", rc.Order.Quantity)
	}
	projected := rc.PositionQty
	if rc.Order.Side == types.SideBuy {
		projected = projected.Add(qty)
	} else {
		projected = projected.Sub(qty)
	}
	if projected.Abs().GreaterThan(limit) {
		return reject("projected position %s exceeds limit %s", projected.Abs(), limit)
	}
	return pass()
}

// dailyLossLimitRule stops adding exposure after the daily loss budget.
type dailyLossLimitRule struct{}

func (dailyLossLimitRule) Name() string { return "DailyLossLimit" }
func (dailyLossLimitRule) AppliesTo(ct types.CommandType) bool {
	return ct == types.CmdPlaceOrder
}

func (dailyLossLimitRule) Check(_ *types.Command, rc *Context) Result {
	if rc.Order == nil || rc.Order.ReduceOnly {
		return pass()
	}
	limit, enabled := parseLimit(rc.Limits.DailyLossLimit)
	if !enabled {
		return pass()
	}
	if rc.DailyPnL.LessThanOrEqual(limit.Neg()) {
		return reject("daily realized PnL %s breaches loss limit %s", rc.DailyPnL, limit)
	}
	return pass()
}

// maxOpenOrdersRule caps concurrent open orders.
type maxOpenOrdersRule struct{}

func (maxOpenOrdersRule) Name() string { return "MaxOpenOrders" }
func (maxOpenOrdersRule) AppliesTo(ct types.CommandType) bool {
	return ct == types.CmdPlaceOrder
}

func (maxOpenOrdersRule) Check(_ *types.Command, rc *Context) Result {
	if rc.Limits.MaxOpenOrders <= 0 {
		return pass()
	}
	if rc.OpenOrders >= rc.Limits.MaxOpenOrders {
		return reject("open order count %d at limit %d", rc.OpenOrders, rc.Limits.MaxOpenOrders)
	}
	return pass()
}

// minBalanceRule refuses new exposure below the balance floor.
type minBalanceRule struct{}

func (minBalanceRule) Name() string { return "MinBalance" }
func (minBalanceRule) AppliesTo(ct types.CommandType) bool {
	return ct == types.CmdPlaceOrder
}

func (minBalanceRule) Check(_ *types.Command, rc *Context) Result {
	if rc.Order != nil && rc.Order.ReduceOnly {
		return pass()
	}
	floor, enabled := parseLimit(rc.Limits.MinBalance)
	if !enabled {
		return pass()
	}
	if rc.FreeBalance.LessThan(floor) {
		return reject("free balance %s below minimum %s", rc.FreeBalance, floor)
	}
	return pass()
}
