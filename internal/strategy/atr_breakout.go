package strategy

import (
	"context"

	"github.com/shopspring/decimal"

	"alpha-engine/internal/marketdata"
	"alpha-engine/pkg/types"
)

func init() {
	Register("atr_breakout", func() Strategy { return &ATRBreakout{} })
}

// Private state keys. The accounting triple lives next to these in the
// same map but is persisted by the runner; these are in-process only.
const (
	stateStopPrice = "atr_stop_price"
	stateEntrySide = "atr_entry_side"
)

// ATRBreakout trades Donchian-channel breakouts with ATR-scaled position
// sizing and an ATR trailing stop. Quantity per entry risks
// risk.risk_per_trade of account equity against a stop atr_multiplier
// ATRs away; equity re-anchors to the wallet balance every
// equity_reset_trades fills.
type ATRBreakout struct {
	timeframe     string
	atrPeriod     int
	breakoutBars  int
	atrMultiplier decimal.Decimal
	qtyPrecision  int32
}

func (s *ATRBreakout) Name() string { return "atr_breakout" }

func (s *ATRBreakout) DefaultParams() Params {
	return Params{
		"timeframe":      "15m",
		"atr_period":     14,
		"breakout_bars":  20,
		"atr_multiplier": "2",
		"qty_precision":  1,
	}
}

func (s *ATRBreakout) OnInit(ctx context.Context, tc *TickContext, params Params) error {
	s.timeframe = params.String("timeframe", "15m")
	s.atrPeriod = params.Int("atr_period", 14)
	s.breakoutBars = params.Int("breakout_bars", 20)
	s.atrMultiplier = params.Decimal("atr_multiplier", decimal.NewFromInt(2))
	s.qtyPrecision = int32(params.Int("qty_precision", 1))
	return nil
}

func (s *ATRBreakout) OnStart(ctx context.Context, tc *TickContext) error {
	// First run: anchor equity to the wallet so sizing has a base.
	if _, ok := tc.State[StateAccountEquity]; !ok {
		tc.State[StateAccountEquity] = tc.Balances["USDT"].Free.String()
	}
	return nil
}

func (s *ATRBreakout) OnTick(ctx context.Context, tc *TickContext, emit *Emitter) error {
	if tc.Market == nil {
		return nil
	}
	need := s.breakoutBars + s.atrPeriod + 2
	bars := tc.Market.GetOHLCV(ctx, tc.Scope.Symbol, s.timeframe, need)
	if bars.Len() < need {
		return nil
	}

	atrNow := atr(bars, s.atrPeriod)
	if atrNow.IsZero() {
		return nil
	}
	last := bars.LastClose()

	if tc.Position != nil {
		s.manageExit(ctx, tc, emit, last, atrNow)
		return nil
	}

	if tc.Mode != types.EngineRunning {
		// SAFE still manages exits above; no new exposure here.
		return nil
	}

	// Breakout levels exclude the current (possibly unfinished) bar.
	hh := highest(bars.High[:bars.Len()-1], s.breakoutBars)
	ll := lowest(bars.Low[:bars.Len()-1], s.breakoutBars)

	var side types.Side
	switch {
	case last.GreaterThan(hh):
		side = types.SideBuy
	case last.LessThan(ll):
		side = types.SideSell
	default:
		return nil
	}

	qty := s.positionSize(tc, atrNow)
	if qty.IsZero() {
		return nil
	}

	cmdID := emit.PlaceOrder(ctx, types.PlaceOrderPayload{
		Symbol:    tc.Scope.Symbol,
		Side:      side,
		OrderType: types.OrderTypeMarket,
		Quantity:  qty.String(),
	})
	if cmdID == "" {
		return nil
	}
	stopDist := atrNow.Mul(s.atrMultiplier)
	if side == types.SideBuy {
		tc.State[stateStopPrice] = last.Sub(stopDist).String()
	} else {
		tc.State[stateStopPrice] = last.Add(stopDist).String()
	}
	tc.State[stateEntrySide] = string(side)
	return nil
}

// manageExit trails the stop one stop-distance behind price and flattens
// when it is crossed.
func (s *ATRBreakout) manageExit(ctx context.Context, tc *TickContext, emit *Emitter, last, atrNow decimal.Decimal) {
	long := tc.Position.Amount.IsPositive()
	stopDist := atrNow.Mul(s.atrMultiplier)

	stopStr, _ := tc.State[stateStopPrice].(string)
	stop, err := decimal.NewFromString(stopStr)
	if err != nil {
		// No stop on record (restart mid-position): seed one from here.
		if long {
			stop = last.Sub(stopDist)
		} else {
			stop = last.Add(stopDist)
		}
	}

	if long {
		if trailed := last.Sub(stopDist); trailed.GreaterThan(stop) {
			stop = trailed
		}
		if last.LessThanOrEqual(stop) {
			emit.ClosePosition(ctx, tc.Scope.Symbol)
			delete(tc.State, stateStopPrice)
			delete(tc.State, stateEntrySide)
			return
		}
	} else {
		if trailed := last.Add(stopDist); trailed.LessThan(stop) {
			stop = trailed
		}
		if last.GreaterThanOrEqual(stop) {
			emit.ClosePosition(ctx, tc.Scope.Symbol)
			delete(tc.State, stateStopPrice)
			delete(tc.State, stateEntrySide)
			return
		}
	}
	tc.State[stateStopPrice] = stop.String()
}

// positionSize risks risk_per_trade of equity against the stop distance.
func (s *ATRBreakout) positionSize(tc *TickContext, atrNow decimal.Decimal) decimal.Decimal {
	equity := tc.Equity(tc.Balances["USDT"].Free)
	riskPct, err := decimal.NewFromString(tc.Risk.RiskPerTrade)
	if err != nil || riskPct.IsZero() {
		riskPct = decimal.NewFromFloat(0.01)
	}
	stopDist := atrNow.Mul(s.atrMultiplier)
	if stopDist.IsZero() || equity.IsZero() {
		return decimal.Zero
	}
	qty := equity.Mul(riskPct).Div(stopDist).RoundDown(s.qtyPrecision)
	if qty.IsNegative() {
		return decimal.Zero
	}
	return qty
}

func (s *ATRBreakout) OnTrade(ctx context.Context, tc *TickContext, emit *Emitter, trade types.TradeEvent) error {
	equity := tc.Equity(tc.Balances["USDT"].Free)
	if !trade.RealizedPnL.IsZero() {
		equity = equity.Add(trade.RealizedPnL)
	}
	equity = equity.Sub(trade.Commission)
	tc.State[StateAccountEquity] = equity.String()

	sinceReset := stateInt(tc.State, StateTradeCountSinceReset) + 1
	tc.State[StateTotalTradeCount] = stateInt(tc.State, StateTotalTradeCount) + 1

	resetEvery := tc.Risk.EquityResetTrades
	if resetEvery <= 0 {
		resetEvery = 50
	}
	if sinceReset >= resetEvery {
		// Re-anchor to the wallet so sizing drift from estimated PnL does
		// not compound forever.
		tc.State[StateAccountEquity] = tc.Balances["USDT"].Free.String()
		sinceReset = 0
	}
	tc.State[StateTradeCountSinceReset] = sinceReset
	return nil
}

func (s *ATRBreakout) OnOrderUpdate(ctx context.Context, tc *TickContext, emit *Emitter, order types.OrderEvent) error {
	return nil
}

func (s *ATRBreakout) OnStop(ctx context.Context, tc *TickContext) error { return nil }

func (s *ATRBreakout) OnError(err error, tc *TickContext) bool { return false }

// atr is the simple average of the true range over the last period bars.
func atr(f marketdata.Frame, period int) decimal.Decimal {
	n := f.Len()
	if period <= 0 || n < period+1 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for i := n - period; i < n; i++ {
		tr := trueRange(f.High[i], f.Low[i], f.Close[i-1])
		sum = sum.Add(tr)
	}
	return sum.Div(decimal.NewFromInt(int64(period)))
}

func trueRange(high, low, prevClose decimal.Decimal) decimal.Decimal {
	tr := high.Sub(low)
	if hc := high.Sub(prevClose).Abs(); hc.GreaterThan(tr) {
		tr = hc
	}
	if lc := low.Sub(prevClose).Abs(); lc.GreaterThan(tr) {
		tr = lc
	}
	return tr
}

// highest returns the max of the last n values.
func highest(vals []decimal.Decimal, n int) decimal.Decimal {
	if len(vals) == 0 {
		return decimal.Zero
	}
	if n > len(vals) {
		n = len(vals)
	}
	best := vals[len(vals)-n]
	for _, v := range vals[len(vals)-n:] {
		if v.GreaterThan(best) {
			best = v
		}
	}
	return best
}

// lowest returns the min of the last n values.
func lowest(vals []decimal.Decimal, n int) decimal.Decimal {
	if len(vals) == 0 {
		return decimal.Zero
	}
	if n > len(vals) {
		n = len(vals)
	}
	best := vals[len(vals)-n]
	for _, v := range vals[len(vals)-n:] {
		if v.LessThan(best) {
			best = v
		}
	}
	return best
}
