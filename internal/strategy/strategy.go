// Package strategy hosts the trading strategies and the runtime that
// drives them: a read-only tick context, a restricted command emitter, and
// a runner that owns the strategy lifecycle. Strategies never talk to the
// exchange adapter; the only way out is the emitter, and every emission
// passes the risk guard before it reaches the command store.
package strategy

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"alpha-engine/pkg/types"
)

// Params is a strategy's merged parameter map: defaults overlaid with the
// config store's strategy.params. Values arrive JSON-typed, so the typed
// getters normalize float64/string/bool as needed.
type Params map[string]any

// Merge returns p overlaid with overrides, leaving p untouched.
func (p Params) Merge(overrides map[string]any) Params {
	out := make(Params, len(p)+len(overrides))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// String returns the string value for key, or def.
func (p Params) String(key, def string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return def
}

// Int returns the integer value for key, or def. JSON numbers decode as
// float64 and are accepted.
func (p Params) Int(key string, def int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}

// Bool returns the boolean value for key, or def.
func (p Params) Bool(key string, def bool) bool {
	if v, ok := p[key].(bool); ok {
		return v
	}
	return def
}

// Decimal returns the decimal value for key, or def. Accepts strings and
// JSON numbers.
func (p Params) Decimal(key string, def decimal.Decimal) decimal.Decimal {
	switch v := p[key].(type) {
	case string:
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	case float64:
		return decimal.NewFromFloat(v)
	case int:
		return decimal.NewFromInt(int64(v))
	}
	return def
}

// Strategy is the plug-in surface. OnTick fires from the main loop on a
// fixed cadence; OnTrade and OnOrderUpdate fire synchronously from the
// stream listener for the bot's symbol. All callbacks share one state map
// through the context.
type Strategy interface {
	Name() string
	DefaultParams() Params

	OnInit(ctx context.Context, tc *TickContext, params Params) error
	OnStart(ctx context.Context, tc *TickContext) error
	OnTick(ctx context.Context, tc *TickContext, emit *Emitter) error
	OnTrade(ctx context.Context, tc *TickContext, emit *Emitter, trade types.TradeEvent) error
	OnOrderUpdate(ctx context.Context, tc *TickContext, emit *Emitter, order types.OrderEvent) error
	OnStop(ctx context.Context, tc *TickContext) error

	// OnError decides whether the strategy keeps running after a callback
	// failed. False stops the strategy (the default posture).
	OnError(err error, tc *TickContext) bool
}

// Factory constructs a fresh strategy instance.
type Factory func() Strategy

// registry maps canonical strategy names to factories. Population happens
// in init() of each strategy file, so a build carries exactly the
// strategies it compiled in.
var registry = map[string]Factory{}

// Register adds a factory under name. Duplicate names are a programming
// error.
func Register(name string, f Factory) {
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("strategy %q registered twice", name))
	}
	registry[name] = f
}

// NewByName instantiates the registered strategy called name.
func NewByName(name string) (Strategy, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q (registered: %v)", name, Names())
	}
	return f(), nil
}

// Names lists the registered strategy names, sorted.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
