// Package marketdata fronts the exchange's kline endpoint with an in-memory
// TTL cache so strategies can pull multiple timeframes every tick without
// burning request weight. Fetch errors degrade to an empty frame; the
// strategy sees no bars and trades nothing that tick.
package marketdata

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"alpha-engine/pkg/types"
)

// validTimeframes are the Binance kline intervals the provider accepts.
var validTimeframes = map[string]bool{
	"1m": true, "3m": true, "5m": true, "15m": true, "30m": true,
	"1h": true, "2h": true, "4h": true, "6h": true, "8h": true, "12h": true,
	"1d": true, "3d": true, "1w": true,
}

// KlineSource is the slice of the exchange adapter the provider needs.
type KlineSource interface {
	Klines(ctx context.Context, symbol, interval string, limit int) ([]types.Kline, error)
}

// Frame is a tabular OHLCV view indexed by bar open time.
type Frame struct {
	Time   []time.Time
	Open   []decimal.Decimal
	High   []decimal.Decimal
	Low    []decimal.Decimal
	Close  []decimal.Decimal
	Volume []decimal.Decimal
}

// Len returns the number of bars.
func (f Frame) Len() int { return len(f.Time) }

// Empty reports whether the frame has no bars.
func (f Frame) Empty() bool { return len(f.Time) == 0 }

// LastClose returns the most recent close, or zero for an empty frame.
func (f Frame) LastClose() decimal.Decimal {
	if f.Empty() {
		return decimal.Zero
	}
	return f.Close[len(f.Close)-1]
}

type cacheKey struct {
	symbol    string
	timeframe string
}

type cacheEntry struct {
	bars      []types.Kline
	fetchedAt time.Time
}

// Provider caches klines per (symbol, timeframe).
type Provider struct {
	source           KlineSource
	defaultTimeframe string
	ttl              time.Duration
	logger           *slog.Logger

	mu    sync.Mutex
	cache map[cacheKey]cacheEntry
	now   func() time.Time // test hook
}

// New creates a provider. ttl <= 0 defaults to 60s.
func New(source KlineSource, defaultTimeframe string, ttl time.Duration, logger *slog.Logger) *Provider {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	if !validTimeframes[defaultTimeframe] {
		defaultTimeframe = "5m"
	}
	return &Provider{
		source:           source,
		defaultTimeframe: defaultTimeframe,
		ttl:              ttl,
		logger:           logger.With("component", "marketdata"),
		cache:            make(map[cacheKey]cacheEntry),
		now:              time.Now,
	}
}

// GetBars returns up to limit klines for (symbol, timeframe), newest last.
// Invalid timeframes fall back to the configured default; fetch errors
// return an empty slice.
func (p *Provider) GetBars(ctx context.Context, symbol, timeframe string, limit int) []types.Kline {
	if !validTimeframes[timeframe] {
		p.logger.Warn("invalid timeframe, using default",
			"requested", timeframe, "default", p.defaultTimeframe)
		timeframe = p.defaultTimeframe
	}
	key := cacheKey{symbol, timeframe}

	p.mu.Lock()
	entry, ok := p.cache[key]
	fresh := ok && p.now().Sub(entry.fetchedAt) < p.ttl && len(entry.bars) >= limit
	p.mu.Unlock()

	if fresh {
		return tail(entry.bars, limit)
	}

	bars, err := p.source.Klines(ctx, symbol, timeframe, limit)
	if err != nil {
		p.logger.Warn("kline fetch failed", "symbol", symbol, "timeframe", timeframe, "error", err)
		if ok {
			// Stale beats empty when the exchange is briefly unreachable.
			return tail(entry.bars, limit)
		}
		return nil
	}

	p.mu.Lock()
	p.cache[key] = cacheEntry{bars: bars, fetchedAt: p.now()}
	p.mu.Unlock()
	return tail(bars, limit)
}

// GetOHLCV returns the bars as a column-oriented frame.
func (p *Provider) GetOHLCV(ctx context.Context, symbol, timeframe string, limit int) Frame {
	bars := p.GetBars(ctx, symbol, timeframe, limit)
	f := Frame{
		Time:   make([]time.Time, len(bars)),
		Open:   make([]decimal.Decimal, len(bars)),
		High:   make([]decimal.Decimal, len(bars)),
		Low:    make([]decimal.Decimal, len(bars)),
		Close:  make([]decimal.Decimal, len(bars)),
		Volume: make([]decimal.Decimal, len(bars)),
	}
	for i, b := range bars {
		f.Time[i] = b.OpenTime
		f.Open[i] = b.Open
		f.High[i] = b.High
		f.Low[i] = b.Low
		f.Close[i] = b.Close
		f.Volume[i] = b.Volume
	}
	return f
}

// Invalidate drops the cached bars for one (symbol, timeframe).
func (p *Provider) Invalidate(symbol, timeframe string) {
	p.mu.Lock()
	delete(p.cache, cacheKey{symbol, timeframe})
	p.mu.Unlock()
}

func tail(bars []types.Kline, limit int) []types.Kline {
	if limit > 0 && len(bars) > limit {
		return bars[len(bars)-limit:]
	}
	return bars
}
