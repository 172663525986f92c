package marketdata

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"alpha-engine/pkg/types"
)

type fakeSource struct {
	calls int
	bars  []types.Kline
	err   error
}

func (f *fakeSource) Klines(_ context.Context, _, _ string, _ int) ([]types.Kline, error) {
	f.calls++
	return f.bars, f.err
}

func makeBars(n int) []types.Kline {
	bars := make([]types.Kline, n)
	base := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	for i := range bars {
		bars[i] = types.Kline{
			OpenTime: base.Add(time.Duration(i) * 5 * time.Minute),
			Open:     decimal.NewFromFloat(0.60),
			High:     decimal.NewFromFloat(0.62),
			Low:      decimal.NewFromFloat(0.59),
			Close:    decimal.NewFromFloat(0.61),
			Volume:   decimal.NewFromInt(1000),
		}
	}
	return bars
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCacheHitWithinTTL(t *testing.T) {
	t.Parallel()

	src := &fakeSource{bars: makeBars(50)}
	p := New(src, "5m", time.Minute, discard())

	ctx := context.Background()
	if got := p.GetBars(ctx, "XRPUSDT", "5m", 50); len(got) != 50 {
		t.Fatalf("len = %d", len(got))
	}
	p.GetBars(ctx, "XRPUSDT", "5m", 50)
	p.GetBars(ctx, "XRPUSDT", "5m", 20) // smaller limit served from cache

	if src.calls != 1 {
		t.Errorf("source calls = %d, want 1", src.calls)
	}
}

func TestCacheExpiry(t *testing.T) {
	t.Parallel()

	src := &fakeSource{bars: makeBars(10)}
	p := New(src, "5m", time.Minute, discard())
	current := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return current }

	ctx := context.Background()
	p.GetBars(ctx, "XRPUSDT", "5m", 10)
	current = current.Add(2 * time.Minute)
	p.GetBars(ctx, "XRPUSDT", "5m", 10)

	if src.calls != 2 {
		t.Errorf("source calls = %d, want 2 after TTL expiry", src.calls)
	}
}

func TestInvalidTimeframeFallsBack(t *testing.T) {
	t.Parallel()

	src := &fakeSource{bars: makeBars(5)}
	p := New(src, "5m", time.Minute, discard())

	ctx := context.Background()
	p.GetBars(ctx, "XRPUSDT", "7m", 5)
	p.GetBars(ctx, "XRPUSDT", "5m", 5) // same cache key as the fallback

	if src.calls != 1 {
		t.Errorf("source calls = %d, want 1 (fallback shares the default's cache)", src.calls)
	}
}

func TestFetchErrorReturnsEmptyFrame(t *testing.T) {
	t.Parallel()

	src := &fakeSource{err: errors.New("boom")}
	p := New(src, "5m", time.Minute, discard())

	frame := p.GetOHLCV(context.Background(), "XRPUSDT", "5m", 10)
	if !frame.Empty() {
		t.Errorf("expected empty frame, got %d bars", frame.Len())
	}
	if !frame.LastClose().IsZero() {
		t.Errorf("LastClose on empty frame = %s", frame.LastClose())
	}
}

func TestStaleCacheServesDuringOutage(t *testing.T) {
	t.Parallel()

	src := &fakeSource{bars: makeBars(10)}
	p := New(src, "5m", time.Minute, discard())
	current := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return current }

	ctx := context.Background()
	p.GetBars(ctx, "XRPUSDT", "5m", 10)

	current = current.Add(5 * time.Minute)
	src.err = errors.New("exchange down")
	got := p.GetBars(ctx, "XRPUSDT", "5m", 10)
	if len(got) != 10 {
		t.Errorf("len = %d, want stale bars during outage", len(got))
	}
}

func TestFrameColumns(t *testing.T) {
	t.Parallel()

	src := &fakeSource{bars: makeBars(3)}
	p := New(src, "5m", time.Minute, discard())

	frame := p.GetOHLCV(context.Background(), "XRPUSDT", "5m", 3)
	if frame.Len() != 3 {
		t.Fatalf("len = %d", frame.Len())
	}
	if frame.LastClose().String() != "0.61" {
		t.Errorf("last close = %s", frame.LastClose())
	}
	if !frame.Time[1].After(frame.Time[0]) {
		t.Error("time column not ascending")
	}
}
