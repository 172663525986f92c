package exchange

import (
	"context"
	"testing"
	"time"
)

func TestWeightLimiterAllowsBurst(t *testing.T) {
	t.Parallel()

	wl := NewWeightLimiter(2400)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// A poller batch well under the burst allowance should not block.
	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := wl.Wait(ctx, 10); err != nil {
			t.Fatalf("wait %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("burst took %s, expected near-immediate", elapsed)
	}
}

func TestWeightLimiterRespectsCancel(t *testing.T) {
	t.Parallel()

	wl := NewWeightLimiter(60) // 1 weight/sec, burst 6
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := wl.Wait(ctx, 50); err == nil {
		t.Fatal("expected error waiting with cancelled context")
	}
}

func TestObserveTracksUsedWeight(t *testing.T) {
	t.Parallel()

	wl := NewWeightLimiter(2400)
	if got := wl.UsedWeight(); got != 0 {
		t.Fatalf("initial used weight = %d", got)
	}

	wl.Observe("1234")
	if got := wl.UsedWeight(); got != 1234 {
		t.Errorf("used weight = %d, want 1234", got)
	}

	wl.Observe("") // missing header leaves the last value
	wl.Observe("not-a-number")
	if got := wl.UsedWeight(); got != 1234 {
		t.Errorf("used weight after bad headers = %d, want 1234", got)
	}
}

func TestRetryAfterParsing(t *testing.T) {
	t.Parallel()

	cases := []struct {
		header string
		want   time.Duration
	}{
		{"", 0},
		{"30", 30 * time.Second},
		{"0", 0},
		{"-5", 0},
		{"soon", 0},
	}
	for _, tc := range cases {
		if got := retryAfter(tc.header); got != tc.want {
			t.Errorf("retryAfter(%q) = %s, want %s", tc.header, got, tc.want)
		}
	}
}
