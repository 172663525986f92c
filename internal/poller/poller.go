// Package poller runs the periodic ingestion jobs that the user-data
// stream cannot cover: income, transfers, converts, deposits/withdrawals,
// a price cache, and the daily reconciliation. Each poller resumes from a
// persisted last_poll_time, overlaps the previous window by a minute to
// tolerate clock skew, and relies on dedup keys to make the overlap free.
// Pollers never propagate errors upward; they log and retry next cycle.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"alpha-engine/internal/store"
	"alpha-engine/pkg/types"
)

const (
	// gateInterval is how often each poller re-checks its shouldPoll gate.
	gateInterval = 15 * time.Second

	// overlap is subtracted from last_poll_time when computing the next
	// window's since.
	overlap = time.Minute

	// firstRunWindow bounds the very first poll when no checkpoint exists.
	firstRunWindow = time.Hour

	errRetryDelay   = time.Minute
	deferRetryDelay = time.Hour
)

// ErrDeferred tells the framework the poller chose not to run this cycle
// (e.g. reconciliation with an open position). The checkpoint is not
// advanced; the poller retries after deferRetryDelay.
var ErrDeferred = errors.New("poll deferred")

// Poller is one periodic ingestion job.
type Poller interface {
	Name() string
	Interval() time.Duration
	// DoPoll ingests everything since the given time and reports how many
	// new events it appended.
	DoPoll(ctx context.Context, since time.Time) (int, error)
}

// checkpoint is the persisted value under poller_<name>_last_poll.
type checkpoint struct {
	LastPollTime string `json:"last_poll_time"`
}

type managed struct {
	p Poller

	mu       sync.Mutex
	lastPoll time.Time
	loaded   bool
	nextTry  time.Time
}

// Scheduler drives a set of pollers, one goroutine each.
type Scheduler struct {
	config  *store.ConfigStore
	logger  *slog.Logger
	pollers []*managed
	now     func() time.Time // test hook
}

func NewScheduler(config *store.ConfigStore, logger *slog.Logger, pollers ...Poller) *Scheduler {
	s := &Scheduler{
		config: config,
		logger: logger.With("component", "poller"),
		now:    time.Now,
	}
	for _, p := range pollers {
		s.pollers = append(s.pollers, &managed{p: p})
	}
	return s
}

// Run blocks until ctx is cancelled, driving every poller on its own
// goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, m := range s.pollers {
		wg.Add(1)
		go func(m *managed) {
			defer wg.Done()
			s.loop(ctx, m)
		}(m)
	}
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, m *managed) {
	ticker := time.NewTicker(gateInterval)
	defer ticker.Stop()

	// First gate check immediately, then on the ticker.
	s.PollOnce(ctx, m.p.Name())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.PollOnce(ctx, m.p.Name())
		}
	}
}

// PollOnce runs one poller iff its gate allows it. Returns the number of
// events created, and false when the gate (or the mutex) skipped the run.
func (s *Scheduler) PollOnce(ctx context.Context, name string) (int, bool) {
	m := s.find(name)
	if m == nil {
		return 0, false
	}
	// A slow poll must not overlap itself.
	if !m.mu.TryLock() {
		return 0, false
	}
	defer m.mu.Unlock()

	if !m.loaded {
		m.lastPoll = s.loadCheckpoint(ctx, m.p.Name())
		m.loaded = true
	}

	now := s.now().UTC()
	if now.Before(m.nextTry) || now.Sub(m.lastPoll) < m.p.Interval() {
		return 0, false
	}

	since := now.Add(-firstRunWindow)
	if !m.lastPoll.IsZero() {
		since = m.lastPoll.Add(-overlap)
	}

	created, err := m.p.DoPoll(ctx, since)
	switch {
	case errors.Is(err, ErrDeferred):
		s.logger.Debug("poll deferred", "poller", m.p.Name())
		m.nextTry = now.Add(deferRetryDelay)
		return 0, false
	case err != nil:
		s.logger.Warn("poll failed", "poller", m.p.Name(), "error", err)
		m.nextTry = now.Add(errRetryDelay)
		return 0, false
	}

	m.lastPoll = now
	m.nextTry = time.Time{}
	s.saveCheckpoint(ctx, m.p.Name(), now)
	if created > 0 {
		s.logger.Info("poll completed", "poller", m.p.Name(), "events_created", created)
	} else {
		s.logger.Debug("poll completed", "poller", m.p.Name())
	}
	return created, true
}

func (s *Scheduler) find(name string) *managed {
	for _, m := range s.pollers {
		if m.p.Name() == name {
			return m
		}
	}
	return nil
}

func (s *Scheduler) loadCheckpoint(ctx context.Context, name string) time.Time {
	var cp checkpoint
	if _, err := s.config.Get(ctx, store.PollerCheckpointKey(name), &cp); err != nil {
		if err != store.ErrNotFound {
			s.logger.Warn("load poller checkpoint", "poller", name, "error", err)
		}
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, cp.LastPollTime)
	if err != nil {
		s.logger.Warn("bad poller checkpoint", "poller", name, "value", cp.LastPollTime)
		return time.Time{}
	}
	return t
}

func (s *Scheduler) saveCheckpoint(ctx context.Context, name string, at time.Time) {
	cp := checkpoint{LastPollTime: at.UTC().Format(time.RFC3339)}
	if _, err := s.config.Set(ctx, store.PollerCheckpointKey(name), cp, types.SystemActor); err != nil {
		s.logger.Error("save poller checkpoint", "poller", name, "error", err)
	}
}
