// Package ws maintains the exchange user-data stream: it opens a listen
// key, keeps the websocket alive, and feeds every frame through the mapper
// into the event log. The connection is self-healing; disconnects reconnect
// with exponential backoff and each transition is recorded as a lifecycle
// event. Dedup keys make the replay after a reconnect harmless.
package ws

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"alpha-engine/internal/store"
	"alpha-engine/pkg/types"
)

const (
	// The server pings roughly every 3 minutes; a silent connection past
	// this window is dead.
	readTimeout  = 5 * time.Minute
	writeTimeout = 10 * time.Second

	// Listen keys expire after 60 minutes without a keepalive.
	keepAliveInterval = 30 * time.Minute

	initialReconnectWait = time.Second
	maxReconnectWait     = 30 * time.Second
)

// State is the listener's connection state.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateReconnecting State = "RECONNECTING"
	StateStopped      State = "STOPPED"
)

// StreamAPI is the listen-key slice of the REST client.
type StreamAPI interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context) error
	CloseListenKey(ctx context.Context) error
}

// Listener owns one user-data stream connection.
type Listener struct {
	api     StreamAPI
	mapper  *Mapper
	events  *store.EventStore
	scope   types.Scope
	baseURL string // e.g. wss://fstream.binance.com
	logger  *slog.Logger

	mu    sync.Mutex
	state State
	conn  *websocket.Conn
}

func NewListener(api StreamAPI, mapper *Mapper, events *store.EventStore, scope types.Scope, baseURL string, logger *slog.Logger) *Listener {
	return &Listener{
		api:     api,
		mapper:  mapper,
		events:  events,
		scope:   scope,
		baseURL: baseURL,
		logger:  logger.With("component", "ws"),
		state:   StateDisconnected,
	}
}

// State returns the current connection state.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Listener) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Run connects and reads until ctx is cancelled. Every drop reconnects
// with exponential backoff; Run only returns the context's error.
func (l *Listener) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialReconnectWait
	bo.MaxInterval = maxReconnectWait

	attempt := 0
	for {
		if attempt == 0 {
			l.setState(StateConnecting)
		} else {
			l.setState(StateReconnecting)
		}

		err := l.connectAndRead(ctx, attempt, bo)
		if ctx.Err() != nil {
			l.setState(StateStopped)
			l.recordLifecycle(context.WithoutCancel(ctx), types.EventWsDisconnected, attempt, "shutdown")
			return ctx.Err()
		}

		reason := "connection dropped"
		if err != nil {
			reason = err.Error()
		}
		l.setState(StateDisconnected)
		l.recordLifecycle(ctx, types.EventWsDisconnected, attempt, reason)

		attempt++
		wait := bo.NextBackOff()
		l.logger.Warn("stream down, reconnecting",
			"attempt", attempt, "wait", wait, "reason", reason)
		select {
		case <-ctx.Done():
			l.setState(StateStopped)
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// connectAndRead opens a listen key, dials, and reads frames until the
// connection drops or ctx is cancelled.
func (l *Listener) connectAndRead(ctx context.Context, attempt int, bo *backoff.ExponentialBackOff) error {
	listenKey, err := l.api.CreateListenKey(ctx)
	if err != nil {
		return fmt.Errorf("create listen key: %w", err)
	}

	url := l.baseURL + "/ws/" + listenKey
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", l.baseURL, err)
	}

	l.mu.Lock()
	l.conn = conn
	l.state = StateConnected
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.conn = nil
		l.mu.Unlock()
		conn.Close()
		// Best effort; the key times out on its own anyway.
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := l.api.CloseListenKey(closeCtx); err != nil {
			l.logger.Debug("close listen key", "error", err)
		}
	}()

	eventType := types.EventWsConnected
	if attempt > 0 {
		eventType = types.EventWsReconnected
	}
	l.recordLifecycle(ctx, eventType, attempt, "")
	l.logger.Info("stream connected", "attempt", attempt)
	bo.Reset()

	// The server's ping is our liveness signal: answer it and push the
	// read deadline out.
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
	})

	connCtx, cancelConn := context.WithCancel(ctx)
	defer cancelConn()
	go l.keepAliveLoop(connCtx)
	go func() {
		// ReadMessage does not watch ctx; closing the conn unblocks it.
		<-connCtx.Done()
		conn.Close()
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := l.mapper.HandleFrame(ctx, data); err != nil {
			return err
		}
	}
}

// keepAliveLoop refreshes the listen key for the lifetime of one connection.
func (l *Listener) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.api.KeepAliveListenKey(ctx); err != nil {
				l.logger.Error("listen key keepalive failed", "error", err)
			} else {
				l.logger.Debug("listen key refreshed")
			}
		}
	}
}

// lifecycleNames maps event types to the key segment used for dedup.
var lifecycleNames = map[types.EventType]string{
	types.EventWsConnected:    "connected",
	types.EventWsDisconnected: "disconnected",
	types.EventWsReconnected:  "reconnected",
}

func (l *Listener) recordLifecycle(ctx context.Context, et types.EventType, attempt int, reason string) {
	ev := &types.Event{
		EventType:  et,
		Source:     types.SourceWebsocket,
		EntityKind: types.EntityEngine,
		EntityID:   "websocket",
		Scope:      l.scope,
		DedupKey:   types.WsLifecycleDedupKey(l.scope, lifecycleNames[et], time.Now().UnixMilli()),
		Payload: mustMarshal(types.WsLifecyclePayload{
			State:   string(l.State()),
			Attempt: attempt,
			Reason:  reason,
		}),
	}
	if _, err := l.events.Append(ctx, ev); err != nil {
		l.logger.Error("record lifecycle event", "event_type", et, "error", err)
	}
}
