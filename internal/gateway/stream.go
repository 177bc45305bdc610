package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/aristath/foliosync/internal/events"
	"github.com/aristath/foliosync/pkg/logger"
)

const (
	writeWait   = 10 * time.Second
	dialTimeout = 30 * time.Second

	baseReconnectDelay = 5 * time.Second
	maxReconnectDelay  = 5 * time.Minute

	// Events queued per subscription before the oldest are dropped. The
	// reconciler re-reads the whole collection per event, so a dropped
	// event is recovered by the next one.
	subscriptionBuffer = 16
)

// streamFrame is the wire shape of both subscribe requests and change events.
type streamFrame struct {
	Action string          `json:"action,omitempty"`
	Table  string          `json:"table,omitempty"`
	Filter string          `json:"filter,omitempty"`
	Event  EventType       `json:"eventType,omitempty"`
	Row    json.RawMessage `json:"row,omitempty"`
}

// streamSub is one active table subscription.
type streamSub struct {
	table       string
	portfolioID string
	ch          chan ChangeEvent
	cancelled   bool
}

// StreamClient maintains the websocket connection to the remote store's
// change feed and fans events out to per-table subscriptions. It reconnects
// with exponential backoff and emits ConnectivityChanged on the event bus
// when the link drops or recovers.
type StreamClient struct {
	url        string
	httpClient *http.Client
	conn       *websocket.Conn
	connCtx    context.Context
	cancelFunc context.CancelFunc
	mu         sync.Mutex

	subs map[string]*streamSub // keyed by table; one subscription per table

	bus *events.Bus
	log zerolog.Logger

	connected    bool
	reconnecting bool
	stopChan     chan struct{}
	stopped      bool
}

// createHTTP1Client creates an HTTP client that forces HTTP/1.1.
// Hosted backends behind Cloudflare negotiate HTTP/2 via TLS ALPN, but the
// websocket upgrade handshake requires HTTP/1.1.
func createHTTP1Client() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2: false,
		},
	}
}

// NewStreamClient creates a realtime stream client.
func NewStreamClient(url string, bus *events.Bus, log zerolog.Logger) *StreamClient {
	return &StreamClient{
		url:        url,
		httpClient: createHTTP1Client(),
		subs:       make(map[string]*streamSub),
		bus:        bus,
		log:        logger.Component(log, "stream_client"),
		stopChan:   make(chan struct{}),
	}
}

// Start establishes the connection and begins the read loop. A failed
// initial connection is not fatal; the reconnect loop keeps trying in the
// background while the engine serves cached data.
func (sc *StreamClient) Start() error {
	sc.log.Info().Msg("Starting realtime stream client")

	if err := sc.connect(); err != nil {
		sc.log.Warn().Err(err).Msg("Initial stream connection failed, will retry in background")
		go sc.reconnectLoop()
		return err
	}

	sc.mu.Lock()
	ctx := sc.connCtx
	sc.mu.Unlock()
	go sc.readMessages(ctx)

	return nil
}

// Stop gracefully shuts down the connection and all subscriptions.
func (sc *StreamClient) Stop() error {
	sc.mu.Lock()
	if sc.stopped {
		sc.mu.Unlock()
		return nil
	}
	sc.stopped = true
	for _, sub := range sc.subs {
		if !sub.cancelled {
			sub.cancelled = true
			close(sub.ch)
		}
	}
	sc.subs = make(map[string]*streamSub)
	sc.mu.Unlock()

	sc.log.Info().Msg("Stopping realtime stream client")
	close(sc.stopChan)
	return sc.disconnect()
}

// Subscribe opens a change-event stream for one table filtered to one
// portfolio. An existing subscription for the same table is cancelled first,
// so exactly one subscription per table is active at any time.
func (sc *StreamClient) Subscribe(ctx context.Context, table, portfolioID string) (*Subscription, error) {
	sc.mu.Lock()
	if sc.stopped {
		sc.mu.Unlock()
		return nil, fmt.Errorf("stream client is stopped")
	}

	if prev, ok := sc.subs[table]; ok && !prev.cancelled {
		prev.cancelled = true
		close(prev.ch)
		sc.log.Warn().Str("table", table).Msg("Replacing existing subscription for table")
	}

	sub := &streamSub{
		table:       table,
		portfolioID: portfolioID,
		ch:          make(chan ChangeEvent, subscriptionBuffer),
	}
	sc.subs[table] = sub
	conn := sc.conn
	connCtx := sc.connCtx
	sc.mu.Unlock()

	// Best effort: if the link is down the subscribe frame is re-sent on
	// reconnect from the registered subscription set.
	if conn != nil {
		if err := sc.sendSubscribe(connCtx, conn, sub); err != nil {
			sc.log.Warn().Err(err).Str("table", table).Msg("Subscribe frame failed, will re-send on reconnect")
		}
	}

	cancel := func() { sc.cancelSubscription(sub) }
	return NewSubscription(sub.ch, cancel), nil
}

func (sc *StreamClient) cancelSubscription(sub *streamSub) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sub.cancelled {
		return
	}
	sub.cancelled = true
	close(sub.ch)
	if current, ok := sc.subs[sub.table]; ok && current == sub {
		delete(sc.subs, sub.table)
	}

	sc.log.Debug().
		Str("table", sub.table).
		Str("portfolio_id", sub.portfolioID).
		Msg("Subscription cancelled")
}

// connect dials the websocket and re-sends subscribe frames for every
// registered subscription.
func (sc *StreamClient) connect() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	sc.log.Info().Str("url", sc.url).Msg("Connecting to change stream")

	dialCtx, dialCancel := context.WithTimeout(context.Background(), dialTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, sc.url, &websocket.DialOptions{
		HTTPClient: sc.httpClient,
	})
	if err != nil {
		return fmt.Errorf("failed to dial stream: %w", err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	sc.conn = conn
	sc.connCtx = connCtx
	sc.cancelFunc = connCancel
	sc.connected = true

	for _, sub := range sc.subs {
		if sub.cancelled {
			continue
		}
		if err := sc.sendSubscribe(connCtx, conn, sub); err != nil {
			connCancel()
			conn.Close(websocket.StatusNormalClosure, "subscribe failed")
			sc.conn = nil
			sc.connCtx = nil
			sc.cancelFunc = nil
			sc.connected = false
			return fmt.Errorf("failed to subscribe to %s: %w", sub.table, err)
		}
	}

	sc.log.Info().Msg("Connected to change stream")
	return nil
}

func (sc *StreamClient) disconnect() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.conn == nil {
		return nil
	}

	if sc.cancelFunc != nil {
		sc.cancelFunc()
		sc.cancelFunc = nil
	}

	err := sc.conn.Close(websocket.StatusNormalClosure, "")
	sc.conn = nil
	sc.connCtx = nil
	sc.connected = false

	if err != nil {
		return fmt.Errorf("error closing stream: %w", err)
	}
	return nil
}

// sendSubscribe writes one subscribe frame on the given connection. The
// caller passes the connection it captured under the lock; re-reading
// sc.conn here would race the reconnect loop.
func (sc *StreamClient) sendSubscribe(ctx context.Context, conn *websocket.Conn, sub *streamSub) error {
	frame := streamFrame{
		Action: "subscribe",
		Table:  sub.table,
		Filter: "portfolio_id=eq." + sub.portfolioID,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal subscribe frame: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()

	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to send subscribe frame: %w", err)
	}

	sc.log.Debug().Str("table", sub.table).Str("portfolio_id", sub.portfolioID).Msg("Subscribe frame sent")
	return nil
}

// readMessages consumes frames until the connection dies, then hands off to
// the reconnect loop.
func (sc *StreamClient) readMessages(ctx context.Context) {
	defer func() {
		sc.log.Info().Msg("Stream read loop stopped")
		sc.mu.Lock()
		stopped := sc.stopped
		sc.connected = false
		sc.mu.Unlock()
		if !stopped {
			sc.emitConnectivity(false)
			go sc.reconnectLoop()
		}
	}()

	for {
		select {
		case <-sc.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		sc.mu.Lock()
		conn := sc.conn
		sc.mu.Unlock()
		if conn == nil {
			return
		}

		msgType, message, err := conn.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway {
				sc.log.Info().Int("status", int(closeStatus)).Msg("Stream closed normally")
			} else if ctx.Err() != nil {
				sc.log.Debug().Msg("Stream read cancelled by context")
			} else {
				sc.log.Error().Err(err).Msg("Unexpected stream read error")
			}
			return
		}

		if msgType != websocket.MessageText {
			continue
		}

		if err := sc.handleMessage(message); err != nil {
			sc.log.Error().Err(err).Str("message", string(message)).Msg("Failed to handle stream message")
			// Keep reading despite parse errors.
		}
	}
}

// handleMessage dispatches one change event to its table's subscription.
func (sc *StreamClient) handleMessage(message []byte) error {
	var frame streamFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		return fmt.Errorf("failed to parse stream frame: %w", err)
	}
	if frame.Table == "" || frame.Event == "" {
		// Heartbeats and acks carry no table/event.
		return nil
	}

	event := ChangeEvent{
		Type:  frame.Event,
		Table: frame.Table,
		Row:   frame.Row,
	}

	sc.mu.Lock()
	sub, ok := sc.subs[frame.Table]
	if !ok || sub.cancelled {
		sc.mu.Unlock()
		sc.log.Debug().Str("table", frame.Table).Msg("Event for unsubscribed table ignored")
		return nil
	}

	select {
	case sub.ch <- event:
	default:
		// Consumer is behind; the next event triggers the same full re-read.
		sc.log.Warn().Str("table", frame.Table).Msg("Subscription buffer full, event dropped")
	}
	sc.mu.Unlock()

	return nil
}

// reconnectLoop retries the connection with exponential backoff, forever,
// until the client is stopped.
func (sc *StreamClient) reconnectLoop() {
	sc.mu.Lock()
	if sc.reconnecting || sc.stopped {
		sc.mu.Unlock()
		return
	}
	sc.reconnecting = true
	sc.mu.Unlock()

	defer func() {
		sc.mu.Lock()
		sc.reconnecting = false
		sc.mu.Unlock()
	}()

	attempt := 0
	for {
		select {
		case <-sc.stopChan:
			return
		default:
		}

		attempt++
		delay := sc.calculateBackoff(attempt)
		sc.log.Info().
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Attempting stream reconnect")

		select {
		case <-time.After(delay):
		case <-sc.stopChan:
			return
		}

		if err := sc.connect(); err != nil {
			sc.log.Error().Err(err).Int("attempt", attempt).Msg("Stream reconnect failed")
			continue
		}

		sc.log.Info().Int("attempt", attempt).Msg("Stream reconnected")
		sc.emitConnectivity(true)

		sc.mu.Lock()
		ctx := sc.connCtx
		sc.mu.Unlock()
		go sc.readMessages(ctx)
		return
	}
}

func (sc *StreamClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(baseReconnectDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxReconnectDelay) {
		delay = float64(maxReconnectDelay)
	}
	return time.Duration(delay)
}

// emitConnectivity publishes link state changes. The synchronizer's drain
// trigger and the offline notice both hang off this event.
func (sc *StreamClient) emitConnectivity(online bool) {
	if sc.bus == nil {
		return
	}
	sc.bus.Emit(events.ConnectivityChanged, "stream_client", map[string]interface{}{
		"online": online,
	})
}

// IsConnected returns current connection status.
func (sc *StreamClient) IsConnected() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.connected
}
