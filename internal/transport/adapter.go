// Package transport owns the single websocket to the chat gateway. It
// decodes server events onto the bus, writes client commands, and keeps
// the connection alive with heartbeats and capped exponential reconnects.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/KLOUTZINMODZ/zenithchat/internal/bus"
	"github.com/KLOUTZINMODZ/zenithchat/internal/metrics"
)

type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
)

// Options configures the adapter. Zero durations fall back to defaults.
type Options struct {
	URL   string
	Token string

	HandshakeTimeout time.Duration
	HeartbeatEvery   time.Duration
	ReconnectBase    time.Duration
	ReconnectCap     time.Duration
	MaxReconnects    int
}

func (o *Options) fill() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.HeartbeatEvery <= 0 {
		o.HeartbeatEvery = 25 * time.Second
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = time.Second
	}
	if o.ReconnectCap <= 0 {
		o.ReconnectCap = 30 * time.Second
	}
	if o.MaxReconnects <= 0 {
		o.MaxReconnects = 8
	}
}

// Adapter is safe for concurrent use. All server traffic surfaces as bus
// events; commands are explicit methods.
type Adapter struct {
	opts    Options
	bus     *bus.Bus
	log     *zap.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	state      connState
	conn       *websocket.Conn
	attempt    int
	retryTimer *time.Timer
	baseCtx    context.Context
	closed     bool
	pongSeen   bool
}

func NewAdapter(opts Options, b *bus.Bus, log *zap.Logger, m *metrics.Metrics) *Adapter {
	opts.fill()
	if log == nil {
		log = zap.NewNop()
	}
	return &Adapter{opts: opts, bus: b, log: log, metrics: m}
}

// Connect establishes the websocket and completes the gateway handshake.
// Calling it while a connection exists or is being established is a no-op,
// and calling it after Disconnect reopens the adapter. A failed explicit
// Connect returns its error without scheduling retries; only drops on an
// established connection enter the reconnect chain. The context outlives
// the call: it bounds the connection's lifetime and any reconnect attempts
// scheduled from it.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	a.closed = false
	a.attempt = 0
	a.mu.Unlock()
	return a.connect(ctx, false)
}

func (a *Adapter) connect(ctx context.Context, retrying bool) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return &ConnectionError{Reason: "adapter closed"}
	}
	if a.state != stateDisconnected {
		a.mu.Unlock()
		return nil
	}
	a.state = stateConnecting
	a.baseCtx = ctx
	a.mu.Unlock()

	conn, err := a.dial(ctx)
	if err != nil {
		a.mu.Lock()
		a.state = stateDisconnected
		a.mu.Unlock()
		if retrying {
			a.scheduleReconnect()
		}
		return err
	}

	a.mu.Lock()
	a.conn = conn
	a.state = stateConnected
	a.attempt = 0
	a.pongSeen = false
	a.mu.Unlock()

	a.log.Info("gateway connected", zap.String("url", a.opts.URL))
	if a.metrics != nil {
		a.metrics.Connected.Set(1)
	}
	a.bus.Emit(bus.KindTransportConnected, nil)

	go a.readLoop(ctx, conn)
	go a.heartbeatLoop(ctx, conn)
	return nil
}

func (a *Adapter) dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, a.opts.HandshakeTimeout)
	defer cancel()

	header := http.Header{}
	if a.opts.Token != "" {
		header.Set("Authorization", "Bearer "+a.opts.Token)
	}
	conn, _, err := websocket.Dial(dctx, a.opts.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, &ConnectionError{Reason: "dial failed", Err: err}
	}

	// The gateway confirms the session with a "connected" frame before any
	// traffic. Anything else means the handshake failed.
	_, data, err := conn.Read(dctx)
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, "handshake read failed")
		return nil, &ConnectionError{Reason: "handshake read failed", Err: err}
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != evtConnected {
		conn.Close(websocket.StatusPolicyViolation, "bad handshake")
		return nil, &ConnectionError{Reason: fmt.Sprintf("unexpected handshake frame %q", env.Type)}
	}
	return conn, nil
}

// Disconnect closes the socket and cancels any scheduled reconnect. A
// fresh Connect reopens the adapter.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	a.closed = true
	if a.retryTimer != nil {
		a.retryTimer.Stop()
		a.retryTimer = nil
	}
	conn := a.conn
	a.conn = nil
	a.state = stateDisconnected
	a.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client shutdown")
	}
	if a.metrics != nil {
		a.metrics.Connected.Set(0)
	}
}

// Connected reports whether the socket is currently usable.
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == stateConnected
}

func (a *Adapter) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			a.handleReadError(conn, err)
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			a.log.Warn("dropping malformed gateway frame", zap.Error(err))
			continue
		}
		a.dispatch(env)
	}
}

func (a *Adapter) handleReadError(conn *websocket.Conn, err error) {
	a.mu.Lock()
	// A stale read loop from a connection that was already replaced must
	// not tear down its successor.
	if a.closed || a.conn != conn {
		a.mu.Unlock()
		return
	}
	a.conn = nil
	a.state = stateDisconnected
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.Connected.Set(0)
	}
	a.bus.Emit(bus.KindTransportDisconnected, nil)

	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		a.log.Info("gateway closed the connection")
		return
	}
	a.log.Warn("gateway connection lost", zap.Error(err))
	a.scheduleReconnect()
}

func (a *Adapter) dispatch(env Envelope) {
	decode := func(v any) bool {
		if err := json.Unmarshal(env.Payload, v); err != nil {
			a.log.Warn("dropping malformed gateway payload",
				zap.String("type", env.Type), zap.Error(err))
			return false
		}
		return true
	}

	switch env.Type {
	case evtMessageNew:
		var evt MessageNewEvent
		// message:new arrives as the bare message object.
		if decode(&evt.Message) {
			a.bus.Emit(bus.KindGatewayMessage, evt)
		}
	case evtMessageSent:
		var evt MessageSentEvent
		if decode(&evt) {
			a.bus.Emit(bus.KindGatewayMessageSent, evt)
		}
	case evtMessageRead:
		var evt MessageReadEvent
		if decode(&evt) {
			a.bus.Emit(bus.KindGatewayMessageRead, evt)
		}
	case evtTyping, evtStoppedTyping:
		var evt TypingEvent
		if decode(&evt) {
			evt.Typing = env.Type == evtTyping
			a.bus.Emit(bus.KindGatewayTyping, evt)
		}
	case evtPending, evtOfflineBatch:
		var evt OfflineBatchEvent
		if decode(&evt) {
			a.bus.Emit(bus.KindGatewayOfflineBatch, evt)
		}
	case evtConversations:
		var evt ConversationListEvent
		if decode(&evt) {
			a.bus.Emit(bus.KindGatewayConversations, evt)
		}
	case evtPong:
		a.mu.Lock()
		a.pongSeen = true
		a.mu.Unlock()
	case evtError:
		var evt ErrorEvent
		if decode(&evt) {
			if evt.TempID != "" {
				a.bus.Emit(bus.KindTransportSendFailed, SendFailure{
					TempID: evt.TempID,
					Reason: evt.Message,
				})
			} else {
				a.bus.Emit(bus.KindTransportError, evt)
			}
		}
	case evtConnected:
		// Duplicate handshake frames carry nothing new.
	default:
		a.log.Debug("ignoring unknown gateway event", zap.String("type", env.Type))
	}
}

// heartbeatLoop pings on an interval. A missing pong is logged but not
// treated as a dead connection; the read loop detects real failures.
func (a *Adapter) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(a.opts.HeartbeatEvery)
	defer ticker.Stop()
	pinged := false
	for {
		select {
		case <-ticker.C:
			a.mu.Lock()
			if a.conn != conn {
				a.mu.Unlock()
				return
			}
			seen := a.pongSeen
			a.pongSeen = false
			a.mu.Unlock()

			if pinged && !seen {
				a.log.Warn("no pong since last heartbeat")
			}
			if err := a.write(ctx, cmdPing, nil); err != nil {
				a.log.Warn("heartbeat write failed", zap.Error(err))
				return
			}
			pinged = true
		case <-ctx.Done():
			return
		}
	}
}

func (a *Adapter) scheduleReconnect() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.attempt++
	attempt := a.attempt
	ctx := a.baseCtx
	if attempt > a.opts.MaxReconnects {
		a.mu.Unlock()
		a.log.Error("reconnect attempts exhausted", zap.Int("attempts", attempt-1))
		a.bus.Emit(bus.KindTransportError, ErrorEvent{
			Code:    "reconnect_exhausted",
			Message: "gateway unreachable after maximum reconnect attempts",
		})
		return
	}
	delay := backoffDelay(a.opts.ReconnectBase, a.opts.ReconnectCap, attempt)
	a.retryTimer = time.AfterFunc(delay, func() {
		if err := a.connect(ctx, true); err != nil {
			a.log.Warn("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		}
	})
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.Reconnects.Inc()
	}
	a.log.Info("reconnect scheduled", zap.Int("attempt", attempt), zap.Duration("delay", delay))
}

// backoffDelay doubles from base per attempt up to limit, plus jitter so
// clients dropped together do not redial together.
func backoffDelay(base, limit time.Duration, attempt int) time.Duration {
	d := base << uint(attempt-1)
	if d > limit || d <= 0 {
		d = limit
	}
	return d + time.Duration(rand.Int63n(int64(250*time.Millisecond)))
}

func (a *Adapter) write(ctx context.Context, typ string, payload any) error {
	a.mu.Lock()
	conn := a.conn
	connected := a.state == stateConnected
	a.mu.Unlock()

	if !connected || conn == nil {
		return &ConnectionError{Reason: "not connected"}
	}
	data, err := encodeEnvelope(typ, payload)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("writing %s: %w", typ, err)
	}
	return nil
}

// SendMessage writes an optimistic message to the gateway. Failures are
// also published as transport.send_failed so the retry pipeline sees them
// without polling.
func (a *Adapter) SendMessage(ctx context.Context, conversationID, tempID, content, msgType string) error {
	err := a.write(ctx, cmdSendMessage, sendMessagePayload{
		ConversationID: conversationID,
		TempID:         tempID,
		Content:        content,
		Type:           msgType,
	})
	if err != nil {
		a.bus.Emit(bus.KindTransportSendFailed, SendFailure{
			ConversationID: conversationID,
			TempID:         tempID,
			Reason:         err.Error(),
		})
	}
	return err
}

// MarkMessagesAsRead reports messages as read; with no ids the whole
// conversation is meant.
func (a *Adapter) MarkMessagesAsRead(ctx context.Context, conversationID string, messageIDs ...string) error {
	return a.write(ctx, cmdMarkRead, markReadPayload{
		ConversationID: conversationID,
		MessageIDs:     messageIDs,
	})
}

// SendTyping reports the local user's typing state.
func (a *Adapter) SendTyping(ctx context.Context, conversationID string, typing bool) error {
	return a.write(ctx, cmdTyping, typingPayload{ConversationID: conversationID, Typing: typing})
}

// RequestHistory asks for recent messages; the response arrives as an
// offline-batch event.
func (a *Adapter) RequestHistory(ctx context.Context, conversationID string, limit int) error {
	return a.write(ctx, cmdHistory, historyPayload{ConversationID: conversationID, Limit: limit})
}

// RequestConversations asks for the conversation list.
func (a *Adapter) RequestConversations(ctx context.Context) error {
	return a.write(ctx, cmdConversations, nil)
}

// AckMessages confirms receipt of offline-recovered messages so the
// server stops replaying them.
func (a *Adapter) AckMessages(ctx context.Context, conversationID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	return a.write(ctx, cmdAck, ackPayload{
		ConversationID: conversationID,
		MessageIDs:     messageIDs,
		Type:           "offline_batch",
	})
}
