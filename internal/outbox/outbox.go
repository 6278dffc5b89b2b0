// Package outbox manages optimistic sends: every outgoing message gets a
// tempId immediately, and the manager retries behind the scenes until the
// gateway confirms it or attempts run out.
package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/KLOUTZINMODZ/zenithchat/internal/bus"
	"github.com/KLOUTZINMODZ/zenithchat/internal/metrics"
	"github.com/KLOUTZINMODZ/zenithchat/internal/model"
	"github.com/KLOUTZINMODZ/zenithchat/internal/transport"
)

// Sender is the transport surface the outbox needs.
type Sender interface {
	SendMessage(ctx context.Context, conversationID, tempID, content, msgType string) error
}

// Options configures retry behavior. Zero values fall back to defaults.
type Options struct {
	SelfID      string
	AckTimeout  time.Duration
	RetryBase   time.Duration
	RetryCap    time.Duration
	MaxAttempts int
}

func (o *Options) fill() {
	if o.AckTimeout <= 0 {
		o.AckTimeout = 10 * time.Second
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 2 * time.Second
	}
	if o.RetryCap <= 0 {
		o.RetryCap = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
}

// StatusUpdate is published under outbox.status as a send progresses.
type StatusUpdate struct {
	TempID         string               `json:"tempId"`
	ConversationID string               `json:"conversationId"`
	Status         model.DeliveryStatus `json:"status"`
	Attempt        int                  `json:"attempt"`
	Reason         string               `json:"reason,omitempty"`
}

type entry struct {
	send       model.PendingSend
	ackTimer   *time.Timer
	retryTimer *time.Timer
}

type Manager struct {
	opts    Options
	sender  Sender
	bus     *bus.Bus
	log     *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	pending map[string]*entry

	unsubscribe func()
	done        chan struct{}
}

func NewManager(opts Options, sender Sender, b *bus.Bus, log *zap.Logger, m *metrics.Metrics) *Manager {
	opts.fill()
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		opts:    opts,
		sender:  sender,
		bus:     b,
		log:     log,
		metrics: m,
		pending: make(map[string]*entry),
		done:    make(chan struct{}),
	}
}

// Start subscribes to gateway confirmations and transport failures.
func (m *Manager) Start(ctx context.Context) {
	ch, unsub := m.bus.Subscribe("", 64)
	m.unsubscribe = unsub
	go func() {
		for {
			select {
			case evt := <-ch:
				switch evt.Kind {
				case bus.KindGatewayMessageSent:
					if sent, ok := evt.Payload.(transport.MessageSentEvent); ok {
						m.Ack(sent.TempID)
					}
				case bus.KindTransportSendFailed:
					if fail, ok := evt.Payload.(transport.SendFailure); ok {
						m.fail(ctx, fail.TempID, fail.Reason)
					}
				}
			case <-m.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels timers and the bus subscription. In-flight sends are
// abandoned; the server may still confirm them on the next session via
// offline recovery.
func (m *Manager) Stop() {
	close(m.done)
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	m.mu.Lock()
	for _, e := range m.pending {
		stopTimers(e)
	}
	m.pending = make(map[string]*entry)
	m.mu.Unlock()
}

// Send mints a tempId, writes the message out and returns the optimistic
// record for immediate display. The returned message is already in the
// "sending" state; later transitions arrive as outbox.status events.
func (m *Manager) Send(ctx context.Context, conversationID, content, msgType string) model.Message {
	if msgType == "" {
		msgType = "text"
	}
	tempID := "temp_" + ulid.Make().String()
	now := time.Now().UTC()

	e := &entry{send: model.PendingSend{
		TempID:         tempID,
		ConversationID: conversationID,
		Content:        content,
		Type:           msgType,
		Attempt:        1,
	}}
	m.mu.Lock()
	m.pending[tempID] = e
	m.armAckLocked(ctx, e)
	m.mu.Unlock()

	m.publish(e, model.StatusSending, "")
	m.transmit(ctx, e)

	return model.Message{
		TempID:         tempID,
		ConversationID: conversationID,
		SenderID:       m.opts.SelfID,
		Content:        content,
		Type:           msgType,
		CreatedAt:      now,
		Status:         model.StatusSending,
		IsOwn:          true,
	}
}

// Ack marks a send confirmed and forgets it.
func (m *Manager) Ack(tempID string) {
	m.mu.Lock()
	e, ok := m.pending[tempID]
	if ok {
		stopTimers(e)
		delete(m.pending, tempID)
	}
	m.mu.Unlock()
	if ok {
		m.publish(e, model.StatusSent, "")
	}
}

// Retry restarts a failed send on user request. The attempt counter goes
// back to 1 and any scheduled automatic retry is discarded.
func (m *Manager) Retry(ctx context.Context, tempID, conversationID, content, msgType string) {
	if msgType == "" {
		msgType = "text"
	}
	m.mu.Lock()
	if old, ok := m.pending[tempID]; ok {
		stopTimers(old)
	}
	e := &entry{send: model.PendingSend{
		TempID:         tempID,
		ConversationID: conversationID,
		Content:        content,
		Type:           msgType,
		Attempt:        1,
	}}
	m.pending[tempID] = e
	m.armAckLocked(ctx, e)
	m.mu.Unlock()

	m.publish(e, model.StatusSending, "")
	m.transmit(ctx, e)
}

// Pending lists sends still awaiting confirmation.
func (m *Manager) Pending() []model.PendingSend {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.PendingSend, 0, len(m.pending))
	for _, e := range m.pending {
		out = append(out, e.send)
	}
	return out
}

// fail handles a failed attempt: schedule a backed-off retry, or give up
// once attempts are exhausted.
func (m *Manager) fail(ctx context.Context, tempID, reason string) {
	m.mu.Lock()
	e, ok := m.pending[tempID]
	if !ok {
		m.mu.Unlock()
		return
	}
	stopTimers(e)

	if e.send.Attempt >= m.opts.MaxAttempts {
		delete(m.pending, tempID)
		m.mu.Unlock()
		m.log.Warn("send failed permanently",
			zap.String("tempId", tempID), zap.Int("attempts", e.send.Attempt), zap.String("reason", reason))
		if m.metrics != nil {
			m.metrics.SendFailures.Inc()
		}
		m.publish(e, model.StatusFailed, reason)
		return
	}

	delay := retryDelay(m.opts.RetryBase, m.opts.RetryCap, e.send.Attempt)
	e.send.Attempt++
	e.send.ScheduledAt = time.Now().Add(delay)
	e.retryTimer = time.AfterFunc(delay, func() { m.resend(ctx, tempID) })
	m.mu.Unlock()

	m.log.Info("send retry scheduled",
		zap.String("tempId", tempID), zap.Int("attempt", e.send.Attempt), zap.Duration("delay", delay))
}

func (m *Manager) resend(ctx context.Context, tempID string) {
	m.mu.Lock()
	e, ok := m.pending[tempID]
	if !ok {
		m.mu.Unlock()
		return
	}
	e.retryTimer = nil
	m.armAckLocked(ctx, e)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SendRetries.Inc()
	}
	m.publish(e, model.StatusSending, "")
	m.transmit(ctx, e)
}

func (m *Manager) transmit(ctx context.Context, e *entry) {
	err := m.sender.SendMessage(ctx, e.send.ConversationID, e.send.TempID, e.send.Content, e.send.Type)
	if err != nil {
		// The transport publishes the failure on the bus; the retry path
		// picks it up there.
		m.log.Debug("send write failed", zap.String("tempId", e.send.TempID), zap.Error(err))
	}
}

func (m *Manager) armAckLocked(ctx context.Context, e *entry) {
	if e.ackTimer != nil {
		e.ackTimer.Stop()
	}
	tempID := e.send.TempID
	e.ackTimer = time.AfterFunc(m.opts.AckTimeout, func() {
		m.fail(ctx, tempID, "confirmation timeout")
	})
}

func (m *Manager) publish(e *entry, status model.DeliveryStatus, reason string) {
	m.bus.Emit(bus.KindOutboxStatus, StatusUpdate{
		TempID:         e.send.TempID,
		ConversationID: e.send.ConversationID,
		Status:         status,
		Attempt:        e.send.Attempt,
		Reason:         reason,
	})
}

// retryDelay doubles per attempt from base, capped at limit.
func retryDelay(base, limit time.Duration, attempt int) time.Duration {
	d := base << uint(attempt-1)
	if d > limit || d <= 0 {
		return limit
	}
	return d
}

func stopTimers(e *entry) {
	if e.ackTimer != nil {
		e.ackTimer.Stop()
		e.ackTimer = nil
	}
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
}
