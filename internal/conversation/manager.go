// Package conversation orchestrates the engine: it folds gateway events,
// cache contents and optimistic sends into per-conversation state and
// publishes chat.* events when anything visible changes.
package conversation

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/KLOUTZINMODZ/zenithchat/internal/bus"
	"github.com/KLOUTZINMODZ/zenithchat/internal/cache"
	"github.com/KLOUTZINMODZ/zenithchat/internal/metrics"
	"github.com/KLOUTZINMODZ/zenithchat/internal/model"
	"github.com/KLOUTZINMODZ/zenithchat/internal/outbox"
	"github.com/KLOUTZINMODZ/zenithchat/internal/reconcile"
	"github.com/KLOUTZINMODZ/zenithchat/internal/status"
	"github.com/KLOUTZINMODZ/zenithchat/internal/transport"
	"github.com/KLOUTZINMODZ/zenithchat/internal/typing"
)

// Phase is a conversation's lifecycle within the session.
type Phase string

const (
	PhaseInactive Phase = "inactive"
	PhaseLoading  Phase = "loading"
	PhaseActive   Phase = "active"
)

// Transport is the socket surface the manager drives.
type Transport interface {
	Connected() bool
	MarkMessagesAsRead(ctx context.Context, conversationID string, messageIDs ...string) error
	SendTyping(ctx context.Context, conversationID string, typing bool) error
	RequestHistory(ctx context.Context, conversationID string, limit int) error
	RequestConversations(ctx context.Context) error
	AckMessages(ctx context.Context, conversationID string, messageIDs []string) error
}

// History is the HTTP fallback used while the socket is down.
type History interface {
	Conversations(ctx context.Context) ([]model.RawConversation, error)
	Messages(ctx context.Context, conversationID string, limit int, before string) ([]model.RawMessage, error)
	SendMessage(ctx context.Context, conversationID, tempID, content, msgType string) (model.RawMessage, error)
}

// Outbox is the optimistic send pipeline.
type Outbox interface {
	Send(ctx context.Context, conversationID, content, msgType string) model.Message
	Retry(ctx context.Context, tempID, conversationID, content, msgType string)
}

// Params wires the manager's collaborators.
type Params struct {
	SelfID       string
	HistoryLimit int
	CacheTTL     time.Duration

	Bus       *bus.Bus
	Cache     *cache.Store
	Transport Transport
	Outbox    Outbox
	Typing    *typing.Tracker
	History   History
	Machine   *status.Machine
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

type convState struct {
	conv     model.Conversation
	messages []model.Message
	phase    Phase
}

// Manager is safe for concurrent use. Bus events are folded in by a
// single goroutine; the public methods lock alongside it.
type Manager struct {
	p   Params
	log *zap.Logger

	mu         sync.RWMutex
	convs      map[string]*convState
	activeID   string
	lastActive string

	done   chan struct{}
	unsubs []func()
}

func NewManager(p Params) *Manager {
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if p.HistoryLimit <= 0 {
		p.HistoryLimit = 50
	}
	if p.CacheTTL <= 0 {
		p.CacheTTL = 5 * time.Minute
	}
	return &Manager{
		p:     p,
		log:   p.Logger,
		convs: make(map[string]*convState),
		done:  make(chan struct{}),
	}
}

// sessionState is the per-user snapshot persisted under the session key
// so a restart can pick up where the user left off.
type sessionState struct {
	UserID    string    `json:"userId"`
	ActiveID  string    `json:"activeId,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Start hydrates the conversation list and session from cache and begins
// draining the bus.
func (m *Manager) Start(ctx context.Context) {
	var sess sessionState
	if m.p.Cache.GetJSON(ctx, cache.SessionKey(m.p.SelfID), &sess) {
		m.mu.Lock()
		m.lastActive = sess.ActiveID
		m.mu.Unlock()
	}

	var cached []model.Conversation
	if m.p.Cache.GetJSON(ctx, cache.ConversationsKey(m.p.SelfID), &cached) {
		m.mu.Lock()
		for _, c := range cached {
			m.convs[c.ID] = &convState{conv: c, phase: PhaseInactive}
		}
		m.mu.Unlock()
		m.log.Info("conversation list hydrated from cache", zap.Int("count", len(cached)))
	} else if m.p.History != nil {
		// Cold start with no cache: bootstrap the list over HTTP so the
		// user sees conversations before the socket comes up.
		go func() {
			raws, err := m.p.History.Conversations(ctx)
			if err != nil {
				m.log.Warn("conversation list bootstrap failed", zap.Error(err))
				return
			}
			m.applyConversations(raws)
		}()
	}

	gatewayCh, unsub1 := m.p.Bus.Subscribe("gateway.", 128)
	transportCh, unsub2 := m.p.Bus.Subscribe("transport.", 32)
	outboxCh, unsub3 := m.p.Bus.Subscribe("outbox.", 64)
	m.unsubs = []func(){unsub1, unsub2, unsub3}

	go func() {
		for {
			select {
			case evt := <-gatewayCh:
				m.handleGateway(ctx, evt)
			case evt := <-transportCh:
				m.handleTransport(ctx, evt)
			case evt := <-outboxCh:
				m.handleOutbox(evt)
			case <-m.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop detaches from the bus.
func (m *Manager) Stop() {
	close(m.done)
	for _, unsub := range m.unsubs {
		unsub()
	}
}

func (m *Manager) handleGateway(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case bus.KindGatewayMessage:
		p, ok := evt.Payload.(transport.MessageNewEvent)
		if !ok {
			return
		}
		convID := firstNonEmpty(p.Message.ConversationID, p.Message.AltConvID)
		if convID == "" {
			m.log.Warn("dropping message without conversation id")
			return
		}
		m.applyIncoming(ctx, convID, []model.RawMessage{p.Message}, true, false)
	case bus.KindGatewayMessageSent:
		p, ok := evt.Payload.(transport.MessageSentEvent)
		if !ok {
			return
		}
		raw := p.Message
		if raw.TempID == "" {
			raw.TempID = p.TempID
		}
		convID := firstNonEmpty(raw.ConversationID, raw.AltConvID)
		if convID == "" {
			return
		}
		m.applyIncoming(ctx, convID, []model.RawMessage{raw}, false, false)
	case bus.KindGatewayMessageRead:
		if p, ok := evt.Payload.(transport.MessageReadEvent); ok {
			m.applyRead(p)
		}
	case bus.KindGatewayTyping:
		p, ok := evt.Payload.(transport.TypingEvent)
		if !ok || p.UserID == m.p.SelfID {
			return
		}
		m.p.Typing.SetTyping(p.ConversationID, p.UserID, p.Typing)
	case bus.KindGatewayOfflineBatch:
		if p, ok := evt.Payload.(transport.OfflineBatchEvent); ok {
			m.applyIncoming(ctx, p.ConversationID, p.Messages, true, true)
		}
	case bus.KindGatewayConversations:
		if p, ok := evt.Payload.(transport.ConversationListEvent); ok {
			m.applyConversations(p.Conversations)
		}
	}
}

func (m *Manager) handleTransport(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case bus.KindTransportConnected:
		if err := m.p.Machine.Transition(status.Online); err != nil {
			m.log.Debug("connectivity transition skipped", zap.Error(err))
		}
		if err := m.p.Transport.RequestConversations(ctx); err != nil {
			m.log.Warn("conversation list request failed", zap.Error(err))
		}
		if active := m.ActiveID(); active != "" {
			if err := m.p.Transport.RequestHistory(ctx, active, m.p.HistoryLimit); err != nil {
				m.log.Warn("history request failed", zap.String("conversation", active), zap.Error(err))
			}
		}
	case bus.KindTransportDisconnected:
		if err := m.p.Machine.Transition(status.Reconnecting); err != nil {
			m.log.Debug("connectivity transition skipped", zap.Error(err))
		}
	case bus.KindTransportError:
		if p, ok := evt.Payload.(transport.ErrorEvent); ok && p.Code == "reconnect_exhausted" {
			if err := m.p.Machine.Transition(status.Failed); err != nil {
				m.log.Debug("connectivity transition skipped", zap.Error(err))
			}
		}
	}
}

func (m *Manager) handleOutbox(evt bus.Event) {
	up, ok := evt.Payload.(outbox.StatusUpdate)
	if !ok {
		return
	}
	m.mu.Lock()
	st := m.convs[up.ConversationID]
	changed := false
	if st != nil {
		for i := range st.messages {
			msg := &st.messages[i]
			if msg.TempID != up.TempID || msg.Confirmed() {
				continue
			}
			if msg.Status != up.Status {
				msg.Status = up.Status
				changed = true
			}
			break
		}
	}
	m.mu.Unlock()

	if changed {
		m.persistMessages(up.ConversationID)
		m.p.Bus.Emit(bus.KindChatUpdated, up.ConversationID)
	}
}

// applyIncoming merges raw messages into a conversation, maintains unread
// counts, persists the result and acks offline deliveries when asked.
func (m *Manager) applyIncoming(ctx context.Context, convID string, raws []model.RawMessage, countUnread, ack bool) {
	m.mu.Lock()
	st := m.ensureLocked(convID)

	known := make(map[string]struct{}, len(st.messages))
	for _, msg := range st.messages {
		if msg.ID != "" {
			known[msg.ID] = struct{}{}
		}
	}

	merged, dropped := reconcile.Merge(st.messages, raws, m.p.SelfID)
	st.messages = merged

	fresh := 0
	for _, msg := range merged {
		if msg.ID == "" || msg.IsOwn {
			continue
		}
		if _, ok := known[msg.ID]; !ok {
			fresh++
		}
	}

	active := m.activeID == convID
	if countUnread && fresh > 0 && !active {
		st.conv.UnreadCount += fresh
	}
	if n := len(merged); n > 0 {
		last := merged[n-1]
		st.conv.LastMessage = &last
		if last.CreatedAt.After(st.conv.UpdatedAt) {
			st.conv.UpdatedAt = last.CreatedAt
		}
	}
	m.mu.Unlock()

	if m.p.Metrics != nil {
		m.p.Metrics.MessagesMerged.Add(float64(len(raws) - dropped))
		m.p.Metrics.MessagesDropped.Add(float64(dropped))
	}
	if dropped > 0 {
		m.log.Warn("dropped malformed messages",
			zap.String("conversation", convID), zap.Int("count", dropped))
	}

	if active && fresh > 0 {
		// The open conversation is read by definition; tell the server
		// instead of counting.
		if err := m.p.Transport.MarkMessagesAsRead(ctx, convID); err != nil {
			m.log.Debug("read receipt failed", zap.Error(err))
		}
	}
	if ack {
		ids := make([]string, 0, len(raws))
		for _, r := range raws {
			if id := firstNonEmpty(r.ID, r.AltID); id != "" {
				ids = append(ids, id)
			}
		}
		if err := m.p.Transport.AckMessages(ctx, convID, ids); err != nil {
			m.log.Warn("offline batch ack failed", zap.Error(err))
		}
	}

	m.persistMessages(convID)
	m.p.Bus.Emit(bus.KindChatUpdated, convID)
}

func (m *Manager) applyRead(evt transport.MessageReadEvent) {
	ids := make(map[string]struct{}, len(evt.MessageIDs))
	for _, id := range evt.MessageIDs {
		ids[id] = struct{}{}
	}

	m.mu.Lock()
	st := m.convs[evt.ConversationID]
	changed := false
	if st != nil {
		for i := range st.messages {
			msg := &st.messages[i]
			if !msg.IsOwn {
				continue
			}
			if len(ids) > 0 {
				if _, ok := ids[msg.ID]; !ok {
					continue
				}
			}
			if msg.Status.Rank() < model.StatusRead.Rank() {
				msg.Status = model.StatusRead
				changed = true
			}
			if evt.ReaderID != "" && !contains(msg.ReadBy, evt.ReaderID) {
				msg.ReadBy = append(msg.ReadBy, evt.ReaderID)
				sort.Strings(msg.ReadBy)
				changed = true
			}
		}
	}
	m.mu.Unlock()

	if changed {
		m.persistMessages(evt.ConversationID)
		m.p.Bus.Emit(bus.KindChatUpdated, evt.ConversationID)
	}
}

func (m *Manager) applyConversations(raws []model.RawConversation) {
	m.mu.Lock()
	for _, raw := range raws {
		c, ok := model.NormalizeConversation(raw, m.p.SelfID)
		if !ok {
			continue
		}
		st := m.convs[c.ID]
		if st == nil {
			if c.ID == m.activeID {
				c.UnreadCount = 0
			}
			m.convs[c.ID] = &convState{conv: c, phase: PhaseInactive}
			continue
		}
		st.conv.Title = c.Title
		st.conv.Participants = c.Participants
		if c.UpdatedAt.After(st.conv.UpdatedAt) {
			st.conv.UpdatedAt = c.UpdatedAt
		}
		if st.conv.LastMessage == nil {
			st.conv.LastMessage = c.LastMessage
		}
		// Local message state is fresher than the server's unread count;
		// only adopt it for conversations never touched this session.
		if len(st.messages) == 0 && c.ID != m.activeID {
			st.conv.UnreadCount = c.UnreadCount
		}
	}
	list := m.conversationsLocked()
	m.mu.Unlock()

	// Server snapshots go through the freshness guard: a live locally
	// written list must not be clobbered by a slower server copy.
	if _, err := m.p.Cache.SyncJSON(cache.ConversationsKey(m.p.SelfID), list, m.p.CacheTTL); err != nil {
		m.log.Warn("persisting conversation list failed", zap.Error(err))
	}
	m.p.Bus.Emit(bus.KindChatUpdated, "")
}

// Open activates a conversation: hydrate from cache, clear unread, report
// the read position and refresh history from the network.
func (m *Manager) Open(ctx context.Context, convID string) {
	m.mu.Lock()
	if prev := m.convs[m.activeID]; prev != nil && m.activeID != convID {
		prev.phase = PhaseInactive
	}
	m.activeID = convID
	m.lastActive = convID
	st := m.ensureLocked(convID)
	st.phase = PhaseLoading
	m.mu.Unlock()
	m.persistSession()
	m.p.Bus.Emit(bus.KindChatUpdated, convID)

	if len(m.Messages(convID)) == 0 {
		var cached []model.Message
		if m.p.Cache.GetJSON(ctx, cache.MessagesKey(convID), &cached) {
			m.mu.Lock()
			if len(st.messages) == 0 {
				st.messages = cached
			}
			m.mu.Unlock()
			m.log.Debug("messages hydrated from cache",
				zap.String("conversation", convID), zap.Int("count", len(cached)))
		}
	}

	m.mu.Lock()
	st.phase = PhaseActive
	st.conv.UnreadCount = 0
	m.mu.Unlock()

	if err := m.p.Transport.MarkMessagesAsRead(ctx, convID); err != nil {
		m.log.Debug("read receipt failed", zap.Error(err))
	}

	if m.p.Transport.Connected() {
		if err := m.p.Transport.RequestHistory(ctx, convID, m.p.HistoryLimit); err != nil {
			m.log.Warn("history request failed", zap.String("conversation", convID), zap.Error(err))
		}
	} else if m.p.History != nil {
		go m.fetchHistoryOverHTTP(ctx, convID)
	}

	m.p.Bus.Emit(bus.KindChatUpdated, convID)
}

func (m *Manager) fetchHistoryOverHTTP(ctx context.Context, convID string) {
	raws, err := m.p.History.Messages(ctx, convID, m.p.HistoryLimit, "")
	if err != nil {
		m.log.Warn("history fallback failed", zap.String("conversation", convID), zap.Error(err))
		return
	}
	m.applyIncoming(ctx, convID, raws, false, false)
}

// Send dispatches an optimistic message and returns it for display.
func (m *Manager) Send(ctx context.Context, convID, content, msgType string) model.Message {
	msg := m.p.Outbox.Send(ctx, convID, content, msgType)

	m.mu.Lock()
	st := m.ensureLocked(convID)
	st.messages = append(st.messages, msg)
	st.conv.LastMessage = &msg
	if msg.CreatedAt.After(st.conv.UpdatedAt) {
		st.conv.UpdatedAt = msg.CreatedAt
	}
	m.mu.Unlock()

	m.persistMessages(convID)
	m.p.Bus.Emit(bus.KindChatUpdated, convID)
	return msg
}

// RetryMessage restarts a failed optimistic send.
func (m *Manager) RetryMessage(ctx context.Context, tempID string) bool {
	m.mu.Lock()
	var convID, content, msgType string
	for id, st := range m.convs {
		for i := range st.messages {
			msg := &st.messages[i]
			if msg.TempID == tempID && !msg.Confirmed() {
				convID, content, msgType = id, msg.Content, msg.Type
				msg.Status = model.StatusSending
				break
			}
		}
		if convID != "" {
			break
		}
	}
	m.mu.Unlock()

	if convID == "" {
		return false
	}
	if !m.p.Transport.Connected() && m.p.History != nil {
		// Socket is down; resend over HTTP instead of queueing a write
		// that cannot leave the machine.
		go m.resendOverHTTP(ctx, convID, tempID, content, msgType)
	} else {
		m.p.Outbox.Retry(ctx, tempID, convID, content, msgType)
	}
	m.persistMessages(convID)
	m.p.Bus.Emit(bus.KindChatUpdated, convID)
	return true
}

// resendOverHTTP pushes a failed optimistic send through the REST API and
// folds the confirmed message back into the timeline.
func (m *Manager) resendOverHTTP(ctx context.Context, convID, tempID, content, msgType string) {
	if m.p.Metrics != nil {
		m.p.Metrics.SendRetries.Inc()
	}
	raw, err := m.p.History.SendMessage(ctx, convID, tempID, content, msgType)
	if err != nil {
		m.log.Warn("http resend failed", zap.String("tempId", tempID), zap.Error(err))
		if m.p.Metrics != nil {
			m.p.Metrics.SendFailures.Inc()
		}
		m.mu.Lock()
		if st := m.convs[convID]; st != nil {
			for i := range st.messages {
				msg := &st.messages[i]
				if msg.TempID == tempID && !msg.Confirmed() {
					msg.Status = model.StatusFailed
					break
				}
			}
		}
		m.mu.Unlock()
		m.persistMessages(convID)
		m.p.Bus.Emit(bus.KindChatUpdated, convID)
		return
	}
	if raw.TempID == "" {
		raw.TempID = tempID
	}
	m.applyIncoming(ctx, convID, []model.RawMessage{raw}, false, false)
}

// MarkRead clears the unread count and reports the read position.
func (m *Manager) MarkRead(ctx context.Context, convID string) {
	m.mu.Lock()
	st := m.ensureLocked(convID)
	st.conv.UnreadCount = 0
	m.mu.Unlock()

	if err := m.p.Transport.MarkMessagesAsRead(ctx, convID); err != nil {
		m.log.Debug("read receipt failed", zap.Error(err))
	}
	m.p.Bus.Emit(bus.KindChatUpdated, convID)
}

// SetTyping reports the local user's typing state to the gateway.
func (m *Manager) SetTyping(ctx context.Context, convID string, isTyping bool) {
	if err := m.p.Transport.SendTyping(ctx, convID, isTyping); err != nil {
		m.log.Debug("typing signal failed", zap.Error(err))
	}
}

// ActiveID returns the currently open conversation, if any.
func (m *Manager) ActiveID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeID
}

// Messages returns a copy of a conversation's timeline.
func (m *Manager) Messages(convID string) []model.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := m.convs[convID]
	if st == nil {
		return nil
	}
	out := make([]model.Message, len(st.messages))
	copy(out, st.messages)
	return out
}

// ConversationView is one conversation in a snapshot.
type ConversationView struct {
	model.Conversation
	Phase  Phase    `json:"phase"`
	Typing []string `json:"typing,omitempty"`
}

// View is a full engine snapshot for the control API.
type View struct {
	Connectivity  status.State       `json:"connectivity"`
	Connected     bool               `json:"connected"`
	ActiveID      string             `json:"activeId,omitempty"`
	LastActiveID  string             `json:"lastActiveId,omitempty"`
	Conversations []ConversationView `json:"conversations"`
}

// Snapshot returns the engine state, conversations ordered most recent
// first.
func (m *Manager) Snapshot() View {
	m.mu.RLock()
	list := make([]ConversationView, 0, len(m.convs))
	for _, st := range m.convs {
		list = append(list, ConversationView{
			Conversation: st.conv,
			Phase:        st.phase,
			Typing:       m.p.Typing.TypingUsers(st.conv.ID),
		})
	}
	active := m.activeID
	lastActive := m.lastActive
	m.mu.RUnlock()

	sort.SliceStable(list, func(i, j int) bool {
		return list[i].UpdatedAt.After(list[j].UpdatedAt)
	})
	return View{
		Connectivity:  m.p.Machine.Current(),
		Connected:     m.p.Machine.Connected(),
		ActiveID:      active,
		LastActiveID:  lastActive,
		Conversations: list,
	}
}

func (m *Manager) ensureLocked(convID string) *convState {
	st := m.convs[convID]
	if st == nil {
		st = &convState{conv: model.Conversation{ID: convID}, phase: PhaseInactive}
		m.convs[convID] = st
	}
	return st
}

func (m *Manager) conversationsLocked() []model.Conversation {
	out := make([]model.Conversation, 0, len(m.convs))
	for _, st := range m.convs {
		out = append(out, st.conv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}

// persistSession stores the session snapshot with no TTL; it outlives
// restarts until the next Open replaces it.
func (m *Manager) persistSession() {
	snap := sessionState{
		UserID:    m.p.SelfID,
		ActiveID:  m.ActiveID(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := m.p.Cache.SetJSON(cache.SessionKey(m.p.SelfID), snap, 0, cache.SourceLocal); err != nil {
		m.log.Warn("persisting session failed", zap.Error(err))
	}
}

func (m *Manager) persistMessages(convID string) {
	msgs := m.Messages(convID)
	if err := m.p.Cache.SetJSON(cache.MessagesKey(convID), msgs, m.p.CacheTTL, cache.SourceLocal); err != nil {
		m.log.Warn("persisting messages failed", zap.String("conversation", convID), zap.Error(err))
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
