// Package typing tracks which users are typing in which conversation.
// Indicators expire on their own; a repeated signal resets the window
// instead of stacking a second timer.
package typing

import (
	"sort"
	"sync"
	"time"

	"github.com/KLOUTZINMODZ/zenithchat/internal/bus"
)

const defaultWindow = 5 * time.Second

// Update is the payload published under chat.typing_changed whenever a
// conversation's set of typing users changes.
type Update struct {
	ConversationID string   `json:"conversationId"`
	Users          []string `json:"users"`
}

type Tracker struct {
	mu     sync.Mutex
	window time.Duration
	convs  map[string]map[string]*time.Timer
	bus    *bus.Bus
	closed bool
}

func NewTracker(window time.Duration, b *bus.Bus) *Tracker {
	if window <= 0 {
		window = defaultWindow
	}
	return &Tracker{
		window: window,
		convs:  make(map[string]map[string]*time.Timer),
		bus:    b,
	}
}

// SetTyping records that user is typing (or stopped) in the conversation.
// A fresh typing signal for an already-typing user restarts the expiry
// window.
func (t *Tracker) SetTyping(conversationID, userID string, typing bool) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	users := t.convs[conversationID]
	changed := false

	if typing {
		if users == nil {
			users = make(map[string]*time.Timer)
			t.convs[conversationID] = users
		}
		if timer, ok := users[userID]; ok {
			timer.Reset(t.window)
		} else {
			users[userID] = time.AfterFunc(t.window, func() {
				t.expire(conversationID, userID)
			})
			changed = true
		}
	} else if users != nil {
		if timer, ok := users[userID]; ok {
			timer.Stop()
			delete(users, userID)
			if len(users) == 0 {
				delete(t.convs, conversationID)
			}
			changed = true
		}
	}
	t.mu.Unlock()

	if changed {
		t.publish(conversationID)
	}
}

func (t *Tracker) expire(conversationID, userID string) {
	t.mu.Lock()
	users := t.convs[conversationID]
	if users == nil {
		t.mu.Unlock()
		return
	}
	if _, ok := users[userID]; !ok {
		t.mu.Unlock()
		return
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(t.convs, conversationID)
	}
	t.mu.Unlock()

	t.publish(conversationID)
}

// TypingUsers returns the users currently typing, sorted for stable
// presentation.
func (t *Tracker) TypingUsers(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	users := t.convs[conversationID]
	if len(users) == 0 {
		return nil
	}
	out := make([]string, 0, len(users))
	for u := range users {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

func (t *Tracker) publish(conversationID string) {
	if t.bus == nil {
		return
	}
	t.bus.Emit(bus.KindChatTypingChanged, Update{
		ConversationID: conversationID,
		Users:          t.TypingUsers(conversationID),
	})
}

// Close stops every pending expiry timer.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for _, users := range t.convs {
		for _, timer := range users {
			timer.Stop()
		}
	}
	t.convs = make(map[string]map[string]*time.Timer)
}
