package model

import (
	"encoding/json"
	"time"
)

// RawMessage mirrors the heterogeneous message shapes the gateway and the
// REST API emit. The same logical field arrives under several names
// depending on the endpoint, so normalization happens here, once, instead
// of at every consumer.
type RawMessage struct {
	ID             string          `json:"id,omitempty"`
	AltID          string          `json:"_id,omitempty"`
	TempID         string          `json:"tempId,omitempty"`
	ConversationID string          `json:"conversationId,omitempty"`
	AltConvID      string          `json:"conversation,omitempty"`
	SenderID       string          `json:"senderId,omitempty"`
	Sender         json.RawMessage `json:"sender,omitempty"`
	Content        string          `json:"content,omitempty"`
	AltContent     string          `json:"message,omitempty"`
	Type           string          `json:"type,omitempty"`
	Attachments    []Attachment    `json:"attachments,omitempty"`
	CreatedAt      string          `json:"createdAt,omitempty"`
	Timestamp      int64           `json:"timestamp,omitempty"`
	Status         string          `json:"status,omitempty"`
	ReadBy         []string        `json:"readBy,omitempty"`
}

// rawSender covers the two shapes "sender" arrives in: a bare id string or
// an object carrying one.
type rawSender struct {
	ID    string `json:"id,omitempty"`
	AltID string `json:"_id,omitempty"`
}

// Normalize converts a raw payload into a canonical Message. It reports
// false when the payload carries neither content nor attachments; such
// items are dropped by callers.
func Normalize(r RawMessage, selfID string) (Message, bool) {
	m := Message{
		ID:             firstNonEmpty(r.ID, r.AltID),
		TempID:         r.TempID,
		ConversationID: firstNonEmpty(r.ConversationID, r.AltConvID),
		Content:        firstNonEmpty(r.Content, r.AltContent),
		Type:           r.Type,
		Attachments:    r.Attachments,
		ReadBy:         r.ReadBy,
	}
	if m.Type == "" {
		m.Type = "text"
	}
	if m.Content == "" && len(m.Attachments) == 0 {
		return Message{}, false
	}

	m.SenderID = r.SenderID
	if m.SenderID == "" && len(r.Sender) > 0 {
		var s rawSender
		if err := json.Unmarshal(r.Sender, &s); err == nil {
			m.SenderID = firstNonEmpty(s.ID, s.AltID)
		} else {
			var id string
			if json.Unmarshal(r.Sender, &id) == nil {
				m.SenderID = id
			}
		}
	}
	m.IsOwn = selfID != "" && m.SenderID == selfID

	m.CreatedAt = parseCreatedAt(r)

	m.Status = DeliveryStatus(r.Status)
	switch m.Status {
	case StatusSending, StatusSent, StatusDelivered, StatusRead, StatusFailed:
	default:
		if m.Confirmed() {
			m.Status = StatusSent
		} else {
			m.Status = StatusSending
		}
	}
	return m, true
}

// parseCreatedAt accepts RFC 3339 strings and unix-millisecond integers.
// An unparseable or absent timestamp yields the zero time so merge output
// stays deterministic rather than depending on arrival wall-clock.
func parseCreatedAt(r RawMessage) time.Time {
	if r.CreatedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, r.CreatedAt); err == nil {
			return t.UTC()
		}
		if t, err := time.Parse(time.RFC3339, r.CreatedAt); err == nil {
			return t.UTC()
		}
	}
	if r.Timestamp > 0 {
		return time.UnixMilli(r.Timestamp).UTC()
	}
	return time.Time{}
}

// RawConversation mirrors the conversation shapes of the gateway and REST
// list endpoints.
type RawConversation struct {
	ID           string      `json:"id,omitempty"`
	AltID        string      `json:"_id,omitempty"`
	Title        string      `json:"title,omitempty"`
	Participants []string    `json:"participants,omitempty"`
	LastMessage  *RawMessage `json:"lastMessage,omitempty"`
	UnreadCount  int         `json:"unreadCount,omitempty"`
	UpdatedAt    string      `json:"updatedAt,omitempty"`
}

// NormalizeConversation converts a raw conversation, reporting false when
// it carries no id at all.
func NormalizeConversation(r RawConversation, selfID string) (Conversation, bool) {
	id := firstNonEmpty(r.ID, r.AltID)
	if id == "" {
		return Conversation{}, false
	}
	c := Conversation{
		ID:           id,
		Title:        r.Title,
		Participants: r.Participants,
		UnreadCount:  r.UnreadCount,
	}
	if r.UpdatedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, r.UpdatedAt); err == nil {
			c.UpdatedAt = t.UTC()
		}
	}
	if r.LastMessage != nil {
		if m, ok := Normalize(*r.LastMessage, selfID); ok {
			c.LastMessage = &m
			if c.UpdatedAt.IsZero() {
				c.UpdatedAt = m.CreatedAt
			}
		}
	}
	return c, true
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
