package model

import "time"

// DeliveryStatus tracks how far a message has progressed toward the
// recipient. Values are ordered; Rank reports the ordering.
type DeliveryStatus string

const (
	StatusSending   DeliveryStatus = "sending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

// Rank orders delivery states so a merge can keep the most advanced one.
// Failed ranks lowest: any server-confirmed state supersedes it.
func (s DeliveryStatus) Rank() int {
	switch s {
	case StatusFailed:
		return 0
	case StatusSending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead:
		return 4
	default:
		return 1
	}
}

// Message is the canonical client-side message record.
type Message struct {
	ID             string         `json:"id,omitempty"`
	TempID         string         `json:"tempId,omitempty"`
	ConversationID string         `json:"conversationId"`
	SenderID       string         `json:"senderId"`
	Content        string         `json:"content"`
	Type           string         `json:"type,omitempty"`
	Attachments    []Attachment   `json:"attachments,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	Status         DeliveryStatus `json:"status"`
	ReadBy         []string       `json:"readBy,omitempty"`
	IsOwn          bool           `json:"isOwn,omitempty"`
}

// Attachment is a media reference carried by a message.
type Attachment struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
	Mime string `json:"mime,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// Confirmed reports whether the server has assigned this message a
// canonical id.
func (m *Message) Confirmed() bool { return m.ID != "" }

// PendingSend is an optimistic message awaiting server confirmation.
type PendingSend struct {
	TempID         string
	ConversationID string
	Content        string
	Type           string
	Attempt        int
	ScheduledAt    time.Time
}
