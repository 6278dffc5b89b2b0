package transport

import (
	"encoding/json"
	"fmt"

	"github.com/KLOUTZINMODZ/zenithchat/internal/model"
)

// Gateway event types (server to client).
const (
	evtConnected     = "connected"
	evtMessageNew    = "message:new"
	evtMessageSent   = "message:sent"
	evtMessageRead   = "message:read"
	evtTyping        = "user:typing"
	evtStoppedTyping = "user:stopped_typing"
	evtPending       = "message:pending"
	evtOfflineBatch  = "message:offline_batch"
	evtConversations = "conversation:list"
	evtPong          = "pong"
	evtError         = "error"
)

// Gateway command types (client to server).
const (
	cmdSendMessage   = "sendMessage"
	cmdMarkRead      = "markMessagesAsRead"
	cmdTyping        = "sendTypingIndicator"
	cmdHistory       = "getMessageHistory"
	cmdConversations = "getConversations"
	cmdAck           = "message:ack"
	cmdPing          = "ping"
)

// Envelope is the framing every gateway message uses in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func encodeEnvelope(typ string, payload any) ([]byte, error) {
	env := Envelope{Type: typ}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", typ, err)
		}
		env.Payload = data
	}
	return json.Marshal(env)
}

// Decoded event payloads, published on the bus under gateway.* kinds.

type MessageNewEvent struct {
	Message model.RawMessage `json:"message"`
}

type MessageSentEvent struct {
	TempID  string           `json:"tempId"`
	Message model.RawMessage `json:"message"`
}

type MessageReadEvent struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
	ReaderID       string   `json:"userId"`
}

type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Typing         bool   `json:"typing"`
}

type OfflineBatchEvent struct {
	ConversationID string             `json:"conversationId"`
	Messages       []model.RawMessage `json:"messages"`
}

type ConversationListEvent struct {
	Conversations []model.RawConversation `json:"conversations"`
}

type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TempID  string `json:"tempId,omitempty"`
}

// SendFailure is published under transport.send_failed when an outgoing
// message could not be written or was rejected by the server.
type SendFailure struct {
	ConversationID string `json:"conversationId"`
	TempID         string `json:"tempId"`
	Reason         string `json:"reason"`
}

// Command payloads.

type sendMessagePayload struct {
	ConversationID string `json:"conversationId"`
	TempID         string `json:"tempId"`
	Content        string `json:"content"`
	Type           string `json:"type"`
}

type markReadPayload struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds,omitempty"`
}

type typingPayload struct {
	ConversationID string `json:"conversationId"`
	Typing         bool   `json:"typing"`
}

type historyPayload struct {
	ConversationID string `json:"conversationId"`
	Limit          int    `json:"limit,omitempty"`
	Before         string `json:"before,omitempty"`
}

type ackPayload struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
	Type           string   `json:"type"`
}

// ConnectionError marks the socket unusable until an explicit reconnect.
type ConnectionError struct {
	Reason string
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway connection: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("gateway connection: %s", e.Reason)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
