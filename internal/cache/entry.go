package cache

import (
	"encoding/json"
	"time"
)

// Source records which side of the wire produced an entry's data.
type Source string

const (
	SourceLocal  Source = "local"
	SourceServer Source = "server"
	SourceSync   Source = "sync"
)

// Entry is one cached value plus the bookkeeping needed for TTL checks,
// eviction ordering and staleness comparison.
type Entry struct {
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	TTL       time.Duration   `json:"ttl"`
	Version   string          `json:"version"`
	Source    Source          `json:"source"`
}

// Expired reports whether the entry's TTL has elapsed at the given time.
// A zero TTL never expires.
func (e Entry) Expired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return now.After(e.Timestamp.Add(e.TTL))
}

// Key builders for the engine's cache namespaces.

func MessagesKey(conversationID string) string { return "messages:" + conversationID }

func ConversationsKey(userID string) string { return "conversations:" + userID }

func SessionKey(userID string) string { return "session:" + userID }
