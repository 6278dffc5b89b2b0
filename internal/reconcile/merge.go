// Package reconcile merges message lists from the cache, the gateway and
// the REST API into a single deduplicated, ordered timeline. Merge is a
// pure function: same inputs, same output, no clock reads.
package reconcile

import (
	"fmt"
	"sort"

	"github.com/KLOUTZINMODZ/zenithchat/internal/model"
)

// Merge folds incoming raw payloads into an existing timeline. It returns
// the merged list ordered by creation time (ties keep insertion order) and
// the count of payloads dropped as malformed.
//
// Duplicate detection uses the strongest key available on each message:
// server id, then tempId, then a content fingerprint bucketed to 2 seconds
// for messages carrying neither.
func Merge(existing []model.Message, incoming []model.RawMessage, selfID string) ([]model.Message, int) {
	out := make([]model.Message, 0, len(existing)+len(incoming))
	index := make(map[string]int)
	dropped := 0

	add := func(m model.Message) {
		at := -1
		for _, k := range matchKeys(m) {
			if i, ok := index[k]; ok {
				at = i
				break
			}
		}
		if at < 0 {
			out = append(out, m)
			at = len(out) - 1
		} else {
			out[at] = resolve(out[at], m)
		}
		for _, k := range matchKeys(out[at]) {
			index[k] = at
		}
	}

	for _, m := range existing {
		add(m)
	}
	for _, r := range incoming {
		m, ok := model.Normalize(r, selfID)
		if !ok {
			dropped++
			continue
		}
		add(m)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, dropped
}

// matchKeys lists the identity keys a message answers to, strongest first.
// The fingerprint applies only to messages with no id of either kind.
func matchKeys(m model.Message) []string {
	var keys []string
	if m.ID != "" {
		keys = append(keys, "id:"+m.ID)
	}
	if m.TempID != "" {
		keys = append(keys, "tmp:"+m.TempID)
	}
	if len(keys) == 0 {
		keys = append(keys, fingerprint(m))
	}
	return keys
}

func fingerprint(m model.Message) string {
	return fmt.Sprintf("fp:%s|%s|%d", m.SenderID, m.Content, m.CreatedAt.Unix()/2)
}

// resolve collapses two records of the same message. A server-confirmed
// record wins over an optimistic one; otherwise the record already in the
// timeline wins. Fields absent on the winner are carried over from the
// loser, and delivery status keeps the most advanced value except that
// confirmation clears a failed mark.
func resolve(cur, in model.Message) model.Message {
	winner, loser := cur, in
	if !cur.Confirmed() && in.Confirmed() {
		winner, loser = in, cur
	}

	if winner.ID == "" {
		winner.ID = loser.ID
	}
	if winner.TempID == "" {
		winner.TempID = loser.TempID
	}
	if winner.ConversationID == "" {
		winner.ConversationID = loser.ConversationID
	}
	if winner.SenderID == "" {
		winner.SenderID = loser.SenderID
	}
	if winner.Content == "" {
		winner.Content = loser.Content
	}
	if winner.CreatedAt.IsZero() {
		winner.CreatedAt = loser.CreatedAt
	}
	if len(winner.Attachments) == 0 {
		winner.Attachments = loser.Attachments
	}

	if loser.Status.Rank() > winner.Status.Rank() {
		winner.Status = loser.Status
	}
	if winner.Confirmed() && winner.Status == model.StatusFailed {
		winner.Status = model.StatusSent
	}

	winner.ReadBy = unionSorted(winner.ReadBy, loser.ReadBy)
	winner.IsOwn = winner.IsOwn || loser.IsOwn
	return winner
}

func unionSorted(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, s := range a {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	for _, s := range b {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
