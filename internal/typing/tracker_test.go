package typing

import (
	"testing"
	"time"

	"github.com/KLOUTZINMODZ/zenithchat/internal/bus"
)

func TestIndicatorExpires(t *testing.T) {
	tr := NewTracker(50*time.Millisecond, nil)
	defer tr.Close()

	tr.SetTyping("c_1", "u_2", true)
	if got := tr.TypingUsers("c_1"); len(got) != 1 || got[0] != "u_2" {
		t.Fatalf("typing users = %v", got)
	}

	time.Sleep(120 * time.Millisecond)
	if got := tr.TypingUsers("c_1"); got != nil {
		t.Errorf("indicator did not expire: %v", got)
	}
}

func TestRepeatSignalResetsWindow(t *testing.T) {
	tr := NewTracker(80*time.Millisecond, nil)
	defer tr.Close()

	tr.SetTyping("c_1", "u_2", true)
	time.Sleep(50 * time.Millisecond)
	tr.SetTyping("c_1", "u_2", true)
	time.Sleep(50 * time.Millisecond)

	// 100ms after the first signal, but only 50ms after the reset.
	if got := tr.TypingUsers("c_1"); len(got) != 1 {
		t.Errorf("indicator expired despite reset: %v", got)
	}
}

func TestExplicitStop(t *testing.T) {
	tr := NewTracker(time.Hour, nil)
	defer tr.Close()

	tr.SetTyping("c_1", "u_2", true)
	tr.SetTyping("c_1", "u_2", false)
	if got := tr.TypingUsers("c_1"); got != nil {
		t.Errorf("typing users = %v after stop", got)
	}
}

func TestUsersSortedPerConversation(t *testing.T) {
	tr := NewTracker(time.Hour, nil)
	defer tr.Close()

	tr.SetTyping("c_1", "u_b", true)
	tr.SetTyping("c_1", "u_a", true)
	tr.SetTyping("c_2", "u_c", true)

	got := tr.TypingUsers("c_1")
	if len(got) != 2 || got[0] != "u_a" || got[1] != "u_b" {
		t.Errorf("c_1 users = %v", got)
	}
	if got := tr.TypingUsers("c_2"); len(got) != 1 || got[0] != "u_c" {
		t.Errorf("c_2 users = %v", got)
	}
}

func TestChangesArePublished(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(bus.KindChatTypingChanged, 10)
	defer unsub()

	tr := NewTracker(50*time.Millisecond, b)
	defer tr.Close()

	tr.SetTyping("c_1", "u_2", true)
	select {
	case evt := <-ch:
		up := evt.Payload.(Update)
		if up.ConversationID != "c_1" || len(up.Users) != 1 {
			t.Errorf("update = %+v", up)
		}
	case <-time.After(time.Second):
		t.Fatal("no update for typing start")
	}

	// Expiry publishes an empty set.
	select {
	case evt := <-ch:
		up := evt.Payload.(Update)
		if len(up.Users) != 0 {
			t.Errorf("update after expiry = %+v", up)
		}
	case <-time.After(time.Second):
		t.Fatal("no update for typing expiry")
	}
}

func TestRepeatSignalDoesNotRepublish(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(bus.KindChatTypingChanged, 10)
	defer unsub()

	tr := NewTracker(time.Hour, b)
	defer tr.Close()

	tr.SetTyping("c_1", "u_2", true)
	<-ch
	tr.SetTyping("c_1", "u_2", true)

	select {
	case evt := <-ch:
		t.Errorf("unchanged set republished: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}
