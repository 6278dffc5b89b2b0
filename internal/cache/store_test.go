package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/KLOUTZINMODZ/zenithchat/internal/cache/persist"
)

type clock struct {
	t time.Time
}

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *clock {
	return &clock{t: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)}
}

func TestTTLBoundary(t *testing.T) {
	ck := newClock()
	s := New(Options{Now: ck.now})

	ttl := 300000 * time.Millisecond
	s.Set("messages:c_1", json.RawMessage(`["m"]`), ttl, SourceServer)

	ck.advance(299 * time.Second)
	if _, ok := s.Get(context.Background(), "messages:c_1"); !ok {
		t.Error("entry expired before its TTL elapsed")
	}

	ck.advance(2 * time.Second) // 301s total
	if _, ok := s.Get(context.Background(), "messages:c_1"); ok {
		t.Error("entry survived past its TTL")
	}
	if s.Len() != 0 {
		t.Errorf("expired entry still resident, len = %d", s.Len())
	}
}

func TestZeroTTLNeverExpires(t *testing.T) {
	ck := newClock()
	s := New(Options{Now: ck.now})
	s.Set("k", json.RawMessage(`1`), 0, SourceLocal)
	ck.advance(24 * time.Hour)
	if _, ok := s.Get(context.Background(), "k"); !ok {
		t.Error("zero-TTL entry expired")
	}
}

func TestSyncNeverClobbersLiveEntry(t *testing.T) {
	ck := newClock()
	s := New(Options{Now: ck.now})

	local := s.Set("k", json.RawMessage(`"local"`), time.Minute, SourceLocal)
	if _, applied := s.SyncWithServer("k", json.RawMessage(`"server"`), time.Minute); applied {
		t.Error("server sync overwrote a live local entry")
	}
	got, _ := s.Get(context.Background(), "k")
	if string(got.Data) != `"local"` || got.Version != local.Version {
		t.Errorf("entry changed: %s version %s", got.Data, got.Version)
	}

	ck.advance(2 * time.Minute)
	entry, applied := s.SyncWithServer("k", json.RawMessage(`"server"`), time.Minute)
	if !applied {
		t.Fatal("server sync rejected after local entry expired")
	}
	if entry.Source != SourceSync {
		t.Errorf("source = %s, want sync", entry.Source)
	}
}

func TestEvictionDropsOldestEntries(t *testing.T) {
	ck := newClock()
	s := New(Options{Capacity: 10, Now: ck.now})

	for i := 0; i < 11; i++ {
		s.Set(fmt.Sprintf("k%d", i), json.RawMessage(`1`), 0, SourceLocal)
		ck.advance(time.Second)
	}

	if s.Len() != 10 {
		t.Errorf("len = %d, want 10", s.Len())
	}
	if _, ok := s.Get(context.Background(), "k0"); ok {
		t.Error("oldest entry survived eviction")
	}
	if _, ok := s.Get(context.Background(), "k10"); !ok {
		t.Error("newest entry was evicted")
	}
}

func TestVersionStampsAreMonotonic(t *testing.T) {
	s := New(Options{})
	prev := s.Set("a", json.RawMessage(`1`), 0, SourceLocal).Version
	for i := 0; i < 50; i++ {
		v := s.Set("a", json.RawMessage(`1`), 0, SourceLocal).Version
		if v <= prev {
			t.Fatalf("version %q not greater than %q", v, prev)
		}
		prev = v
	}
}

func TestPromotionFromDurableTier(t *testing.T) {
	db, err := persist.OpenSQLite(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("opening sqlite: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	first := New(Options{Persist: db})
	first.Start(ctx)
	first.Set("messages:c_1", json.RawMessage(`["m_1"]`), time.Hour, SourceServer)
	first.Stop()

	// Fresh memory tier over the same database.
	second := New(Options{Persist: db})
	entry, ok := second.Get(ctx, "messages:c_1")
	if !ok {
		t.Fatal("durable entry not promoted")
	}
	if string(entry.Data) != `["m_1"]` {
		t.Errorf("data = %s", entry.Data)
	}
	if second.Len() != 1 {
		t.Error("promoted entry not resident in memory tier")
	}
}

type brokenStore struct{}

func (brokenStore) Get(context.Context, string) ([]byte, error) { return nil, errors.New("disk gone") }
func (brokenStore) Put(context.Context, string, []byte) error   { return errors.New("disk gone") }
func (brokenStore) Delete(context.Context, string) error        { return errors.New("disk gone") }
func (brokenStore) Close() error                                { return nil }

func TestDegradesToMemoryOnlyOnIOFailure(t *testing.T) {
	s := New(Options{Persist: brokenStore{}})

	if _, ok := s.Get(context.Background(), "missing"); ok {
		t.Fatal("unexpected hit")
	}
	if !s.Degraded() {
		t.Fatal("store did not degrade after durable-tier failure")
	}

	// Memory tier keeps working.
	s.Set("k", json.RawMessage(`1`), 0, SourceLocal)
	if _, ok := s.Get(context.Background(), "k"); !ok {
		t.Error("memory tier broken after degrade")
	}
}

func TestGetJSONRoundTrip(t *testing.T) {
	s := New(Options{})
	want := []string{"a", "b"}
	if err := s.SetJSON("k", want, time.Minute, SourceLocal); err != nil {
		t.Fatalf("set: %v", err)
	}
	var got []string
	if !s.GetJSON(context.Background(), "k", &got) {
		t.Fatal("miss")
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("got %v", got)
	}
}
