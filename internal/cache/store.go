// Package cache implements the two-tier store: a capacity-bounded memory
// map in front of an optional durable key/value tier. Reads promote from
// the durable tier; writes go to memory immediately and to the durable
// tier on a background writer so callers never block on storage I/O.
package cache

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/KLOUTZINMODZ/zenithchat/internal/cache/persist"
	"github.com/KLOUTZINMODZ/zenithchat/internal/metrics"
)

const (
	defaultCapacity = 512
	defaultSweep    = time.Minute
	writeQueueSize  = 256
)

// Options configures a Store. Persist may be nil for a memory-only store.
type Options struct {
	Capacity      int
	SweepInterval time.Duration
	Persist       persist.Store
	Logger        *zap.Logger
	Metrics       *metrics.Metrics

	// Now overrides the clock, for tests.
	Now func() time.Time
}

type writeOp struct {
	key    string
	value  []byte
	delete bool
}

// Store is safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	mem      map[string]Entry
	capacity int
	sweep    time.Duration
	degraded bool

	persist persist.Store
	writes  chan writeOp
	wg      sync.WaitGroup
	stop    chan struct{}

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy

	now     func() time.Time
	log     *zap.Logger
	metrics *metrics.Metrics
}

func New(opts Options) *Store {
	if opts.Capacity <= 0 {
		opts.Capacity = defaultCapacity
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweep
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Store{
		mem:      make(map[string]Entry),
		capacity: opts.Capacity,
		sweep:    opts.SweepInterval,
		persist:  opts.Persist,
		writes:   make(chan writeOp, writeQueueSize),
		stop:     make(chan struct{}),
		entropy:  ulid.Monotonic(rand.Reader, 0),
		now:      opts.Now,
		log:      opts.Logger,
		metrics:  opts.Metrics,
	}
}

// Start launches the background writer and the TTL sweeper. It returns
// immediately.
func (s *Store) Start(ctx context.Context) {
	s.wg.Add(2)
	go s.writer(ctx)
	go s.sweeper(ctx)
}

// Stop drains pending durable writes and waits for background work.
func (s *Store) Stop() {
	close(s.stop)
	s.wg.Wait()
}

func (s *Store) writer(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case op := <-s.writes:
			s.apply(ctx, op)
		case <-s.stop:
			for {
				select {
				case op := <-s.writes:
					s.apply(ctx, op)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Store) sweeper(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweepExpired()
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// apply performs one durable-tier operation. The first failure degrades
// the store to memory-only for the rest of its life.
func (s *Store) apply(ctx context.Context, op writeOp) {
	if s.persist == nil || s.isDegraded() {
		return
	}
	var err error
	if op.delete {
		err = s.persist.Delete(ctx, op.key)
	} else {
		err = s.persist.Put(ctx, op.key, op.value)
	}
	if err != nil {
		s.log.Warn("durable cache tier failed, continuing memory-only",
			zap.String("key", op.key), zap.Error(err))
		s.setDegraded()
	}
}

func (s *Store) isDegraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

func (s *Store) setDegraded() {
	s.mu.Lock()
	s.degraded = true
	s.mu.Unlock()
}

// Degraded reports whether the durable tier has been abandoned after an
// I/O failure.
func (s *Store) Degraded() bool { return s.isDegraded() }

// Get returns the entry for key. An expired memory entry is removed and
// reported as a miss. On a memory miss the durable tier is consulted and,
// when it holds a live entry, the value is promoted back into memory.
func (s *Store) Get(ctx context.Context, key string) (Entry, bool) {
	now := s.now()

	s.mu.Lock()
	entry, ok := s.mem[key]
	if ok {
		if entry.Expired(now) {
			delete(s.mem, key)
			s.mu.Unlock()
			s.enqueue(writeOp{key: key, delete: true})
			s.miss()
			return Entry{}, false
		}
		s.mu.Unlock()
		s.hit()
		return entry, true
	}
	degraded := s.degraded
	s.mu.Unlock()

	if s.persist == nil || degraded {
		s.miss()
		return Entry{}, false
	}

	raw, err := s.persist.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, persist.ErrNotFound) {
			s.log.Warn("durable cache tier read failed, continuing memory-only",
				zap.String("key", key), zap.Error(err))
			s.setDegraded()
		}
		s.miss()
		return Entry{}, false
	}
	var stored Entry
	if err := json.Unmarshal(raw, &stored); err != nil {
		s.log.Warn("discarding undecodable cache entry", zap.String("key", key), zap.Error(err))
		s.enqueue(writeOp{key: key, delete: true})
		s.miss()
		return Entry{}, false
	}
	if stored.Expired(now) {
		s.enqueue(writeOp{key: key, delete: true})
		s.miss()
		return Entry{}, false
	}

	s.mu.Lock()
	s.mem[key] = stored
	s.evictLocked()
	s.mu.Unlock()
	s.hit()
	return stored, true
}

// Set writes an entry to both tiers with a fresh version stamp.
func (s *Store) Set(key string, data json.RawMessage, ttl time.Duration, source Source) Entry {
	entry := Entry{
		Data:      data,
		Timestamp: s.now(),
		TTL:       ttl,
		Version:   s.newVersion(),
		Source:    source,
	}
	s.put(key, entry)
	return entry
}

// SyncWithServer applies server data only when the local entry is missing
// or expired. A live local entry wins silently; the fresher local state
// must not be clobbered by a slower server snapshot.
func (s *Store) SyncWithServer(key string, data json.RawMessage, ttl time.Duration) (Entry, bool) {
	now := s.now()
	s.mu.Lock()
	if existing, ok := s.mem[key]; ok && !existing.Expired(now) {
		s.mu.Unlock()
		s.log.Debug("skipping stale server sync", zap.String("key", key),
			zap.String("version", existing.Version))
		return existing, false
	}
	s.mu.Unlock()

	entry := Entry{
		Data:      data,
		Timestamp: now,
		TTL:       ttl,
		Version:   s.newVersion(),
		Source:    SourceSync,
	}
	s.put(key, entry)
	return entry, true
}

func (s *Store) put(key string, entry Entry) {
	s.mu.Lock()
	s.mem[key] = entry
	s.evictLocked()
	s.mu.Unlock()

	if encoded, err := json.Marshal(entry); err == nil {
		s.enqueue(writeOp{key: key, value: encoded})
	}
}

// Delete removes key from both tiers.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	delete(s.mem, key)
	s.mu.Unlock()
	s.enqueue(writeOp{key: key, delete: true})
}

// GetJSON decodes the entry at key into v.
func (s *Store) GetJSON(ctx context.Context, key string, v any) bool {
	entry, ok := s.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(entry.Data, v); err != nil {
		s.log.Warn("discarding undecodable cache entry", zap.String("key", key), zap.Error(err))
		s.Delete(key)
		return false
	}
	return true
}

// SetJSON encodes v and stores it at key.
func (s *Store) SetJSON(key string, v any, ttl time.Duration, source Source) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.Set(key, data, ttl, source)
	return nil
}

// SyncJSON encodes v and applies it through the server-sync freshness
// guard. It reports whether the snapshot was applied.
func (s *Store) SyncJSON(key string, v any, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return false, err
	}
	_, applied := s.SyncWithServer(key, data, ttl)
	return applied, nil
}

func (s *Store) enqueue(op writeOp) {
	if s.persist == nil || s.isDegraded() {
		return
	}
	select {
	case s.writes <- op:
	default:
		// Queue saturated; do the write inline rather than lose it.
		s.apply(context.Background(), op)
	}
}

// evictLocked drops the oldest tenth of entries by write time once the
// map exceeds capacity. Caller holds s.mu.
func (s *Store) evictLocked() {
	if len(s.mem) <= s.capacity {
		return
	}
	type aged struct {
		key string
		ts  time.Time
	}
	entries := make([]aged, 0, len(s.mem))
	for k, e := range s.mem {
		entries = append(entries, aged{k, e.Timestamp})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ts.Before(entries[j].ts) })

	n := len(entries) / 10
	if n < 1 {
		n = 1
	}
	for _, e := range entries[:n] {
		delete(s.mem, e.key)
		if s.metrics != nil {
			s.metrics.CacheEvictions.Inc()
		}
	}
}

func (s *Store) sweepExpired() {
	now := s.now()
	var dead []string
	s.mu.Lock()
	for k, e := range s.mem {
		if e.Expired(now) {
			delete(s.mem, k)
			dead = append(dead, k)
		}
	}
	s.mu.Unlock()
	for _, k := range dead {
		s.enqueue(writeOp{key: k, delete: true})
		if s.metrics != nil {
			s.metrics.CacheEvictions.Inc()
		}
	}
}

// newVersion mints a monotonically increasing stamp. ULIDs sort by mint
// order, which is all staleness comparison needs.
func (s *Store) newVersion() string {
	s.entropyMu.Lock()
	defer s.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(s.now()), s.entropy).String()
}

// Len reports the number of live memory-tier entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mem)
}

func (s *Store) hit() {
	if s.metrics != nil {
		s.metrics.CacheHits.Inc()
	}
}

func (s *Store) miss() {
	if s.metrics != nil {
		s.metrics.CacheMisses.Inc()
	}
}
