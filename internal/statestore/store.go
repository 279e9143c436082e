// Package statestore provides a two-tier expiring key/value store for
// conversation state and cross-process coordination metadata. Tier 1 is a
// short-lived in-process cache, tier 2 a shared durable backend (Redis).
// Tier 2 is the source of truth across instances; tier 1 only shortens the
// read path.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrNotFound is returned by durable tiers when a key is absent.
var ErrNotFound = errors.New("statestore: key not found")

// Key addresses a single state entry. SubScope separates independent
// sub-contexts inside one scope (e.g. topic threads of a conversation) so
// they cannot clobber each other.
type Key struct {
	Scope    string
	SubScope string
	Kind     string
}

// String renders the storage key. The scope segment comes first so that
// ScopePrefix can address every entry of a scope.
func (k Key) String() string {
	return fmt.Sprintf("state:%s:%s:%s", k.Scope, k.SubScope, k.Kind)
}

// ScopePrefix returns the key prefix shared by all entries of a scope.
func ScopePrefix(scope string) string {
	return fmt.Sprintf("state:%s:", scope)
}

// DurableTier is the shared backing store behind the in-process cache.
type DurableTier interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get returns ErrNotFound when the key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)
	// Renew extends the TTL of an existing key (sliding expiration).
	Renew(ctx context.Context, key string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// DeletePrefix removes keys matching prefix using bounded, non-blocking
	// iteration and returns the number of keys removed.
	DeletePrefix(ctx context.Context, prefix string, batch int64) (int64, error)
	Ping(ctx context.Context) error
}

// Config contains store tuning parameters.
type Config struct {
	// LocalTTL bounds how long tier 1 serves an entry without consulting
	// the durable tier.
	LocalTTL time.Duration
	// DurableTTL is the default expiry on the durable tier; Set calls may
	// override it per entry.
	DurableTTL time.Duration
	// SweepInterval is how often expired tier-1 entries are collected.
	SweepInterval time.Duration
	// DeleteBatch bounds a single durable-tier iteration step.
	DeleteBatch int64
}

// DefaultConfig returns the store defaults.
func DefaultConfig() Config {
	return Config{
		LocalTTL:      30 * time.Second,
		DurableTTL:    30 * time.Minute,
		SweepInterval: time.Minute,
		DeleteBatch:   200,
	}
}

// Stats is a point-in-time view of store health.
type Stats struct {
	LocalEntries     int   `json:"local_entries"`
	LocalHits        int64 `json:"local_hits"`
	DurableHits      int64 `json:"durable_hits"`
	Misses           int64 `json:"misses"`
	DurableFailures  int64 `json:"durable_failures"`
	DurableConnected bool  `json:"durable_connected"`
}

// Store is the two-tier state store.
type Store struct {
	config  Config
	local   *localCache
	durable DurableTier

	localHits       atomic.Int64
	durableHits     atomic.Int64
	misses          atomic.Int64
	durableFailures atomic.Int64
	degraded        atomic.Bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a store over the given durable tier and starts the tier-1
// sweep loop.
func New(config Config, durable DurableTier) *Store {
	if config.LocalTTL <= 0 {
		config.LocalTTL = DefaultConfig().LocalTTL
	}
	if config.DurableTTL <= 0 {
		config.DurableTTL = DefaultConfig().DurableTTL
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultConfig().SweepInterval
	}
	if config.DeleteBatch <= 0 {
		config.DeleteBatch = DefaultConfig().DeleteBatch
	}

	s := &Store{
		config:  config,
		local:   newLocalCache(),
		durable: durable,
		stopCh:  make(chan struct{}),
	}

	s.wg.Add(1)
	go s.sweepLoop()

	return s
}

// Close stops the sweep loop.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Set writes the entry to both tiers. A ttl of zero uses the configured
// durable default. Failure of the durable tier degrades the write to tier 1
// only; the entry is still usable within this process and the degradation
// is visible via Stats.
func (s *Store) Set(ctx context.Context, key Key, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal state value: %w", err)
	}

	if ttl <= 0 {
		ttl = s.config.DurableTTL
	}

	s.local.set(key.String(), data, s.localTTL(ttl))

	if err := s.durable.Set(ctx, key.String(), data, ttl); err != nil {
		s.recordDurableFailure("set", key, err)
		return nil
	}
	s.degraded.Store(false)
	return nil
}

// Get reads the entry into dest. It returns false when the key is absent
// from both tiers. A durable hit repopulates tier 1 and renews the durable
// TTL (sliding expiration).
func (s *Store) Get(ctx context.Context, key Key, dest interface{}) (bool, error) {
	if data, ok := s.local.get(key.String()); ok {
		s.localHits.Add(1)
		return true, json.Unmarshal(data, dest)
	}

	data, err := s.durable.Get(ctx, key.String())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.misses.Add(1)
			return false, nil
		}
		s.recordDurableFailure("get", key, err)
		s.misses.Add(1)
		return false, nil
	}
	s.degraded.Store(false)
	s.durableHits.Add(1)

	s.local.set(key.String(), data, s.localTTL(s.config.DurableTTL))
	if err := s.durable.Renew(ctx, key.String(), s.config.DurableTTL); err != nil {
		s.recordDurableFailure("renew", key, err)
	}

	return true, json.Unmarshal(data, dest)
}

// Delete removes the entry from both tiers.
func (s *Store) Delete(ctx context.Context, key Key) error {
	s.local.delete(key.String())
	if err := s.durable.Delete(ctx, key.String()); err != nil {
		s.recordDurableFailure("delete", key, err)
		return nil
	}
	s.degraded.Store(false)
	return nil
}

// DeleteScope removes every entry of a scope from both tiers. The durable
// tier is iterated in bounded batches, never scanned in one blocking call.
func (s *Store) DeleteScope(ctx context.Context, scope string) error {
	prefix := ScopePrefix(scope)
	s.local.deletePrefix(prefix)

	removed, err := s.durable.DeletePrefix(ctx, prefix, s.config.DeleteBatch)
	if err != nil {
		s.recordDurableFailure("delete_scope", Key{Scope: scope}, err)
		return nil
	}
	s.degraded.Store(false)
	slog.Debug("state scope cleared", "scope", scope, "removed", removed)
	return nil
}

// Stats reports counters and current durable-tier connectivity. Connectivity
// is probed with a short ping so a recovered backend is reported as such
// even before the next write.
func (s *Store) Stats(ctx context.Context) Stats {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	connected := s.durable.Ping(pingCtx) == nil
	s.degraded.Store(!connected)

	st := Stats{
		LocalEntries:     s.local.len(),
		LocalHits:        s.localHits.Load(),
		DurableHits:      s.durableHits.Load(),
		Misses:           s.misses.Load(),
		DurableFailures:  s.durableFailures.Load(),
		DurableConnected: connected,
	}
	recordStoreStats(st)
	return st
}

// Degraded reports whether the last durable-tier operation failed.
func (s *Store) Degraded() bool {
	return s.degraded.Load()
}

// localTTL caps the tier-1 lifetime at the entry TTL so tier 1 never
// outlives the authoritative durable expiry.
func (s *Store) localTTL(entryTTL time.Duration) time.Duration {
	if entryTTL < s.config.LocalTTL {
		return entryTTL
	}
	return s.config.LocalTTL
}

func (s *Store) recordDurableFailure(op string, key Key, err error) {
	s.durableFailures.Add(1)
	s.degraded.Store(true)
	recordDurableFailure(op)
	slog.Warn("durable state tier unavailable, serving from local cache",
		"op", op,
		"scope", key.Scope,
		"kind", key.Kind,
		"error", err,
	)
}

func (s *Store) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			removed := s.local.sweep()
			if removed > 0 {
				slog.Debug("swept expired state entries", "count", removed)
			}
		}
	}
}
