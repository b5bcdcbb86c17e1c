package refstore

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when no reference exists in either tier.
var ErrNotFound = errors.New("refstore: reference not found")

const (
	referencePrefix = "conversation:"
	approversKey    = "approvers:list"

	// DefaultTTL is the durable-tier expiration for stored references.
	DefaultTTL = 30 * 24 * time.Hour

	connectMaxAttempts = 10
	connectBaseDelay   = 50 * time.Millisecond
	connectMaxDelay    = 3 * time.Second
)

// Config holds Redis connection configuration for the durable tier.
type Config struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// TTL overrides the durable-tier expiration (default: DefaultTTL).
	TTL time.Duration
}

// Store is a dual-tier reference store: an in-process cache that is always
// written, plus a Redis tier that is best-effort. The store is fully usable
// in cache-only mode when Redis is unreachable; durable failures are logged
// and never surfaced to the caller.
type Store struct {
	client *redis.Client
	logger *slog.Logger
	ttl    time.Duration

	mu        sync.RWMutex
	connected bool
	refs      map[string]SessionReference
	approvers []ApproverChoice
}

// New creates a store for the given Redis configuration. The durable tier is
// not contacted until Connect is called.
func New(cfg Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		logger: logger,
		ttl:    ttl,
		refs:   make(map[string]SessionReference),
	}
}

// NewFromClient creates a store around an existing Redis client, already
// marked connected. This is useful for testing with miniredis.
func NewFromClient(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		client:    client,
		logger:    logger,
		ttl:       ttl,
		connected: true,
		refs:      make(map[string]SessionReference),
	}
}

// Connect establishes the durable-tier connection with bounded backoff.
// After connectMaxAttempts failed pings the store is marked disconnected and
// the last error is returned; the caller is expected to log it and continue
// in cache-only mode.
func (s *Store) Connect(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= connectMaxAttempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := s.client.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			s.mu.Lock()
			s.connected = true
			s.mu.Unlock()
			s.logger.Info("redis connection established", "addr", s.client.Options().Addr)
			return nil
		}
		lastErr = err

		delay := time.Duration(attempt) * connectBaseDelay
		if delay > connectMaxDelay {
			delay = connectMaxDelay
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	s.logger.Warn("redis unreachable, falling back to in-memory storage",
		"attempts", connectMaxAttempts, "error", lastErr)
	return lastErr
}

// Connected reports whether the durable tier is usable.
func (s *Store) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Close releases the durable-tier connection. The in-process cache stays
// readable for the remainder of the process lifetime.
func (s *Store) Close() error {
	s.mu.Lock()
	wasConnected := s.connected
	s.connected = false
	s.mu.Unlock()

	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	if wasConnected && err != nil {
		s.logger.Error("error closing redis connection", "error", err)
	}
	return err
}

// PutReference stores a reference under its UserID in both tiers. The cache
// write always succeeds; the durable write is best-effort.
func (s *Store) PutReference(ctx context.Context, ref SessionReference) {
	s.mu.Lock()
	s.refs[ref.UserID] = ref
	connected := s.connected
	s.mu.Unlock()

	if !connected {
		return
	}

	data, err := json.Marshal(ref)
	if err != nil {
		s.logger.Error("marshal reference", "user_id", ref.UserID, "error", err)
		return
	}
	if err := s.client.Set(ctx, referencePrefix+ref.UserID, data, s.ttl).Err(); err != nil {
		s.logger.Error("redis write failed, reference kept in memory only",
			"user_id", ref.UserID, "error", err)
	}
}

// GetReference returns the stored reference for a user, checking the cache
// first and the durable tier on a miss. A durable hit repopulates the cache.
// Returns ErrNotFound if the reference exists in neither tier.
func (s *Store) GetReference(ctx context.Context, userID string) (SessionReference, error) {
	s.mu.RLock()
	ref, ok := s.refs[userID]
	connected := s.connected
	s.mu.RUnlock()
	if ok {
		return ref, nil
	}

	if !connected {
		return SessionReference{}, ErrNotFound
	}

	data, err := s.client.Get(ctx, referencePrefix+userID).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Error("redis read failed", "user_id", userID, "error", err)
		}
		return SessionReference{}, ErrNotFound
	}

	if err := json.Unmarshal(data, &ref); err != nil {
		s.logger.Error("unmarshal reference", "user_id", userID, "error", err)
		return SessionReference{}, ErrNotFound
	}

	s.mu.Lock()
	s.refs[userID] = ref
	s.mu.Unlock()
	return ref, nil
}

// DeleteReference removes a reference from both tiers; best-effort on the
// durable tier.
func (s *Store) DeleteReference(ctx context.Context, userID string) {
	s.mu.Lock()
	delete(s.refs, userID)
	connected := s.connected
	s.mu.Unlock()

	if !connected {
		return
	}
	if err := s.client.Del(ctx, referencePrefix+userID).Err(); err != nil {
		s.logger.Error("redis delete failed", "user_id", userID, "error", err)
	}
}

// ListUserIDs returns all user IDs with a stored reference, sourced from the
// durable tier when connected and from the cache otherwise.
func (s *Store) ListUserIDs(ctx context.Context) []string {
	s.mu.RLock()
	connected := s.connected
	s.mu.RUnlock()

	if connected {
		keys, err := s.client.Keys(ctx, referencePrefix+"*").Result()
		if err == nil {
			ids := make([]string, 0, len(keys))
			for _, k := range keys {
				ids = append(ids, strings.TrimPrefix(k, referencePrefix))
			}
			sort.Strings(ids)
			return ids
		}
		s.logger.Error("redis keys scan failed", "error", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.refs))
	for id := range s.refs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PutApprovers overwrites the shared approver directory cache in both tiers.
// There is at most one snapshot; refresh replaces it wholesale.
func (s *Store) PutApprovers(ctx context.Context, choices []ApproverChoice) {
	s.mu.Lock()
	s.approvers = choices
	connected := s.connected
	s.mu.Unlock()

	if !connected {
		return
	}
	data, err := json.Marshal(choices)
	if err != nil {
		s.logger.Error("marshal approvers list", "error", err)
		return
	}
	if err := s.client.Set(ctx, approversKey, data, s.ttl).Err(); err != nil {
		s.logger.Error("redis write failed, approvers list kept in memory only", "error", err)
	}
}

// GetApprovers returns the cached approver snapshot, cache-first with a
// durable-tier fallback. Returns ErrNotFound when no snapshot exists.
func (s *Store) GetApprovers(ctx context.Context) ([]ApproverChoice, error) {
	s.mu.RLock()
	cached := s.approvers
	connected := s.connected
	s.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	if !connected {
		return nil, ErrNotFound
	}

	data, err := s.client.Get(ctx, approversKey).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Error("redis read failed", "key", approversKey, "error", err)
		}
		return nil, ErrNotFound
	}

	var choices []ApproverChoice
	if err := json.Unmarshal(data, &choices); err != nil {
		s.logger.Error("unmarshal approvers list", "error", err)
		return nil, ErrNotFound
	}

	s.mu.Lock()
	s.approvers = choices
	s.mu.Unlock()
	return choices, nil
}

// Stats reports connectivity and per-tier occupancy.
func (s *Store) Stats(ctx context.Context) Stats {
	s.mu.RLock()
	st := Stats{
		Connected:   s.connected,
		MemoryCount: len(s.refs),
	}
	s.mu.RUnlock()

	if st.Connected {
		keys, err := s.client.Keys(ctx, referencePrefix+"*").Result()
		if err != nil {
			s.logger.Error("redis keys scan failed", "error", err)
		} else {
			st.RedisCount = len(keys)
		}
	}
	return st
}
