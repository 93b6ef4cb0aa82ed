// Package session persists the signed-in actor per session token.
//
// A Record holds identity and status flags only. The credential, hashed or
// not, is never stored here.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"movelog/internal/rbac"
)

var ErrNotFound = errors.New("session not found or expired")

// Record is what survives between requests for one session.
type Record struct {
	AccountID            string    `json:"accountId"`
	DisplayName          string    `json:"displayName"`
	Role                 rbac.Role `json:"role"`
	Active               bool      `json:"active"`
	MustChangeCredential bool      `json:"mustChangeCredential"`
	CreatedAt            time.Time `json:"createdAt"`
}

func FromActor(actor rbac.Actor, now time.Time) Record {
	return Record{
		AccountID:            actor.ID,
		DisplayName:          actor.DisplayName,
		Role:                 actor.Role,
		Active:               actor.Active,
		MustChangeCredential: actor.MustChangeCredential,
		CreatedAt:            now.UTC(),
	}
}

func (r Record) Actor() rbac.Actor {
	return rbac.Actor{
		ID:                   r.AccountID,
		DisplayName:          r.DisplayName,
		Role:                 r.Role,
		Active:               r.Active,
		MustChangeCredential: r.MustChangeCredential,
	}
}

// Store is keyed by a hash of the session token, never the token itself.
type Store interface {
	Save(ctx context.Context, tokenHash string, rec Record, expiresAt time.Time) error
	Lookup(ctx context.Context, tokenHash string) (Record, error)
	Delete(ctx context.Context, tokenHash string) error
	Ping(ctx context.Context) error
}

const defaultTTL = 12 * time.Hour

// RedisStore keeps session records in Redis with a TTL matching the token.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client), nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "movelog:session:"}
}

func (s *RedisStore) key(tokenHash string) string {
	return s.prefix + tokenHash
}

func (s *RedisStore) Save(ctx context.Context, tokenHash string, rec Record, expiresAt time.Time) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if err := s.client.Set(ctx, s.key(tokenHash), data, ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *RedisStore) Lookup(ctx context.Context, tokenHash string) (Record, error) {
	data, err := s.client.Get(ctx, s.key(tokenHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("lookup session: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("unmarshal session: %w", err)
	}
	return rec, nil
}

// Delete is a no-op for unknown tokens.
func (s *RedisStore) Delete(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, s.key(tokenHash)).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// MemoryStore is the fallback when no Redis is configured. Sessions do not
// survive a restart.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]memoryEntry
}

type memoryEntry struct {
	rec       Record
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now, entries: map[string]memoryEntry{}}
}

func (s *MemoryStore) Save(_ context.Context, tokenHash string, rec Record, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !expiresAt.After(s.now()) {
		expiresAt = s.now().Add(defaultTTL)
	}
	s.entries[tokenHash] = memoryEntry{rec: rec, expiresAt: expiresAt}
	return nil
}

func (s *MemoryStore) Lookup(_ context.Context, tokenHash string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[tokenHash]
	if !ok {
		return Record{}, ErrNotFound
	}
	if !s.now().Before(entry.expiresAt) {
		delete(s.entries, tokenHash)
		return Record{}, ErrNotFound
	}
	return entry.rec, nil
}

func (s *MemoryStore) Delete(_ context.Context, tokenHash string) error {
	s.mu.Lock()
	delete(s.entries, tokenHash)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
