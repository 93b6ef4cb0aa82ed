package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"movelog/internal/util"
)

// MemoryStore is an in-process Replicated store. It backs local development
// and tests; every subscriber still sees only full snapshots.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[Collection]map[string]json.RawMessage
	versions map[Collection]int64
	feeds    map[Collection]map[*feed]struct{}
	failure  error
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		records:  map[Collection]map[string]json.RawMessage{},
		versions: map[Collection]int64{},
		feeds:    map[Collection]map[*feed]struct{}{},
	}
	for _, c := range Collections {
		s.records[c] = map[string]json.RawMessage{}
		s.feeds[c] = map[*feed]struct{}{}
	}
	return s
}

func (s *MemoryStore) Subscribe(ctx context.Context, c Collection, onChange func(Snapshot)) (Subscription, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCollection, c)
	}
	if onChange == nil {
		return nil, fmt.Errorf("subscribe %s: nil callback", c)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	f := newFeed(ctx, onChange, func(f *feed) {
		s.mu.Lock()
		delete(s.feeds[c], f)
		s.mu.Unlock()
	})
	s.feeds[c][f] = struct{}{}
	f.offer(s.snapshotLocked(c))
	return f, nil
}

func (s *MemoryStore) Put(ctx context.Context, c Collection, id string, record json.RawMessage) error {
	if !c.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownCollection, c)
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("put %s: empty id", c)
	}
	if !json.Valid(record) {
		return fmt.Errorf("put %s/%s: record is not valid json", c, id)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("put %s/%s: %w: %w", c, id, ErrUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return fmt.Errorf("put %s/%s: %w: %w", c, id, ErrUnavailable, s.failure)
	}
	if c == CollectionAccounts {
		if other, taken := s.loginTakenLocked(id, record); taken {
			return fmt.Errorf("put %s/%s: login name held by %s: %w", c, id, other, ErrDuplicate)
		}
	}
	s.records[c][id] = append(json.RawMessage(nil), record...)
	s.versions[c]++
	snap := s.snapshotLocked(c)
	for f := range s.feeds[c] {
		f.offer(snap)
	}
	return nil
}

func (s *MemoryStore) GenerateID(c Collection) string {
	return util.NewID(c.idPrefix())
}

func (s *MemoryStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, s.failure)
	}
	return nil
}

// Snapshot returns the current content of c.
func (s *MemoryStore) Snapshot(c Collection) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(c)
}

// SetFailure makes every following write and ping fail with err wrapped in
// ErrUnavailable, until called again with nil.
func (s *MemoryStore) SetFailure(err error) {
	s.mu.Lock()
	s.failure = err
	s.mu.Unlock()
}

func (s *MemoryStore) subscribers(c Collection) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.feeds[c])
}

// loginTakenLocked mirrors the unique index on lower(loginName): another
// account id already holding the same name makes the write a duplicate.
func (s *MemoryStore) loginTakenLocked(id string, record json.RawMessage) (string, bool) {
	want := loginKey(record)
	if want == "" {
		return "", false
	}
	for otherID, raw := range s.records[CollectionAccounts] {
		if otherID != id && loginKey(raw) == want {
			return otherID, true
		}
	}
	return "", false
}

func loginKey(record json.RawMessage) string {
	var body struct {
		LoginName string `json:"loginName"`
	}
	if err := json.Unmarshal(record, &body); err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(body.LoginName))
}

func (s *MemoryStore) snapshotLocked(c Collection) Snapshot {
	return Snapshot{Collection: c, Version: s.versions[c], Records: copyRecords(s.records[c])}
}
