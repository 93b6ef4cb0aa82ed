package search

import (
	"context"
	"sync"
	"time"

	"movelog/internal/logging"
	"movelog/internal/rbac"
	"movelog/internal/replica"
	"movelog/internal/store"
)

const (
	backendMeili = "meilisearch"
	backendScan  = "scan"
)

// Service tries Meilisearch first and falls back to scanning the cache. Every
// hit is checked against the cache and the authorization rules before it is
// returned, whichever backend produced it.
type Service struct {
	meili Searcher
	index indexer
	cache func() *replica.Cache
	log   logging.Logger
	now   func() time.Time

	mu      sync.Mutex
	indexed map[store.Collection]int64
}

type indexer interface {
	IndexMovements([]MovementRecord) error
	IndexAccounts([]AccountRecord) error
}

// NewService creates a search service. m may be nil if Meilisearch is not
// configured.
func NewService(m *Meili, cache func() *replica.Cache, log logging.Logger) *Service {
	if log == nil {
		log = logging.Discard()
	}
	s := &Service{cache: cache, log: log, now: time.Now, indexed: map[store.Collection]int64{}}
	if m != nil {
		s.meili = m
		s.index = m
	}
	return s
}

func (s *Service) Search(q Query) Response {
	c := s.cache()
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return s.respond(c, q, results, total, backendMeili)
		}
		s.log.Warn(context.Background(), "meilisearch error, falling back to cache scan", "error", err)
	}
	results := scan(c, q.Text)
	return s.respond(c, q, results, len(results), backendScan)
}

func (s *Service) respond(c *replica.Cache, q Query, results []Result, total int, backend string) Response {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	now := s.now()
	visible := make([]Result, 0, len(results))
	for _, r := range results {
		if !allowed(c, q.Actor, r, now) {
			total--
			continue
		}
		if len(visible) < limit {
			visible = append(visible, r)
		}
	}
	if total < len(visible) {
		total = len(visible)
	}
	return Response{Results: visible, Total: total, Query: q.Text, Backend: backend}
}

func allowed(c *replica.Cache, actor rbac.Actor, r Result, now time.Time) bool {
	switch r.Type {
	case ResultMovement:
		m, ok := c.Movement(r.ID)
		if !ok {
			return false
		}
		return rbac.Decide(actor, rbac.ActionViewMovement, m.Resource(), now).Allowed
	case ResultAccount:
		if _, ok := c.Account(r.ID); !ok {
			return false
		}
		return rbac.Decide(actor, rbac.ActionViewDirectory, rbac.Resource{}, now).Allowed
	default:
		return false
	}
}

// Observe pushes changed collections to Meilisearch. It is registered with
// replica.Engine.Observe and returns without waiting for the index.
func (s *Service) Observe(c *replica.Cache) {
	if s.index == nil || !s.meili.Healthy() {
		return
	}

	s.mu.Lock()
	var movements []MovementRecord
	var accounts []AccountRecord
	if v := c.Version(store.CollectionMovements); c.Loaded(store.CollectionMovements) && v != s.indexed[store.CollectionMovements] {
		s.indexed[store.CollectionMovements] = v
		movements = MovementRecords(c)
	}
	if v := c.Version(store.CollectionAccounts); c.Loaded(store.CollectionAccounts) && v != s.indexed[store.CollectionAccounts] {
		s.indexed[store.CollectionAccounts] = v
		accounts = AccountRecords(c)
	}
	s.mu.Unlock()

	if len(movements) == 0 && len(accounts) == 0 {
		return
	}
	go func() {
		ctx := context.Background()
		if err := s.index.IndexMovements(movements); err != nil {
			s.log.Warn(ctx, "index movements", "error", err)
		}
		if err := s.index.IndexAccounts(accounts); err != nil {
			s.log.Warn(ctx, "index accounts", "error", err)
		}
	}()
}

func MovementRecords(c *replica.Cache) []MovementRecord {
	out := make([]MovementRecord, 0, len(c.Movements))
	for _, m := range c.MovementList() {
		out = append(out, MovementRecord{
			ID:                m.ID,
			Kind:              string(m.Kind),
			SubjectIdentifier: m.SubjectIdentifier,
			Notes:             m.Notes,
			CreatedBy:         m.CreatedBy,
			CreatedByName:     m.CreatedByName,
			AssignedTo:        m.AssignedTo,
		})
	}
	return out
}

func AccountRecords(c *replica.Cache) []AccountRecord {
	out := make([]AccountRecord, 0, len(c.Accounts))
	for _, a := range c.AccountList() {
		out = append(out, AccountRecord{ID: a.ID, LoginName: a.LoginName, DisplayName: a.DisplayName, Phone: a.Phone})
	}
	return out
}
