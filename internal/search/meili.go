package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"movelog/internal/logging"
	"movelog/internal/rbac"
)

const (
	idxMovements = "movelog_movements"
	idxAccounts  = "movelog_accounts"
)

// Meili implements Searcher via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	log     logging.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures indexes. An
// unreachable server is not an error: Healthy reports false until it recovers.
func NewMeili(url, apiKey string, log logging.Logger) *Meili {
	if log == nil {
		log = logging.Discard()
	}
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		log:    log,
		done:   make(chan struct{}),
	}

	ctx := context.Background()
	if _, err := m.client.Health(); err != nil {
		m.log.Warn(ctx, "meilisearch unavailable", "url", url, "error", err)
	} else {
		m.healthy.Store(true)
		m.configureIndexes(ctx)
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes(ctx context.Context) {
	indexes := []struct {
		uid        string
		filterable []string
		searchable []string
	}{
		{
			uid:        idxMovements,
			filterable: []string{"createdBy", "assignedTo", "kind"},
			searchable: []string{"subjectIdentifier", "notes", "createdByName", "kind"},
		},
		{
			uid:        idxAccounts,
			searchable: []string{"loginName", "displayName", "phone"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: idx.uid, PrimaryKey: "id"}); err != nil {
			m.log.Debug(ctx, "create index (may already exist)", "index", idx.uid, "error", err)
		}

		index := m.client.Index(idx.uid)
		if len(idx.filterable) > 0 {
			filterable := make([]interface{}, len(idx.filterable))
			for i, v := range idx.filterable {
				filterable[i] = v
			}
			if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
				m.log.Warn(ctx, "update filterable attributes", "index", idx.uid, "error", err)
			}
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			m.log.Warn(ctx, "update searchable attributes", "index", idx.uid, "error", err)
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info(context.Background(), "meilisearch recovered, reconfiguring indexes")
				m.configureIndexes(context.Background())
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search runs one query per index the actor may see. Members only get
// movements they created or are assigned to, and never the directory.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, errors.New("meilisearch unhealthy")
	}
	limit := int64(q.Limit)
	if limit <= 0 {
		limit = defaultLimit
	}

	highlight := func(uid string) *meili.SearchRequest {
		return &meili.SearchRequest{
			IndexUID:              uid,
			Query:                 q.Text,
			Limit:                 limit,
			AttributesToHighlight: []string{"*"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
		}
	}

	movements := highlight(idxMovements)
	queries := []*meili.SearchRequest{movements}
	switch q.Actor.Role {
	case rbac.RoleAdmin:
		queries = append(queries, highlight(idxAccounts))
	default:
		movements.Filter = fmt.Sprintf("createdBy = %q OR assignedTo = %q", q.Actor.ID, q.Actor.ID)
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{Queries: queries})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, sr.IndexUID))
		}
	}
	return results, total, nil
}

func hitToResult(hit meili.Hit, indexUID string) Result {
	r := Result{ID: decodeString(hit, "id")}
	switch indexUID {
	case idxMovements:
		r.Type = ResultMovement
		r.Title = firstNonBlank(decodeFormattedString(hit, "subjectIdentifier"), decodeString(hit, "subjectIdentifier"))
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "notes"), decodeString(hit, "notes"))
	case idxAccounts:
		r.Type = ResultAccount
		r.Title = firstNonBlank(decodeFormattedString(hit, "displayName"), decodeString(hit, "displayName"))
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "loginName"), decodeString(hit, "loginName"))
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]any
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	s, _ := formatted[key].(string)
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func (m *Meili) IndexMovements(records []MovementRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxMovements).AddDocuments(records, nil)
	return err
}

func (m *Meili) IndexAccounts(records []AccountRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxAccounts).AddDocuments(records, nil)
	return err
}
