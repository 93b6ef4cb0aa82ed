// Package search implements the global search over movements and accounts.
package search

import "movelog/internal/rbac"

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultMovement ResultType = "movement"
	ResultAccount  ResultType = "account"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type    ResultType `json:"type"`
	ID      string     `json:"id"`
	Title   string     `json:"title"`
	Snippet string     `json:"snippet"`
}

// Query describes a search request. Actor decides which hits survive.
type Query struct {
	Text  string
	Limit int
	Actor rbac.Actor
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Backend string   `json:"backend"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// MovementRecord is the data we index for a movement.
type MovementRecord struct {
	ID                string `json:"id"`
	Kind              string `json:"kind"`
	SubjectIdentifier string `json:"subjectIdentifier"`
	Notes             string `json:"notes"`
	CreatedBy         string `json:"createdBy"`
	CreatedByName     string `json:"createdByName"`
	AssignedTo        string `json:"assignedTo"`
}

// AccountRecord is the data we index for an account. Credentials never leave
// the store.
type AccountRecord struct {
	ID          string `json:"id"`
	LoginName   string `json:"loginName"`
	DisplayName string `json:"displayName"`
	Phone       string `json:"phone"`
}

const defaultLimit = 20
