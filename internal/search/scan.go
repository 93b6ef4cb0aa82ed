package search

import (
	"strings"

	"movelog/internal/replica"
)

// scan matches q against the local cache with a case-insensitive substring
// test. It is the fallback when Meilisearch is absent or unhealthy.
func scan(c *replica.Cache, text string) []Result {
	needle := strings.ToLower(strings.TrimSpace(text))
	if needle == "" {
		return nil
	}

	var results []Result
	for _, m := range c.MovementList() {
		fields := []string{m.SubjectIdentifier, m.Notes, string(m.Kind), m.CreatedByName}
		if hit, ok := firstMatch(needle, fields...); ok {
			results = append(results, Result{Type: ResultMovement, ID: m.ID, Title: m.SubjectIdentifier, Snippet: hit})
		}
	}
	for _, a := range c.AccountList() {
		if hit, ok := firstMatch(needle, a.LoginName, a.DisplayName, a.Phone); ok {
			results = append(results, Result{Type: ResultAccount, ID: a.ID, Title: a.DisplayName, Snippet: hit})
		}
	}
	return results
}

func firstMatch(needle string, fields ...string) (string, bool) {
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), needle) {
			return f, true
		}
	}
	return "", false
}
