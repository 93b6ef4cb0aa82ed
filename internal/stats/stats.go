// Package stats derives the summary counters shown to admins and publishes
// them as Prometheus gauges.
package stats

import (
	"sort"
	"strings"
	"time"

	"movelog/internal/replica"
	"movelog/internal/store"
)

type Summary struct {
	Movements      int `json:"movements"`
	Receive        int `json:"receive"`
	Deliver        int `json:"deliver"`
	Accounts       int `json:"accounts"`
	ActiveAccounts int `json:"activeAccounts"`
	Messages       int `json:"messages"`
}

// Count is one row of a grouped tally.
type Count struct {
	Key     string `json:"key"`
	Label   string `json:"label"`
	Receive int    `json:"receive"`
	Deliver int    `json:"deliver"`
	Total   int    `json:"total"`
}

type Report struct {
	Summary   Summary `json:"summary"`
	ByCreator []Count `json:"byCreator"`
	BySubject []Count `json:"bySubject"`
}

// RangeCount tallies movements created in [From, To].
type RangeCount struct {
	From    time.Time `json:"from"`
	To      time.Time `json:"to"`
	Receive int       `json:"receive"`
	Deliver int       `json:"deliver"`
	Total   int       `json:"total"`
}

func Compute(c *replica.Cache) Report {
	var r Report
	r.Summary.Accounts = len(c.Accounts)
	for _, a := range c.Accounts {
		if a.Active {
			r.Summary.ActiveAccounts++
		}
	}
	r.Summary.Messages = len(c.Messages)

	creators := map[string]*Count{}
	subjects := map[string]*Count{}
	for _, m := range c.Movements {
		r.Summary.Movements++
		tally(&r.Summary.Receive, &r.Summary.Deliver, m.Kind)

		creator := creators[m.CreatedBy]
		if creator == nil {
			label := m.CreatedByName
			if a, ok := c.Account(m.CreatedBy); ok {
				label = a.DisplayName
			}
			creator = &Count{Key: m.CreatedBy, Label: label}
			creators[m.CreatedBy] = creator
		}
		add(creator, m.Kind)

		key := strings.ToUpper(strings.TrimSpace(m.SubjectIdentifier))
		subject := subjects[key]
		if subject == nil {
			subject = &Count{Key: key, Label: m.SubjectIdentifier}
			subjects[key] = subject
		}
		add(subject, m.Kind)
	}
	r.ByCreator = sorted(creators)
	r.BySubject = sorted(subjects)
	return r
}

// Range counts movements created between from and to, both inclusive.
func Range(c *replica.Cache, from, to time.Time) RangeCount {
	out := RangeCount{From: from.UTC(), To: to.UTC()}
	for _, m := range c.Movements {
		if m.CreatedAt.Before(from) || m.CreatedAt.After(to) {
			continue
		}
		out.Total++
		tally(&out.Receive, &out.Deliver, m.Kind)
	}
	return out
}

func tally(receive, deliver *int, kind store.MovementKind) {
	switch kind {
	case store.KindReceive:
		*receive++
	case store.KindDeliver:
		*deliver++
	}
}

func add(c *Count, kind store.MovementKind) {
	c.Total++
	tally(&c.Receive, &c.Deliver, kind)
}

func sorted(in map[string]*Count) []Count {
	out := make([]Count, 0, len(in))
	for _, c := range in {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].Key < out[j].Key
	})
	return out
}
