package replica

import (
	"sort"
	"strings"

	"movelog/internal/store"
)

// Cache is one immutable view of the three replicated collections. The engine
// never changes a Cache after publishing it; a change produces a new one.
type Cache struct {
	Accounts  map[string]store.Account
	Movements map[string]store.Movement
	Messages  map[string]store.Message

	versions map[store.Collection]int64
	loaded   map[store.Collection]bool
}

func emptyCache() *Cache {
	return &Cache{
		Accounts:  map[string]store.Account{},
		Movements: map[string]store.Movement{},
		Messages:  map[string]store.Message{},
		versions:  map[store.Collection]int64{},
		loaded:    map[store.Collection]bool{},
	}
}

// Version is the store version of the snapshot c was last replaced from.
func (c *Cache) Version(coll store.Collection) int64 {
	return c.versions[coll]
}

// Loaded reports whether a snapshot of coll has been received.
func (c *Cache) Loaded(coll store.Collection) bool {
	return c.loaded[coll]
}

// Ready reports whether every collection has been received at least once.
func (c *Cache) Ready() bool {
	for _, coll := range store.Collections {
		if !c.loaded[coll] {
			return false
		}
	}
	return true
}

func (c *Cache) Account(id string) (store.Account, bool) {
	a, ok := c.Accounts[id]
	return a, ok
}

func (c *Cache) Movement(id string) (store.Movement, bool) {
	m, ok := c.Movements[id]
	return m, ok
}

func (c *Cache) Message(id string) (store.Message, bool) {
	m, ok := c.Messages[id]
	return m, ok
}

// AccountByLogin finds an account by login name, ignoring case and
// surrounding space.
func (c *Cache) AccountByLogin(loginName string) (store.Account, bool) {
	want := strings.ToLower(strings.TrimSpace(loginName))
	if want == "" {
		return store.Account{}, false
	}
	var found store.Account
	ok := false
	for _, a := range c.Accounts {
		if strings.ToLower(strings.TrimSpace(a.LoginName)) != want {
			continue
		}
		// lowest id wins should a duplicate ever slip through
		if !ok || a.ID < found.ID {
			found, ok = a, true
		}
	}
	return found, ok
}

// MovementList returns movements newest first.
func (c *Cache) MovementList() []store.Movement {
	out := make([]store.Movement, 0, len(c.Movements))
	for _, m := range c.Movements {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// MessageList returns messages oldest first.
func (c *Cache) MessageList() []store.Message {
	out := make([]store.Message, 0, len(c.Messages))
	for _, m := range c.Messages {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SentAt.Equal(out[j].SentAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].SentAt.Before(out[j].SentAt)
	})
	return out
}

// AccountList returns accounts ordered by login name.
func (c *Cache) AccountList() []store.Account {
	out := make([]store.Account, 0, len(c.Accounts))
	for _, a := range c.Accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].LoginName) < strings.ToLower(out[j].LoginName)
	})
	return out
}

// with returns a copy of c whose coll is replaced. Unchanged collections are
// shared between the two caches; neither is ever written to.
func (c *Cache) with(coll store.Collection, version int64, replace func(next *Cache)) *Cache {
	next := &Cache{
		Accounts:  c.Accounts,
		Movements: c.Movements,
		Messages:  c.Messages,
		versions:  make(map[store.Collection]int64, len(c.versions)+1),
		loaded:    make(map[store.Collection]bool, len(c.loaded)+1),
	}
	for k, v := range c.versions {
		next.versions[k] = v
	}
	for k, v := range c.loaded {
		next.loaded[k] = v
	}
	replace(next)
	next.versions[coll] = version
	next.loaded[coll] = true
	return next
}
