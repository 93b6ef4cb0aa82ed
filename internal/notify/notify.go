// Package notify decides which inbound messages raise an alert for a session.
package notify

import (
	"sort"
	"sync"

	"movelog/internal/rbac"
	"movelog/internal/store"
)

type Delivery string

const (
	Suppress Delivery = "suppress"
	Alert    Delivery = "alert"
)

// Decide is evaluated once per newly observed message. Self-authored messages
// never alert; members are alerted only for broadcasts and messages addressed
// to them; admins for everything else.
func Decide(msg store.Message, actor rbac.Actor) Delivery {
	if msg.SenderID == actor.ID {
		return Suppress
	}
	switch actor.Role {
	case rbac.RoleAdmin:
		return Alert
	case rbac.RoleMember:
		if msg.Audience == rbac.AudienceAll || msg.Audience == actor.ID {
			return Alert
		}
		return Suppress
	default:
		return Suppress
	}
}

// Dispatcher tracks which messages a session has already seen. The first
// observed set is the baseline and never alerts.
type Dispatcher struct {
	mu       sync.Mutex
	seen     map[string]struct{}
	baseline bool
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{seen: map[string]struct{}{}}
}

// Prime records messages as the baseline if none has been taken yet. Later
// calls are no-ops.
func (d *Dispatcher) Prime(messages map[string]store.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.baseline {
		return
	}
	for id := range messages {
		d.seen[id] = struct{}{}
	}
	d.baseline = true
}

// Observe takes the full current message set and returns the new arrivals
// that should alert actor, oldest first.
func (d *Dispatcher) Observe(messages map[string]store.Message, actor rbac.Actor) []store.Message {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.baseline {
		for id := range messages {
			d.seen[id] = struct{}{}
		}
		d.baseline = true
		return nil
	}

	var alerts []store.Message
	for id, msg := range messages {
		if _, ok := d.seen[id]; ok {
			continue
		}
		d.seen[id] = struct{}{}
		if Decide(msg, actor) == Alert {
			alerts = append(alerts, msg)
		}
	}
	sort.Slice(alerts, func(i, j int) bool {
		if alerts[i].SentAt.Equal(alerts[j].SentAt) {
			return alerts[i].ID < alerts[j].ID
		}
		return alerts[i].SentAt.Before(alerts[j].SentAt)
	})
	return alerts
}
