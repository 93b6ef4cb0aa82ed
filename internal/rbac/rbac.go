// Package rbac holds the authorization rules: who may do what to which record,
// and for how long after it was created.
//
// Decide and Gate are pure. They never read the clock, a store or global state;
// callers pass the actor, the resource snapshot and the current instant.
package rbac

import (
	"fmt"
	"strings"
	"time"
)

type Role string
type Action string
type Reason string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

const (
	ActionEditMovementNotes   Action = "edit-movement-notes"
	ActionViewMovement        Action = "view-movement"
	ActionManageAccounts      Action = "manage-accounts"
	ActionSendMessage         Action = "send-message"
	ActionViewMessage         Action = "view-message"
	ActionCreateMovement      Action = "create-movement"
	ActionChangeOwnCredential Action = "change-own-credential"
	ActionUpdateOwnPhone      Action = "update-own-phone"
	ActionViewStatistics      Action = "view-statistics"
	ActionViewDirectory       Action = "view-directory"
)

const (
	ReasonNone                     Reason = ""
	ReasonSuspended                Reason = "account-suspended"
	ReasonCredentialChangeRequired Reason = "credential-change-required"
	ReasonNotOwner                 Reason = "not-owner"
	ReasonTimeExpired              Reason = "time-expired"
	ReasonNotVisible               Reason = "not-visible"
	ReasonAdminOnly                Reason = "admin-only"
	ReasonAudienceForbidden        Reason = "audience-forbidden"
	ReasonAssignmentForbidden      Reason = "assignment-forbidden"
	ReasonUnknownRole              Reason = "unknown-role"
	ReasonUnknownAction            Reason = "unknown-action"
)

// AudienceAll addresses a message to every account.
const AudienceAll = "all"

// NoteEditWindow is how long a member may edit notes on a movement they created.
// The boundary is inclusive.
const NoteEditWindow = 24 * time.Hour

// Actor is the authenticated account an operation runs as.
type Actor struct {
	ID                   string
	DisplayName          string
	Role                 Role
	Active               bool
	MustChangeCredential bool
}

// Resource is the slice of a record the rules look at. Only the fields relevant
// to the action need to be set.
type Resource struct {
	OwnerID    string
	AssigneeID string
	CreatedAt  time.Time
	// Audience and AudienceRole describe a message target. AudienceRole is the
	// role of the targeted account and is empty for AudienceAll or unknown ids.
	Audience     string
	AudienceRole Role
}

type Decision struct {
	Allowed bool
	Reason  Reason
}

func allow() Decision        { return Decision{Allowed: true} }
func deny(r Reason) Decision { return Decision{Reason: r} }

func (d Decision) Denied() bool { return !d.Allowed }

func (d Decision) String() string {
	if d.Allowed {
		return "allowed"
	}
	return "denied: " + string(d.Reason)
}

// Decide evaluates the rules in order; the first matching rule wins.
func Decide(actor Actor, action Action, res Resource, now time.Time) Decision {
	if !actor.Active {
		return deny(ReasonSuspended)
	}
	if !actor.Role.Valid() {
		return deny(ReasonUnknownRole)
	}

	switch action {
	case ActionEditMovementNotes:
		return decideEditNotes(actor, res, now)
	case ActionViewMovement:
		return decideViewMovement(actor, res)
	case ActionManageAccounts, ActionViewStatistics, ActionViewDirectory:
		return adminOnly(actor)
	case ActionSendMessage:
		return decideSendMessage(actor, res)
	case ActionViewMessage:
		return decideViewMessage(actor, res)
	case ActionCreateMovement:
		return decideCreateMovement(actor, res)
	case ActionChangeOwnCredential, ActionUpdateOwnPhone:
		if res.OwnerID != actor.ID {
			return deny(ReasonNotOwner)
		}
		return allow()
	default:
		return deny(ReasonUnknownAction)
	}
}

func decideEditNotes(actor Actor, res Resource, now time.Time) Decision {
	switch actor.Role {
	case RoleAdmin:
		return allow()
	case RoleMember:
		if res.OwnerID != actor.ID {
			return deny(ReasonNotOwner)
		}
		if now.Sub(res.CreatedAt) > NoteEditWindow {
			return deny(ReasonTimeExpired)
		}
		return allow()
	default:
		return deny(ReasonUnknownRole)
	}
}

func decideViewMovement(actor Actor, res Resource) Decision {
	switch actor.Role {
	case RoleAdmin:
		return allow()
	case RoleMember:
		if res.OwnerID == actor.ID || (res.AssigneeID != "" && res.AssigneeID == actor.ID) {
			return allow()
		}
		return deny(ReasonNotVisible)
	default:
		return deny(ReasonUnknownRole)
	}
}

func adminOnly(actor Actor) Decision {
	switch actor.Role {
	case RoleAdmin:
		return allow()
	case RoleMember:
		return deny(ReasonAdminOnly)
	default:
		return deny(ReasonUnknownRole)
	}
}

func decideSendMessage(actor Actor, res Resource) Decision {
	audience := strings.TrimSpace(res.Audience)
	if audience == "" {
		return deny(ReasonAudienceForbidden)
	}
	switch actor.Role {
	case RoleAdmin:
		if audience == AudienceAll || res.AudienceRole.Valid() {
			return allow()
		}
		return deny(ReasonAudienceForbidden)
	case RoleMember:
		if audience != AudienceAll && res.AudienceRole == RoleAdmin {
			return allow()
		}
		return deny(ReasonAudienceForbidden)
	default:
		return deny(ReasonUnknownRole)
	}
}

func decideViewMessage(actor Actor, res Resource) Decision {
	switch actor.Role {
	case RoleAdmin:
		return allow()
	case RoleMember:
		if res.OwnerID == actor.ID || res.Audience == AudienceAll || res.Audience == actor.ID {
			return allow()
		}
		return deny(ReasonNotVisible)
	default:
		return deny(ReasonUnknownRole)
	}
}

func decideCreateMovement(actor Actor, res Resource) Decision {
	switch actor.Role {
	case RoleAdmin:
		return allow()
	case RoleMember:
		if res.AssigneeID == "" || res.AssigneeID == actor.ID {
			return allow()
		}
		return deny(ReasonAssignmentForbidden)
	default:
		return deny(ReasonUnknownRole)
	}
}

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleMember:
		return true
	default:
		return false
	}
}

// ParseRole accepts the closed set of roles. "user" is the legacy spelling of member.
func ParseRole(value string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(RoleAdmin):
		return RoleAdmin, nil
	case string(RoleMember), "user":
		return RoleMember, nil
	default:
		return "", fmt.Errorf("unknown role %q", value)
	}
}
