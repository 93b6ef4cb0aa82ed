package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"movelog/internal/rbac"
)

type Collection string

const (
	CollectionAccounts  Collection = "accounts"
	CollectionMovements Collection = "movements"
	CollectionMessages  Collection = "messages"
)

// Collections lists every replicated collection.
var Collections = []Collection{CollectionAccounts, CollectionMovements, CollectionMessages}

func (c Collection) Valid() bool {
	switch c {
	case CollectionAccounts, CollectionMovements, CollectionMessages:
		return true
	default:
		return false
	}
}

func (c Collection) idPrefix() string {
	switch c {
	case CollectionAccounts:
		return "acc"
	case CollectionMovements:
		return "mv"
	case CollectionMessages:
		return "msg"
	default:
		return ""
	}
}

type MovementKind string

const (
	KindReceive MovementKind = "receive"
	KindDeliver MovementKind = "deliver"
)

func ParseMovementKind(value string) (MovementKind, error) {
	switch MovementKind(strings.ToLower(strings.TrimSpace(value))) {
	case KindReceive:
		return KindReceive, nil
	case KindDeliver:
		return KindDeliver, nil
	default:
		return "", fmt.Errorf("unknown movement kind %q", value)
	}
}

type Account struct {
	ID                   string    `json:"id"`
	LoginName            string    `json:"loginName"`
	CredentialHash       string    `json:"credentialHash"`
	DisplayName          string    `json:"displayName"`
	Role                 rbac.Role `json:"role"`
	Active               bool      `json:"active"`
	MustChangeCredential bool      `json:"mustChangeCredential"`
	Phone                string    `json:"phone"`
	CreatedAt            time.Time `json:"createdAt"`
}

// Actor is the identity an account acts with.
func (a Account) Actor() rbac.Actor {
	return rbac.Actor{
		ID:                   a.ID,
		DisplayName:          a.DisplayName,
		Role:                 a.Role,
		Active:               a.Active,
		MustChangeCredential: a.MustChangeCredential,
	}
}

// NoteEdit is one entry of a movement's notes history.
type NoteEdit struct {
	Value             string    `json:"value"`
	EditorID          string    `json:"editorId"`
	EditorDisplayName string    `json:"editorDisplayName"`
	EditedAt          time.Time `json:"editedAt"`
}

type Movement struct {
	ID                string       `json:"id"`
	Kind              MovementKind `json:"kind"`
	SubjectIdentifier string       `json:"subjectIdentifier"`
	Notes             string       `json:"notes"`
	NotesHistory      []NoteEdit   `json:"notesHistory"`
	CreatedBy         string       `json:"createdBy"`
	CreatedByName     string       `json:"createdByName"`
	CreatedAt         time.Time    `json:"createdAt"`
	AssignedTo        string       `json:"assignedTo,omitempty"`
}

func (m Movement) Resource() rbac.Resource {
	return rbac.Resource{OwnerID: m.CreatedBy, AssigneeID: m.AssignedTo, CreatedAt: m.CreatedAt}
}

type Message struct {
	ID                string    `json:"id"`
	SenderID          string    `json:"senderId"`
	SenderDisplayName string    `json:"senderDisplayName"`
	Audience          string    `json:"audience"`
	Text              string    `json:"text"`
	SentAt            time.Time `json:"sentAt"`
}

func (m Message) Resource() rbac.Resource {
	return rbac.Resource{OwnerID: m.SenderID, Audience: m.Audience, CreatedAt: m.SentAt}
}

// Snapshot is the complete content of one collection at a version. Versions
// only grow; a snapshot with a lower version than one already seen is stale.
// Records must be treated as read-only.
type Snapshot struct {
	Collection Collection
	Version    int64
	Records    map[string]json.RawMessage
}
