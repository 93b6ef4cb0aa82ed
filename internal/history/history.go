// Package history keeps the append-only notes history of movement records.
//
// AppendNoteEdit does not authorize. Callers decide first (rbac.Decide) and
// only then build the replacement record.
package history

import (
	"errors"
	"strings"
	"time"

	"movelog/internal/store"
)

var ErrEmptyValue = errors.New("notes value is empty")

// Editor identifies who made an edit.
type Editor struct {
	ID          string
	DisplayName string
}

// AppendNoteEdit returns a full replacement of m with newValue appended to its
// notes history and set as the current notes. A record without history is
// first seeded with its creation-time value, so the original text stays at
// index 0 forever. Equal consecutive values are not merged.
func AppendNoteEdit(m store.Movement, newValue string, editor Editor, now time.Time) (store.Movement, error) {
	value := strings.TrimSpace(newValue)
	if value == "" {
		return store.Movement{}, ErrEmptyValue
	}

	entries := make([]store.NoteEdit, 0, len(m.NotesHistory)+2)
	if len(m.NotesHistory) == 0 {
		entries = append(entries, store.NoteEdit{
			Value:             m.Notes,
			EditorID:          m.CreatedBy,
			EditorDisplayName: m.CreatedByName,
			EditedAt:          m.CreatedAt,
		})
	} else {
		entries = append(entries, m.NotesHistory...)
	}
	entries = append(entries, store.NoteEdit{
		Value:             value,
		EditorID:          editor.ID,
		EditorDisplayName: editor.DisplayName,
		EditedAt:          now.UTC(),
	})

	out := m
	out.NotesHistory = entries
	out.Notes = value
	return out, nil
}

// Original is the value the notes had when the record was created.
func Original(m store.Movement) string {
	if len(m.NotesHistory) == 0 {
		return m.Notes
	}
	return m.NotesHistory[0].Value
}

// Edited reports whether the notes were changed after creation.
func Edited(m store.Movement) bool {
	return len(m.NotesHistory) > 1
}

// LastEdit returns the most recent history entry, if any.
func LastEdit(m store.Movement) (store.NoteEdit, bool) {
	if len(m.NotesHistory) == 0 {
		return store.NoteEdit{}, false
	}
	return m.NotesHistory[len(m.NotesHistory)-1], true
}
