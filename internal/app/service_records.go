package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"movelog/internal/history"
	"movelog/internal/rbac"
	"movelog/internal/replica"
	"movelog/internal/search"
	"movelog/internal/stats"
	"movelog/internal/store"
)

// MovementView is a movement plus what the viewer may do with it right now.
type MovementView struct {
	store.Movement
	Original   string          `json:"original"`
	Edited     bool            `json:"edited"`
	LastEdit   *store.NoteEdit `json:"lastEdit,omitempty"`
	CanEdit    bool            `json:"canEdit"`
	EditReason rbac.Reason     `json:"editReason,omitempty"`
	Pending    bool            `json:"pending,omitempty"`
}

func (s *Service) movementView(actor rbac.Actor, m store.Movement, now time.Time) MovementView {
	if m.NotesHistory == nil {
		m.NotesHistory = []store.NoteEdit{}
	}
	view := MovementView{Movement: m, Original: history.Original(m), Edited: history.Edited(m)}
	if last, ok := history.LastEdit(m); ok && view.Edited {
		view.LastEdit = &last
	}
	if d := rbac.Gate(actor, rbac.ActionEditMovementNotes); d.Denied() {
		view.EditReason = d.Reason
		return view
	}
	d := rbac.Decide(actor, rbac.ActionEditMovementNotes, m.Resource(), now)
	view.CanEdit = d.Allowed
	view.EditReason = d.Reason
	return view
}

// ListMovements returns the movements the actor may see, newest first.
func (s *Service) ListMovements(sess Session) []MovementView {
	return s.visibleMovements(s.engine.Snapshot(), sess.Actor, s.now())
}

func (s *Service) visibleMovements(c *replica.Cache, actor rbac.Actor, now time.Time) []MovementView {
	out := []MovementView{}
	for _, m := range c.MovementList() {
		if rbac.Decide(actor, rbac.ActionViewMovement, m.Resource(), now).Allowed {
			out = append(out, s.movementView(actor, m, now))
		}
	}
	return out
}

func (s *Service) GetMovement(sess Session, id string) (MovementView, error) {
	m, ok := s.engine.Snapshot().Movement(id)
	if !ok {
		return MovementView{}, notFound("Movement")
	}
	if err := s.allowedToView(sess.Actor, rbac.ActionViewMovement, m.Resource()); err != nil {
		return MovementView{}, err
	}
	return s.movementView(sess.Actor, m, s.now()), nil
}

type CreateMovementInput struct {
	Kind              string `json:"kind"`
	SubjectIdentifier string `json:"subjectIdentifier"`
	Notes             string `json:"notes"`
	AssignedTo        string `json:"assignedTo"`
}

func (in CreateMovementInput) attempted() map[string]any {
	return map[string]any{"kind": in.Kind, "subjectIdentifier": in.SubjectIdentifier, "notes": in.Notes, "assignedTo": in.AssignedTo}
}

// CreateMovement writes a new record. The returned view is pending: it shows
// up in listings once the store echoes it back.
func (s *Service) CreateMovement(ctx context.Context, sess Session, in CreateMovementInput) (MovementView, error) {
	assignee := strings.TrimSpace(in.AssignedTo)
	if err := s.authorize(sess.Actor, rbac.ActionCreateMovement, rbac.Resource{AssigneeID: assignee}); err != nil {
		return MovementView{}, err
	}
	kind, err := store.ParseMovementKind(in.Kind)
	if err != nil {
		return MovementView{}, validationFailed("kind", "Kind must be receive or deliver")
	}
	subject := strings.TrimSpace(in.SubjectIdentifier)
	if subject == "" {
		return MovementView{}, validationFailed("subjectIdentifier", "Subject identifier is required")
	}
	if assignee == "" && sess.Actor.Role == rbac.RoleMember {
		assignee = sess.Actor.ID
	}
	if assignee != "" {
		if _, ok := s.engine.Snapshot().Account(assignee); !ok {
			return MovementView{}, validationFailed("assignedTo", "Assignee does not exist")
		}
	}

	now := s.now().UTC()
	m := store.Movement{
		ID:                s.engine.GenerateID(store.CollectionMovements),
		Kind:              kind,
		SubjectIdentifier: subject,
		Notes:             strings.TrimSpace(in.Notes),
		CreatedBy:         sess.Actor.ID,
		CreatedByName:     sess.Actor.DisplayName,
		CreatedAt:         now,
		AssignedTo:        assignee,
	}
	if err := s.writeOrFail(ctx, store.CollectionMovements, m.ID, m, in.attempted()); err != nil {
		return MovementView{}, err
	}
	s.log.Info(ctx, "movement created", "movement_id", m.ID, "kind", string(kind), "by", sess.Actor.ID)
	view := s.movementView(sess.Actor, m, now)
	view.Pending = true
	return view, nil
}

// EditNotes is the only mutation a movement accepts after creation: gate,
// rules, history, then a whole-record write.
func (s *Service) EditNotes(ctx context.Context, sess Session, id, value string) (MovementView, error) {
	m, ok := s.engine.Snapshot().Movement(id)
	if !ok {
		return MovementView{}, notFound("Movement")
	}
	now := s.now()
	if err := s.authorizeAt(sess.Actor, rbac.ActionEditMovementNotes, m.Resource(), now); err != nil {
		return MovementView{}, err
	}
	updated, err := history.AppendNoteEdit(m, value, history.Editor{ID: sess.Actor.ID, DisplayName: sess.Actor.DisplayName}, now)
	if errors.Is(err, history.ErrEmptyValue) {
		return MovementView{}, validationFailed("notes", "Notes cannot be empty")
	}
	if err != nil {
		return MovementView{}, err
	}
	if err := s.writeOrFail(ctx, store.CollectionMovements, updated.ID, updated, map[string]any{"notes": value}); err != nil {
		return MovementView{}, err
	}
	s.log.Info(ctx, "movement notes edited", "movement_id", id, "by", sess.Actor.ID, "entries", len(updated.NotesHistory))
	view := s.movementView(sess.Actor, updated, now)
	view.Pending = true
	return view, nil
}

// ListMessages returns the messages the actor may read, oldest first.
func (s *Service) ListMessages(sess Session) []store.Message {
	return visibleMessages(s.engine.Snapshot(), sess.Actor, s.now())
}

func visibleMessages(c *replica.Cache, actor rbac.Actor, now time.Time) []store.Message {
	out := []store.Message{}
	for _, m := range c.MessageList() {
		if rbac.Decide(actor, rbac.ActionViewMessage, m.Resource(), now).Allowed {
			out = append(out, m)
		}
	}
	return out
}

type SendMessageInput struct {
	Audience string `json:"audience"`
	Text     string `json:"text"`
}

const maxMessageLength = 2000

func (s *Service) SendMessage(ctx context.Context, sess Session, in SendMessageInput) (store.Message, error) {
	if d := rbac.Gate(sess.Actor, rbac.ActionSendMessage); d.Denied() {
		return store.Message{}, unauthorized(d)
	}
	audience := strings.TrimSpace(in.Audience)
	res := rbac.Resource{OwnerID: sess.Actor.ID, Audience: audience}
	if audience != "" && audience != rbac.AudienceAll {
		target, ok := s.engine.Snapshot().Account(audience)
		if !ok {
			return store.Message{}, validationFailed("audience", "Recipient does not exist")
		}
		res.AudienceRole = target.Role
	}
	if d := rbac.Decide(sess.Actor, rbac.ActionSendMessage, res, s.now()); d.Denied() {
		return store.Message{}, unauthorized(d)
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return store.Message{}, validationFailed("text", "Message text is required")
	}
	if len(text) > maxMessageLength {
		return store.Message{}, validationFailed("text", "Message is too long")
	}

	msg := store.Message{
		ID:                s.engine.GenerateID(store.CollectionMessages),
		SenderID:          sess.Actor.ID,
		SenderDisplayName: sess.Actor.DisplayName,
		Audience:          audience,
		Text:              text,
		SentAt:            s.now().UTC(),
	}
	if err := s.writeOrFail(ctx, store.CollectionMessages, msg.ID, msg, map[string]any{"audience": in.Audience, "text": in.Text}); err != nil {
		return store.Message{}, err
	}
	return msg, nil
}

type StatsResult struct {
	stats.Report
	Range *stats.RangeCount `json:"range,omitempty"`
}

// Stats returns the summary counters; from and to, when both set, add a range
// tally.
func (s *Service) Stats(sess Session, from, to *time.Time) (StatsResult, error) {
	if err := s.allowedToView(sess.Actor, rbac.ActionViewStatistics, rbac.Resource{}); err != nil {
		return StatsResult{}, err
	}
	c := s.engine.Snapshot()
	out := StatsResult{Report: stats.Compute(c)}
	if from != nil && to != nil {
		if to.Before(*from) {
			return StatsResult{}, validationFailed("to", "Range end is before its start")
		}
		r := stats.Range(c, *from, *to)
		out.Range = &r
	}
	return out, nil
}

func (s *Service) Search(sess Session, text string, limit int) search.Response {
	return s.search.Search(search.Query{Text: text, Limit: limit, Actor: sess.Actor})
}
