package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"movelog/internal/notify"
	"movelog/internal/rbac"
	"movelog/internal/replica"
	"movelog/internal/store"
)

const streamWriteTimeout = 5 * time.Second

const (
	EventSnapshot = "snapshot"
	EventAlert    = "alert"
)

// StreamEvent is one frame on /api/stream.
type StreamEvent struct {
	Type      string          `json:"type"`
	Movements []MovementView  `json:"movements,omitempty"`
	Messages  []store.Message `json:"messages,omitempty"`
	Alert     *store.Message  `json:"alert,omitempty"`
}

// Feed is a session's private live view. It runs its own replica engine
// against the store so every connected client converges on its own.
type Feed struct {
	svc        *Service
	actor      rbac.Actor
	engine     *replica.Engine
	dispatcher *notify.Dispatcher
	updates    chan *replica.Cache
}

// OpenFeed subscribes a fresh engine for sess. Close the feed when done.
func (s *Service) OpenFeed(ctx context.Context, sess Session) (*Feed, error) {
	f := &Feed{
		svc:        s,
		actor:      sess.Actor,
		engine:     replica.NewEngine(s.records, s.log.With("component", "feed", "account_id", sess.Actor.ID)),
		dispatcher: notify.NewDispatcher(),
		updates:    make(chan *replica.Cache, 1),
	}
	f.engine.Observe(f.offer)
	if err := f.engine.Start(ctx); err != nil {
		return nil, err
	}
	return f, nil
}

// offer keeps only the newest cache for the writer. The alert baseline is
// taken here from the first ready cache, before coalescing can fold a later
// arrival into it.
func (f *Feed) offer(c *replica.Cache) {
	if c.Ready() {
		f.dispatcher.Prime(c.Messages)
	}
	for {
		select {
		case f.updates <- c:
			return
		default:
		}
		select {
		case <-f.updates:
		default:
		}
	}
}

func (f *Feed) Updates() <-chan *replica.Cache {
	return f.updates
}

// Events turns a cache into frames for this session: the visible snapshot,
// then one alert per newly arrived message unless the account is suspended.
// Nothing is produced until every collection has loaded.
func (f *Feed) Events(c *replica.Cache) []StreamEvent {
	if !c.Ready() {
		return nil
	}
	if account, ok := c.Account(f.actor.ID); ok {
		f.actor = account.Actor()
	}
	now := f.svc.now()
	events := []StreamEvent{{
		Type:      EventSnapshot,
		Movements: f.svc.visibleMovements(c, f.actor, now),
		Messages:  visibleMessages(c, f.actor, now),
	}}
	alerts := f.dispatcher.Observe(c.Messages, f.actor)
	if !f.actor.Active {
		// Suspended sessions still mark arrivals seen but raise nothing.
		return events
	}
	for _, msg := range alerts {
		events = append(events, StreamEvent{Type: EventAlert, Alert: &msg})
	}
	return events
}

func (f *Feed) Close() error {
	return f.engine.Close()
}

func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		token = bearerToken(r)
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, CodeUnauthenticated, "Sign in required", nil)
		return
	}
	sess, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	opts := &websocket.AcceptOptions{InsecureSkipVerify: s.corsOrigin == "*"}
	if !opts.InsecureSkipVerify {
		origin := s.corsOrigin
		if i := strings.Index(origin, "://"); i >= 0 {
			origin = origin[i+3:]
		}
		opts.OriginPatterns = []string{origin}
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.log.Warn(r.Context(), "stream upgrade failed", "error", err)
		return
	}
	defer conn.CloseNow()

	// Clients never send; CloseRead handles control frames and ends ctx on
	// disconnect.
	ctx := conn.CloseRead(context.WithoutCancel(r.Context()))

	feed, err := s.service.OpenFeed(ctx, sess)
	if err != nil {
		s.log.Error(ctx, "open feed", "account_id", sess.Actor.ID, "error", err)
		conn.Close(websocket.StatusInternalError, "store unavailable")
		return
	}
	defer feed.Close()

	s.log.Info(ctx, "stream opened", "account_id", sess.Actor.ID)
	for {
		select {
		case <-ctx.Done():
			s.log.Info(ctx, "stream closed", "account_id", sess.Actor.ID)
			return
		case c := <-feed.Updates():
			for _, ev := range feed.Events(c) {
				if err := writeEvent(ctx, conn, ev); err != nil {
					if !errors.Is(err, context.Canceled) {
						s.log.Warn(ctx, "stream write failed", "account_id", sess.Actor.ID, "error", err)
					}
					return
				}
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev StreamEvent) error {
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, ev)
}
