package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"movelog/internal/logging"
	"movelog/internal/util"
)

const notifyChannel = "record_changes"

// PostgresStore keeps every record as a JSONB document in one table. Writes go
// through the pooled *sql.DB; change notifications arrive on a dedicated
// LISTEN connection owned by Run.
type PostgresStore struct {
	db          *sql.DB
	databaseURL string
	log         logging.Logger

	mu         sync.Mutex
	feeds      map[Collection]map[*feed]struct{}
	listenerUp atomic.Bool
}

func NewPostgresStore(db *sql.DB, databaseURL string, log logging.Logger) *PostgresStore {
	if log == nil {
		log = logging.Discard()
	}
	feeds := map[Collection]map[*feed]struct{}{}
	for _, c := range Collections {
		feeds[c] = map[*feed]struct{}{}
	}
	return &PostgresStore{db: db, databaseURL: databaseURL, log: log, feeds: feeds}
}

func (s *PostgresStore) Put(ctx context.Context, c Collection, id string, record json.RawMessage) error {
	if !c.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownCollection, c)
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("put %s: empty id", c)
	}
	if !json.Valid(record) {
		return fmt.Errorf("put %s/%s: record is not valid json", c, id)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (collection, id, body)
		VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (collection, id) DO UPDATE
		SET body = EXCLUDED.body,
		    revision = nextval('record_revision_seq'),
		    updated_at = NOW()
	`, string(c), id, string(record))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("put %s/%s: %w", c, id, ErrDuplicate)
		}
		return fmt.Errorf("put %s/%s: %w: %w", c, id, ErrUnavailable, err)
	}
	return nil
}

// Load reads the full content of c. The snapshot version is the highest
// revision in the collection.
func (s *PostgresStore) Load(ctx context.Context, c Collection) (Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, body, revision FROM records WHERE collection = $1`, string(c))
	if err != nil {
		return Snapshot{}, fmt.Errorf("load %s: %w: %w", c, ErrUnavailable, err)
	}
	defer rows.Close()

	snap := Snapshot{Collection: c, Records: map[string]json.RawMessage{}}
	for rows.Next() {
		var (
			id       string
			body     []byte
			revision int64
		)
		if err := rows.Scan(&id, &body, &revision); err != nil {
			return Snapshot{}, fmt.Errorf("scan %s: %w", c, err)
		}
		snap.Records[id] = json.RawMessage(body)
		if revision > snap.Version {
			snap.Version = revision
		}
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("load %s: %w: %w", c, ErrUnavailable, err)
	}
	return snap, nil
}

func (s *PostgresStore) Subscribe(ctx context.Context, c Collection, onChange func(Snapshot)) (Subscription, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCollection, c)
	}
	if onChange == nil {
		return nil, fmt.Errorf("subscribe %s: nil callback", c)
	}

	f := newFeed(ctx, onChange, func(f *feed) {
		s.mu.Lock()
		delete(s.feeds[c], f)
		s.mu.Unlock()
	})
	// Register before loading so a change landing in between is not lost; the
	// feed drops whichever snapshot turns out older.
	s.mu.Lock()
	s.feeds[c][f] = struct{}{}
	s.mu.Unlock()

	snap, err := s.Load(ctx, c)
	if err != nil {
		f.Close()
		return nil, err
	}
	f.offer(snap)
	return f, nil
}

func (s *PostgresStore) GenerateID(c Collection) string {
	return util.NewID(c.idPrefix())
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if !s.listenerUp.Load() {
		return fmt.Errorf("%w: change listener is not connected", ErrUnavailable)
	}
	return nil
}

// Run holds the LISTEN connection until ctx is done, reconnecting with backoff.
// After every reconnect all subscribed collections are reloaded, since
// notifications sent while disconnected are gone.
func (s *PostgresStore) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := s.listen(ctx)
		s.listenerUp.Store(false)
		if ctx.Err() != nil {
			return nil
		}
		s.log.Warn(ctx, "record listener disconnected", "error", err, "retry_in", backoff.String())
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (s *PostgresStore) listen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, s.databaseURL)
	if err != nil {
		return fmt.Errorf("connect listener: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return fmt.Errorf("listen %s: %w", notifyChannel, err)
	}
	s.listenerUp.Store(true)
	s.log.Info(ctx, "record listener connected", "channel", notifyChannel)

	for _, c := range Collections {
		s.broadcast(ctx, c)
	}
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		c := Collection(n.Payload)
		if !c.Valid() {
			s.log.Warn(ctx, "ignoring notification for unknown collection", "payload", n.Payload)
			continue
		}
		s.broadcast(ctx, c)
	}
}

func (s *PostgresStore) broadcast(ctx context.Context, c Collection) {
	s.mu.Lock()
	empty := len(s.feeds[c]) == 0
	s.mu.Unlock()
	if empty {
		return
	}

	snap, err := s.Load(ctx, c)
	if err != nil {
		s.log.Error(ctx, "reload after change failed", "collection", string(c), "error", err)
		return
	}
	s.mu.Lock()
	for f := range s.feeds[c] {
		f.offer(snap)
	}
	s.mu.Unlock()
}
