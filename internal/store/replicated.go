package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

var (
	// ErrUnavailable means the remote store could not be reached or refused the
	// operation for an infrastructure reason. It is never retried automatically.
	ErrUnavailable = errors.New("store unavailable")
	ErrNotFound    = errors.New("record not found")
	// ErrDuplicate is returned when a write would break a uniqueness constraint.
	ErrDuplicate         = errors.New("duplicate record")
	ErrUnknownCollection = errors.New("unknown collection")
)

// Replicated is the shared remote store every session reads from and writes to.
// Writes replace a whole record; there are no transactions across records.
type Replicated interface {
	// Subscribe calls onChange once with the current full snapshot of the
	// collection and again with the full snapshot after every change.
	Subscribe(ctx context.Context, c Collection, onChange func(Snapshot)) (Subscription, error)
	Put(ctx context.Context, c Collection, id string, record json.RawMessage) error
	GenerateID(c Collection) string
	Ping(ctx context.Context) error
}

type Subscription interface {
	Close() error
	Done() <-chan struct{}
}

// feed delivers snapshots to one subscriber. Snapshots are complete, so a slow
// subscriber only ever needs the newest one: older pending snapshots are dropped.
type feed struct {
	latest  chan Snapshot
	done    chan struct{}
	cancel  context.CancelFunc
	onClose func(*feed)

	mu          sync.Mutex
	lastVersion int64
	offered     bool
	closeOnce   sync.Once
}

func newFeed(ctx context.Context, onChange func(Snapshot), onClose func(*feed)) *feed {
	ctx, cancel := context.WithCancel(ctx)
	f := &feed{
		latest:  make(chan Snapshot, 1),
		done:    make(chan struct{}),
		cancel:  cancel,
		onClose: onClose,
	}
	go func() {
		defer close(f.done)
		for {
			select {
			case <-ctx.Done():
				f.Close()
				return
			case snap := <-f.latest:
				onChange(snap)
			}
		}
	}()
	return f
}

func (f *feed) offer(snap Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offered && snap.Version < f.lastVersion {
		return
	}
	f.offered = true
	f.lastVersion = snap.Version
	for {
		select {
		case f.latest <- snap:
			return
		default:
		}
		select {
		case <-f.latest:
		default:
		}
	}
}

func (f *feed) Close() error {
	f.closeOnce.Do(func() {
		f.cancel()
		if f.onClose != nil {
			f.onClose(f)
		}
	})
	return nil
}

func (f *feed) Done() <-chan struct{} {
	return f.done
}

func copyRecords(in map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(in))
	for id, raw := range in {
		out[id] = raw
	}
	return out
}
