package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"movelog/internal/rbac"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, s
}

func memberRecord(id string) Record {
	return Record{
		AccountID:   id,
		DisplayName: "User One",
		Role:        rbac.RoleMember,
		Active:      true,
		CreatedAt:   time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestNewRedisStore(t *testing.T) {
	store, _ := setupTestRedis(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewRedisStoreRejectsBadURL(t *testing.T) {
	if _, err := NewRedisStore("not a url"); err == nil {
		t.Fatal("expected error for malformed url")
	}
}

func TestSaveAndLookup(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	want := memberRecord("acc_1")
	want.MustChangeCredential = true
	if err := store.Save(ctx, "hash-1", want, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.Lookup(ctx, "hash-1")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) {
		t.Fatalf("created at %v, want %v", got.CreatedAt, want.CreatedAt)
	}
	got.CreatedAt = want.CreatedAt
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if actor := got.Actor(); actor.ID != "acc_1" || actor.Role != rbac.RoleMember || !actor.MustChangeCredential {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestSavedRecordHoldsNoCredential(t *testing.T) {
	store, s := setupTestRedis(t)
	if err := store.Save(context.Background(), "hash-1", memberRecord("acc_1"), time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	raw, err := s.Get("movelog:session:hash-1")
	if err != nil {
		t.Fatalf("raw get: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		t.Fatalf("decode stored session: %v", err)
	}
	for key := range fields {
		lower := strings.ToLower(key)
		if strings.Contains(lower, "hash") || strings.Contains(lower, "password") || lower == "credential" {
			t.Fatalf("stored session carries %q: %s", key, raw)
		}
	}
}

func TestLookupExpired(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()

	if err := store.Save(ctx, "hash-exp", memberRecord("acc_1"), time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	s.FastForward(2 * time.Minute)

	if _, err := store.Lookup(ctx, "hash-exp"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	if err := store.Save(ctx, "hash-1", memberRecord("acc_1"), time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Delete(ctx, "hash-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Lookup(ctx, "hash-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.Delete(ctx, "never-existed"); err != nil {
		t.Fatalf("Delete of unknown session failed: %v", err)
	}
}

func TestSessionIsolation(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()
	expiresAt := time.Now().Add(time.Hour)

	if err := store.Save(ctx, "token-1", memberRecord("acc_1"), expiresAt); err != nil {
		t.Fatalf("Save 1 failed: %v", err)
	}
	if err := store.Save(ctx, "token-2", memberRecord("acc_2"), expiresAt); err != nil {
		t.Fatalf("Save 2 failed: %v", err)
	}
	if err := store.Delete(ctx, "token-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, err := store.Lookup(ctx, "token-1"); err == nil {
		t.Error("expected token-1 to be gone")
	}
	rec, err := store.Lookup(ctx, "token-2")
	if err != nil {
		t.Fatalf("Lookup token-2 failed: %v", err)
	}
	if rec.AccountID != "acc_2" {
		t.Errorf("expected acc_2, got %s", rec.AccountID)
	}
}

func TestMemoryStore(t *testing.T) {
	now := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	store.now = func() time.Time { return now }
	ctx := context.Background()

	if err := store.Save(ctx, "hash-1", memberRecord("acc_1"), now.Add(time.Hour)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := store.Lookup(ctx, "hash-1"); err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}

	now = now.Add(time.Hour)
	if _, err := store.Lookup(ctx, "hash-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expiry at the deadline, got %v", err)
	}

	if err := store.Save(ctx, "hash-2", memberRecord("acc_2"), now.Add(time.Hour)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	_ = store.Delete(ctx, "hash-2")
	if _, err := store.Lookup(ctx, "hash-2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestFromActorRoundTrip(t *testing.T) {
	actor := rbac.Actor{ID: "acc_1", DisplayName: "Administrator", Role: rbac.RoleAdmin, Active: true, MustChangeCredential: true}
	if got := FromActor(actor, time.Now()).Actor(); got != actor {
		t.Fatalf("got %+v, want %+v", got, actor)
	}
}
