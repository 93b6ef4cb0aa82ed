package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"movelog/internal/logging"
)

func TestPostgresStoreReplicatesChanges(t *testing.T) {
	dsn := testDatabaseURL(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, resetPublicSchema(ctx, db))
	migrations, err := Migrations("")
	require.NoError(t, err)
	require.NoError(t, ApplyMigrations(ctx, db, migrations))

	s := NewPostgresStore(db, dsn, logging.Discard())
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go s.Run(runCtx)
	require.Eventually(t, func() bool { return s.Ping(ctx) == nil }, 10*time.Second, 20*time.Millisecond)

	var r recorder
	sub, err := s.Subscribe(ctx, CollectionMovements, r.record)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, s.Put(ctx, CollectionMovements, "mv_1", json.RawMessage(`{"notes":"a"}`)))
	first := r.waitVersion(t, 1)
	require.Len(t, first.Records, 1)

	require.NoError(t, s.Put(ctx, CollectionMovements, "mv_1", json.RawMessage(`{"notes":"b"}`)))
	second := r.waitVersion(t, first.Version+1)
	assert.JSONEq(t, `{"notes":"b"}`, string(second.Records["mv_1"]))

	_, err = db.ExecContext(ctx, `DELETE FROM records WHERE collection = 'movements'`)
	assert.Error(t, err, "deletes must be rejected")
}

func TestPostgresStoreRejectsDuplicateLoginNames(t *testing.T) {
	dsn := testDatabaseURL(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, resetPublicSchema(ctx, db))
	migrations, err := Migrations("")
	require.NoError(t, err)
	require.NoError(t, ApplyMigrations(ctx, db, migrations))

	s := NewPostgresStore(db, dsn, logging.Discard())
	require.NoError(t, s.Put(ctx, CollectionAccounts, "acc_1", json.RawMessage(`{"loginName":"admin"}`)))
	err = s.Put(ctx, CollectionAccounts, "acc_2", json.RawMessage(`{"loginName":"ADMIN"}`))
	assert.ErrorIs(t, err, ErrDuplicate)
}
