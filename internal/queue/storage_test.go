package queue

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/busybox42/relayq/internal/delivery"
	"github.com/busybox42/relayq/internal/policy"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storedMessage(id string, seq uint64) *Message {
	d := newDomain("foobar.org", []Recipient{
		{Address: "ok@foobar.org", Notify: NotifySuccess | NotifyFailure, Status: RecipientPending},
		{Address: "fail@foobar.org", Notify: DefaultNotify, Status: RecipientFailed,
			Diagnostic: &delivery.Diagnostic{Kind: delivery.KindRejected, Host: "mx.foobar.org", Code: 550, Message: "no"}},
	}, policy.Schedule{Retry: []time.Duration{time.Minute}, Notify: []time.Duration{time.Hour}, Expire: 24 * time.Hour}, epoch)
	return &Message{
		ID:         id,
		ReturnPath: "john@test.org",
		Size:       42,
		CreatedAt:  epoch,
		Seq:        seq,
		Domains:    []Domain{d},
	}
}

func testStores(t *testing.T) map[string]Store {
	t.Helper()

	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	sqlStore, err := OpenSQLStore(context.Background(), "sqlite3", filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlStore.Close() })

	return map[string]Store{
		"file":   fs,
		"redis":  NewRedisStore(client, "test"),
		"sqlite": sqlStore,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			msg := storedMessage("m1", 1)
			require.NoError(t, store.Save(ctx, msg))
			require.NoError(t, store.SaveBody(ctx, "m1", []byte("Subject: hi\r\n\r\nbody\r\n")))

			got, err := store.Load(ctx, "m1")
			require.NoError(t, err)
			assert.Equal(t, msg.ReturnPath, got.ReturnPath)
			assert.True(t, msg.CreatedAt.Equal(got.CreatedAt))
			require.Len(t, got.Domains, 1)
			d := got.Domains[0]
			assert.Equal(t, msg.Domains[0].Schedule, d.Schedule)
			assert.Equal(t, NotifySuccess|NotifyFailure, d.Recipients[0].Notify)
			require.NotNil(t, d.Recipients[1].Diagnostic)
			assert.Equal(t, 550, d.Recipients[1].Diagnostic.Code)

			body, err := store.LoadBody(ctx, "m1")
			require.NoError(t, err)
			assert.Equal(t, "Subject: hi\r\n\r\nbody\r\n", string(body))

			// Updates overwrite in place.
			msg.Domains[0].Attempts = 3
			require.NoError(t, store.Save(ctx, msg))
			got, err = store.Load(ctx, "m1")
			require.NoError(t, err)
			assert.Equal(t, 3, got.Domains[0].Attempts)

			require.NoError(t, store.Delete(ctx, "m1"))
			require.NoError(t, store.DeleteBody(ctx, "m1"))
			_, err = store.Load(ctx, "m1")
			assert.ErrorIs(t, err, ErrMessageNotFound)
			_, err = store.LoadBody(ctx, "m1")
			assert.ErrorIs(t, err, ErrMessageNotFound)
		})
	}
}

func TestStoreListOrdersBySeq(t *testing.T) {
	ctx := context.Background()
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			for _, m := range []*Message{storedMessage("c", 3), storedMessage("a", 1), storedMessage("b", 2)} {
				require.NoError(t, store.Save(ctx, m))
			}
			msgs, err := store.List(ctx)
			require.NoError(t, err)
			require.Len(t, msgs, 3)
			assert.Equal(t, "a", msgs[0].ID)
			assert.Equal(t, "b", msgs[1].ID)
			assert.Equal(t, "c", msgs[2].ID)
		})
	}
}

func TestFileStoreRejectsTraversal(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	for _, id := range []string{"", "../etc/passwd", "a/b", `a\b`, ".."} {
		assert.Error(t, fs.SaveBody(ctx, id, []byte("x")), "%q", id)
		_, err := fs.Load(ctx, id)
		assert.Error(t, err, "%q", id)
		assert.NotErrorIs(t, err, ErrMessageNotFound, "%q", id)
	}
}

func TestFileStoreDirectoryPermissions(t *testing.T) {
	dir := t.TempDir()
	_, err := NewFileStore(dir)
	require.NoError(t, err)

	for _, sub := range []string{"messages", "data", "tmp"} {
		info, err := os.Stat(filepath.Join(dir, sub))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0700), info.Mode().Perm(), sub)
	}
}

func TestFileStoreListSkipsCorruptFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, fs.Save(ctx, storedMessage("good", 1)))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "messages", "bad.json"), []byte("{"), 0600))

	msgs, err := fs.List(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "good", msgs[0].ID)
}

func TestSQLStorePostgresQueries(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewSQLStore(db, DialectPostgres)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta(
		"INSERT INTO queue_meta (id, seq, meta) VALUES ($1, $2, $3) ON CONFLICT (id) DO UPDATE SET seq = excluded.seq, meta = excluded.meta",
	)).WithArgs("m1", int64(7), sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.Save(ctx, storedMessage("m1", 7)))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT meta FROM queue_meta WHERE id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"meta"}))
	_, err = store.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrMessageNotFound)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM queue_bodies WHERE id = $1")).
		WithArgs("m1").
		WillReturnError(sql.ErrConnDone)
	assert.ErrorIs(t, store.DeleteBody(ctx, "m1"), sql.ErrConnDone)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreMySQLUpsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewSQLStore(db, DialectMySQL)
	mock.ExpectExec(regexp.QuoteMeta(
		"INSERT INTO queue_bodies (id, body) VALUES (?, ?) ON DUPLICATE KEY UPDATE body = VALUES(body)",
	)).WithArgs("m1", []byte("data")).WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.SaveBody(context.Background(), "m1", []byte("data")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDialectFor(t *testing.T) {
	for driver, want := range map[string]Dialect{
		"sqlite3":  DialectSQLite,
		"postgres": DialectPostgres,
		"mysql":    DialectMySQL,
	} {
		got, err := DialectFor(driver)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := DialectFor("oracle")
	assert.Error(t, err)
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	store, closer, err := OpenStore(ctx, StoreConfig{Type: "redis", RedisAddr: mr.Addr()})
	require.NoError(t, err)
	assert.IsType(t, &RedisStore{}, store)
	require.NoError(t, closer.Close())

	store, closer, err = OpenStore(ctx, StoreConfig{Type: "file", Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, store)
	require.NoError(t, closer.Close())

	_, _, err = OpenStore(ctx, StoreConfig{Type: "tape"})
	assert.Error(t, err)
}
