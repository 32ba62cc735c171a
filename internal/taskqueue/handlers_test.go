package taskqueue

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/shelf/internal/ir"
	"github.com/roach88/shelf/internal/store"
)

func fixedNow() time.Time { return epoch }

func TestBackupDatabase(t *testing.T) {
	ctx := context.Background()
	q, st := newQueue(t)
	_, err := st.Insert(ctx, "note", ir.Row{"id": "n1", "text": "keep me"})
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "backups")
	reg := NewRegistry()
	reg.Register(TypeBackupDatabase, BackupDatabase(st, dir, fixedNow))

	task, err := q.Enqueue(ctx, admin, TypeBackupDatabase, nil, 0)
	require.NoError(t, err)
	ran, err := NewPool(q, reg).RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, ran)

	got, err := q.Get(ctx, admin, task.ID)
	require.NoError(t, err)
	require.Equal(t, ir.TaskCompleted, got.Status, got.Error)

	path := filepath.Join(dir, "shelf-20260101T000000.000000000Z.db")
	require.FileExists(t, path)

	backup, err := store.Open(path)
	require.NoError(t, err)
	defer backup.Close()
	row, err := backup.Get(ctx, "note", "n1")
	require.NoError(t, err)
	assert.Equal(t, "keep me", row["text"])

	// A second run in the same instant must not overwrite the first.
	again, err := q.Enqueue(ctx, admin, TypeBackupDatabase, nil, 0)
	require.NoError(t, err)
	_, err = NewPool(q, reg).RunOnce(ctx)
	require.NoError(t, err)
	got, err = q.Get(ctx, admin, again.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.TaskFailed, got.Status)
	assert.Contains(t, got.Error, "already exists")
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestScanStorage(t *testing.T) {
	ctx := context.Background()
	_, st := newQueue(t)
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "hello")
	writeFile(t, filepath.Join(root, "sub", "b.txt"), "abc")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))

	h := ScanStorage(st, root, fixedNow)
	require.NoError(t, h.Handle(ctx, ir.Task{ID: "t1", Type: TypeScanStorage}))

	row, err := st.Get(ctx, StorageStatsCollection, "/")
	require.NoError(t, err)
	assert.Equal(t, json.Number("2"), row["files"])
	assert.Equal(t, json.Number("2"), row["directories"])
	assert.Equal(t, json.Number("8"), row["bytes"])
	assert.Equal(t, ir.FormatTime(epoch), row["scannedAt"])

	require.NoError(t, h.Handle(ctx, ir.Task{ID: "t2", Payload: json.RawMessage(`{"path":"sub"}`)}))
	sub, err := st.Get(ctx, StorageStatsCollection, "/sub")
	require.NoError(t, err)
	assert.Equal(t, json.Number("1"), sub["files"])
	assert.Equal(t, json.Number("0"), sub["directories"])
	assert.Equal(t, json.Number("3"), sub["bytes"])

	// Rescanning replaces the previous totals.
	writeFile(t, filepath.Join(root, "sub", "c.txt"), "z")
	require.NoError(t, h.Handle(ctx, ir.Task{ID: "t3", Payload: json.RawMessage(`{"path":"sub"}`)}))
	sub, err = st.Get(ctx, StorageStatsCollection, "/sub")
	require.NoError(t, err)
	assert.Equal(t, json.Number("2"), sub["files"])
	assert.Equal(t, json.Number("4"), sub["bytes"])
}

func TestScanStorageRejectsEscapes(t *testing.T) {
	_, st := newQueue(t)
	h := ScanStorage(st, t.TempDir(), fixedNow)

	for _, p := range []string{"../etc", "/etc"} {
		payload, err := json.Marshal(map[string]string{"path": p})
		require.NoError(t, err)
		err = h.Handle(context.Background(), ir.Task{ID: "t", Payload: payload})
		assert.ErrorContains(t, err, "outside the storage root", "path %s", p)
	}

	assert.Error(t, ScanStorage(st, "", fixedNow).Handle(context.Background(), ir.Task{ID: "t"}))
}
