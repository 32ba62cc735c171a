package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/roach88/shelf/internal/ir"
)

// Built-in task types.
const (
	TypeBackupDatabase = "backup-database"
	TypeScanStorage    = "scan-storage"
)

// StorageStatsCollection holds the results of storage scans.
const StorageStatsCollection = "storage_stats"

// Backuper writes a consistent database copy. *store.Store implements it.
type Backuper interface {
	Backup(ctx context.Context, dest string) error
}

// Upserter writes a row by id. *store.Store implements it.
type Upserter interface {
	Upsert(ctx context.Context, collection string, row ir.Row) (ir.Row, error)
}

// BackupDatabase returns the backup-database handler. Each run writes
// shelf-<timestamp>.db into dir.
func BackupDatabase(db Backuper, dir string, now func() time.Time) Handler {
	return HandlerFunc(func(ctx context.Context, task ir.Task) error {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create backup dir: %w", err)
		}
		name := fmt.Sprintf("shelf-%s.db", now().UTC().Format("20060102T150405.000000000Z"))
		return db.Backup(ctx, filepath.Join(dir, name))
	})
}

type scanPayload struct {
	// Path is scanned relative to the configured root.
	Path string `json:"path"`
}

// ScanStorage returns the scan-storage handler. It walks root (or a
// sub-directory named by the payload's path) and upserts the totals into
// the storage_stats collection under the scanned path.
func ScanStorage(db Upserter, root string, now func() time.Time) Handler {
	return HandlerFunc(func(ctx context.Context, task ir.Task) error {
		var p scanPayload
		if len(task.Payload) > 0 {
			if err := json.Unmarshal(task.Payload, &p); err != nil {
				return fmt.Errorf("decode payload: %w", err)
			}
		}
		dir, err := scanDir(root, p.Path)
		if err != nil {
			return err
		}

		var files, dirs, bytes int64
		err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() {
				if path != dir {
					dirs++
				}
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			files++
			bytes += info.Size()
			return nil
		})
		if err != nil {
			return fmt.Errorf("scan %s: %w", dir, err)
		}

		rel := filepath.ToSlash(filepath.Clean("/" + p.Path))
		_, err = db.Upsert(ctx, StorageStatsCollection, ir.Row{
			ir.IDField:    rel,
			"root":        rel,
			"files":       files,
			"directories": dirs,
			"bytes":       bytes,
			"scannedAt":   ir.FormatTime(now()),
		})
		return err
	})
}

// scanDir resolves sub under root, refusing paths that escape it.
func scanDir(root, sub string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("no storage root configured")
	}
	if sub == "" {
		return root, nil
	}
	if !filepath.IsLocal(sub) {
		return "", fmt.Errorf("path %q is outside the storage root", sub)
	}
	return filepath.Join(root, sub), nil
}
