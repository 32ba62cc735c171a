package store

import (
	"context"
	"fmt"
	"os"
)

// Backup writes a consistent copy of the database to dest with VACUUM INTO.
// dest must not exist.
func (s *Store) Backup(ctx context.Context, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("backup: %s already exists", dest)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		return classify("backup", err)
	}
	return nil
}
