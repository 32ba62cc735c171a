package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg := Default()
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "shelf.db", cfg.Storage.Path)
	assert.Equal(t, "sqlite3", cfg.Storage.Driver)
	assert.Equal(t, 25*time.Millisecond, cfg.Broadcast.Debounce)
	assert.Equal(t, 2, cfg.Tasks.Workers)
	assert.Equal(t, 24*time.Hour, cfg.Capture.Retention)
	assert.Empty(t, cfg.Auth.JWTSecret)
	assert.Equal(t, "http://localhost:8080", cfg.Client.Server)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: 127.0.0.1:9000
storage:
  path: /var/lib/shelf/data.db
  driver: sqlite
broadcast:
  debounce: 100ms
tasks:
  workers: 4
auth:
  jwt_secret: s3cret
scan:
  root: /srv/files
`), 0o644))

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, "/var/lib/shelf/data.db", cfg.Storage.Path)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 100*time.Millisecond, cfg.Broadcast.Debounce)
	assert.Equal(t, 4, cfg.Tasks.Workers)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.Equal(t, "/srv/files", cfg.Scan.Root)
	// untouched keys keep their defaults
	assert.Equal(t, time.Second, cfg.Capture.Poll)
}

func TestLoad_WorkingDirectoryFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shelf.yaml"), []byte("server:\n  addr: :7000\n"), 0o644))
	t.Chdir(dir)

	cfg, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Addr)
}

func TestLoad_ExplicitPathMustExist(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestLoad_Environment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SHELF_SERVER_ADDR", ":6000")
	t.Setenv("SHELF_AUTH_JWT_SECRET", "from-env")
	t.Setenv("SHELF_TASKS_WORKERS", "8")

	cfg, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, ":6000", cfg.Server.Addr)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, 8, cfg.Tasks.Workers)
}

func TestLoad_OverridesWin(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SHELF_SERVER_ADDR", ":6000")
	v := New()
	v.Set(KeyServerAddr, ":5000")

	cfg, err := Load(v, "")
	require.NoError(t, err)
	assert.Equal(t, ":5000", cfg.Server.Addr)
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no storage path", func(c *Config) { c.Storage.Path = "" }, "storage.path is required"},
		{"bad driver", func(c *Config) { c.Storage.Driver = "postgres" }, `got "postgres"`},
		{"zero debounce", func(c *Config) { c.Broadcast.Debounce = 0 }, "broadcast.debounce must be positive"},
		{"negative retention", func(c *Config) { c.Capture.Retention = -time.Second }, "capture.retention"},
		{"negative workers", func(c *Config) { c.Tasks.Workers = -1 }, "tasks.workers"},
		{"zero task poll", func(c *Config) { c.Tasks.Poll = 0 }, "tasks.poll"},
		{"websocket server url", func(c *Config) { c.Client.Server = "ws://localhost" }, "client.server"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	assert.NoError(t, Default().Validate())
}
