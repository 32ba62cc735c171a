// Package config loads shelf's runtime configuration.
//
// Values come from, lowest to highest precedence: built-in defaults, the
// YAML config file (shelf.yaml in the working directory unless a path is
// given), SHELF_* environment variables (SHELF_SERVER_ADDR for server.addr)
// and command-line flags bound by the caller.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	configFileName = "shelf"
	configFileType = "yaml"
	envPrefix      = "SHELF"
)

// Configuration keys.
const (
	KeyServerAddr        = "server.addr"
	KeyStoragePath       = "storage.path"
	KeyStorageDriver     = "storage.driver"
	KeyRulesPath         = "rules.path"
	KeyBroadcastDebounce = "broadcast.debounce"
	KeyCapturePoll       = "capture.poll"
	KeyCaptureRetention  = "capture.retention"
	KeyTasksWorkers      = "tasks.workers"
	KeyTasksPoll         = "tasks.poll"
	KeyAuthJWTSecret     = "auth.jwt_secret"
	KeyBackupDir         = "backup.dir"
	KeyScanRoot          = "scan.root"
	KeyClientServer      = "client.server"
	KeyClientToken       = "client.token"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Rules     RulesConfig     `mapstructure:"rules"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Capture   CaptureConfig   `mapstructure:"capture"`
	Tasks     TasksConfig     `mapstructure:"tasks"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Backup    BackupConfig    `mapstructure:"backup"`
	Scan      ScanConfig      `mapstructure:"scan"`
	Client    ClientConfig    `mapstructure:"client"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type StorageConfig struct {
	Path string `mapstructure:"path"`
	// Driver is "sqlite3" (cgo) or "sqlite" (pure Go).
	Driver string `mapstructure:"driver"`
}

type RulesConfig struct {
	// Path to the CUE rules file. Empty uses the built-in task rules only.
	Path string `mapstructure:"path"`
}

type BroadcastConfig struct {
	Debounce time.Duration `mapstructure:"debounce"`
}

type CaptureConfig struct {
	Poll      time.Duration `mapstructure:"poll"`
	Retention time.Duration `mapstructure:"retention"`
}

type TasksConfig struct {
	Workers int           `mapstructure:"workers"`
	Poll    time.Duration `mapstructure:"poll"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type BackupConfig struct {
	Dir string `mapstructure:"dir"`
}

type ScanConfig struct {
	Root string `mapstructure:"root"`
}

// ClientConfig is used by the commands that talk to a running server.
type ClientConfig struct {
	Server string `mapstructure:"server"`
	Token  string `mapstructure:"token"`
}

var defaults = map[string]any{
	KeyServerAddr:        ":8080",
	KeyStoragePath:       "shelf.db",
	KeyStorageDriver:     "sqlite3",
	KeyRulesPath:         "",
	KeyBroadcastDebounce: 25 * time.Millisecond,
	KeyCapturePoll:       time.Second,
	KeyCaptureRetention:  24 * time.Hour,
	KeyTasksWorkers:      2,
	KeyTasksPoll:         time.Second,
	KeyAuthJWTSecret:     "",
	KeyBackupDir:         "backups",
	KeyScanRoot:          "",
	KeyClientServer:      "http://localhost:8080",
	KeyClientToken:       "",
}

// New returns a viper instance with defaults and environment binding set up.
// Callers bind flags on it before Load.
func New() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := Load(New(), "")
	if err != nil {
		// Defaults are static; failing here is a programming error.
		panic(err)
	}
	return cfg
}

// Load reads the config file at path into v and decodes the result. An empty
// path looks for shelf.yaml in the working directory and tolerates its
// absence; an explicit path must exist.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configFileName)
		v.SetConfigType(configFileType)
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.Storage.Path == "" {
		errs = append(errs, fmt.Errorf("%s is required", KeyStoragePath))
	}
	switch c.Storage.Driver {
	case "sqlite3", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("%s must be sqlite3 or sqlite, got %q", KeyStorageDriver, c.Storage.Driver))
	}
	if c.Broadcast.Debounce <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeyBroadcastDebounce))
	}
	if c.Capture.Poll <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeyCapturePoll))
	}
	if c.Capture.Retention < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", KeyCaptureRetention))
	}
	if c.Tasks.Workers < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", KeyTasksWorkers))
	}
	if c.Tasks.Poll <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeyTasksPoll))
	}
	if c.Client.Server != "" && !strings.HasPrefix(c.Client.Server, "http://") && !strings.HasPrefix(c.Client.Server, "https://") {
		errs = append(errs, fmt.Errorf("%s must be an http or https URL", KeyClientServer))
	}
	return errors.Join(errs...)
}
