// Package config handles loading and managing smsarchive configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/JoshFouchey/sms-archive-sub000/internal/backup"
	"github.com/JoshFouchey/sms-archive-sub000/internal/importer"
	"github.com/JoshFouchey/sms-archive-sub000/internal/jobs"
	"github.com/JoshFouchey/sms-archive-sub000/internal/media"
	"github.com/JoshFouchey/sms-archive-sub000/internal/watcher"
)

// Config represents the smsarchive configuration.
type Config struct {
	Data       DataConfig      `toml:"data"`
	Import     ImportConfig    `toml:"import"`
	Thumbnails ThumbnailConfig `toml:"thumbnails"`
	Server     ServerConfig    `toml:"server"`

	// Computed paths (not from config file)
	HomeDir    string `toml:"-"`
	configPath string
}

// DataConfig holds data storage configuration.
type DataConfig struct {
	DataDir     string `toml:"data_dir"`
	DatabaseURL string `toml:"database_url"` // default {data_dir}/smsarchive.db
	MediaDir    string `toml:"media_dir"`    // default {data_dir}/media/messages
}

// ImportConfig holds backup import configuration.
type ImportConfig struct {
	BatchSize      int      `toml:"batch_size"`
	MaxEntityBytes int64    `toml:"max_entity_bytes"` // single attribute value, base64 media included
	MaxBodyBytes   int64    `toml:"max_body_bytes"`   // SMS body or MMS text part
	Workers        int      `toml:"workers"`          // clamped to 2..4
	QueueSize      int      `toml:"queue_size"`
	SelfNumbers    []string `toml:"self_numbers"` // the owner's own phone numbers

	Directory DirectoryConfig `toml:"directory"`
}

// DirectoryConfig holds drop-directory watcher configuration.
type DirectoryConfig struct {
	Enabled                 bool   `toml:"enabled"`
	Path                    string `toml:"path"`
	Extension               string `toml:"extension"`
	ScanIntervalSeconds     int    `toml:"scan_interval_seconds"`
	InitialDelaySeconds     int    `toml:"initial_delay_seconds"`
	FileAgeThresholdSeconds int    `toml:"file_age_threshold_seconds"`
	DeleteAfterImport       bool   `toml:"delete_after_import"`
	RetentionDays           int    `toml:"retention_days"`
	CleanupSchedule         string `toml:"cleanup_schedule"` // cron expression
	WatchEvents             bool   `toml:"watch_events"`
}

// ThumbnailConfig holds thumbnail rendering configuration.
type ThumbnailConfig struct {
	Size    int `toml:"size"`    // bounding box edge in pixels
	Quality int `toml:"quality"` // JPEG quality 1-100
}

// ServerConfig holds HTTP API server configuration.
type ServerConfig struct {
	APIPort         int      `toml:"api_port"`         // HTTP server port (default: 8080)
	BindAddr        string   `toml:"bind_addr"`        // default 127.0.0.1
	APIKey          string   `toml:"api_key"`          // API authentication key
	AllowInsecure   bool     `toml:"allow_insecure"`   // permit a non-loopback bind without api_key
	CORSOrigins     []string `toml:"cors_origins"`     // empty disables CORS
	CORSCredentials bool     `toml:"cors_credentials"` // Access-Control-Allow-Credentials
	CORSMaxAge      int      `toml:"cors_max_age"`     // preflight cache seconds
	RateLimitRPS    float64  `toml:"rate_limit_rps"`
	RateLimitBurst  int      `toml:"rate_limit_burst"`
}

// ErrInsecureServer is returned by ValidateSecure for an unauthenticated
// server reachable beyond loopback.
var ErrInsecureServer = errors.New("refusing to serve without api_key on a non-loopback address")

// ValidateSecure rejects an unauthenticated server bound beyond loopback
// unless allow_insecure is set.
func (s ServerConfig) ValidateSecure() error {
	if s.APIKey != "" || s.AllowInsecure || isLoopback(s.BindAddr) {
		return nil
	}
	return fmt.Errorf("%w (bind_addr %q); set [server] api_key or allow_insecure", ErrInsecureServer, s.BindAddr)
}

func isLoopback(addr string) bool {
	if addr == "" || addr == "localhost" {
		return true
	}
	ip := net.ParseIP(addr)
	return ip != nil && ip.IsLoopback()
}

// DefaultHome returns the default smsarchive home directory.
// Respects SMSARCHIVE_HOME environment variable.
func DefaultHome() string {
	if h := os.Getenv("SMSARCHIVE_HOME"); h != "" {
		return expandPath(h)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".smsarchive"
	}
	return filepath.Join(home, ".smsarchive")
}

// NewDefaultConfig returns a configuration with every default applied,
// rooted at DefaultHome.
func NewDefaultConfig() *Config {
	return newDefaultConfig(DefaultHome())
}

func newDefaultConfig(homeDir string) *Config {
	return &Config{
		HomeDir: homeDir,
		Data: DataConfig{
			DataDir: homeDir,
		},
		Import: ImportConfig{
			BatchSize:      importer.DefaultBatchSize,
			MaxEntityBytes: backup.DefaultMaxEntityBytes,
			MaxBodyBytes:   backup.DefaultMaxTextBytes,
			Workers:        jobs.MinWorkers,
			QueueSize:      jobs.DefaultQueueSize,
			Directory: DirectoryConfig{
				Path:                    filepath.Join(homeDir, "import-drop"),
				Extension:               ".xml",
				ScanIntervalSeconds:     300,
				InitialDelaySeconds:     30,
				FileAgeThresholdSeconds: 30,
				RetentionDays:           7,
				CleanupSchedule:         watcher.DefaultCleanupSchedule,
				WatchEvents:             true,
			},
		},
		Thumbnails: ThumbnailConfig{
			Size:    media.DefaultThumbSize,
			Quality: media.DefaultThumbQuality,
		},
		Server: ServerConfig{
			APIPort:        8080,
			BindAddr:       "127.0.0.1",
			RateLimitRPS:   10,
			RateLimitBurst: 20,
		},
	}
}

// Load reads the configuration from the specified file. If path is empty,
// config.toml in the home directory is used; a missing default file yields
// the defaults, while an explicit path must exist. homeDir, when set,
// overrides SMSARCHIVE_HOME.
func Load(path, homeDir string) (*Config, error) {
	homeSet := homeDir != "" || os.Getenv("SMSARCHIVE_HOME") != ""
	if homeDir != "" {
		homeDir = expandPath(homeDir)
	} else {
		homeDir = DefaultHome()
	}

	explicit := path != ""
	if !explicit {
		path = filepath.Join(homeDir, "config.toml")
	} else {
		path = expandPath(path)
		if !homeSet {
			// An explicit config file anchors the home directory.
			homeDir = filepath.Dir(path)
		}
	}

	cfg := newDefaultConfig(homeDir)
	cfg.configPath = path

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return nil, fmt.Errorf("config file: %w", err)
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, decodeError(err)
	}
	// A data_dir set in the file moves the derived drop directory with it.
	if md.IsDefined("data", "data_dir") && !md.IsDefined("import", "directory", "path") {
		cfg.Import.Directory.Path = filepath.Join(expandPath(cfg.Data.DataDir), "import-drop")
	}

	cfg.Data.DataDir = resolvePath(cfg.Data.DataDir, filepath.Dir(path))
	cfg.Data.DatabaseURL = resolvePath(cfg.Data.DatabaseURL, filepath.Dir(path))
	cfg.Data.MediaDir = resolvePath(cfg.Data.MediaDir, filepath.Dir(path))
	cfg.Import.Directory.Path = resolvePath(cfg.Import.Directory.Path, filepath.Dir(path))

	return cfg, nil
}

// decodeError adds a hint for the most common TOML mistake: Windows paths
// in double-quoted strings.
func decodeError(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "escape") || strings.Contains(msg, "hexadecimal digits") {
		return fmt.Errorf("decode config: %w (hint: use forward slashes or single quotes for paths containing backslashes)", err)
	}
	return fmt.Errorf("decode config: %w", err)
}

// ConfigFilePath returns the path the configuration was loaded from (or
// would be loaded from when the file does not exist).
func (c *Config) ConfigFilePath() string {
	return c.configPath
}

// DatabasePath returns the path to the SQLite database.
func (c *Config) DatabasePath() string {
	if c.Data.DatabaseURL != "" {
		return c.Data.DatabaseURL
	}
	return filepath.Join(c.Data.DataDir, "smsarchive.db")
}

// MediaDir returns the root directory for message media.
func (c *Config) MediaDir() string {
	if c.Data.MediaDir != "" {
		return c.Data.MediaDir
	}
	return filepath.Join(c.Data.DataDir, "media", "messages")
}

// UploadsDir returns where API uploads are kept while they are imported.
func (c *Config) UploadsDir() string {
	return filepath.Join(c.Data.DataDir, "uploads")
}

// BackupOptions returns the parser limits.
func (c *Config) BackupOptions() backup.Options {
	return backup.Options{
		MaxEntityBytes: c.Import.MaxEntityBytes,
		MaxTextBytes:   c.Import.MaxBodyBytes,
	}
}

// ImporterOptions returns the import run options.
func (c *Config) ImporterOptions() importer.Options {
	return importer.Options{
		BatchSize:   c.Import.BatchSize,
		Backup:      c.BackupOptions(),
		SelfNumbers: c.Import.SelfNumbers,
	}
}

// WatcherConfig returns the drop-directory watcher settings.
func (c *Config) WatcherConfig() watcher.Config {
	d := c.Import.Directory
	return watcher.Config{
		Enabled:           d.Enabled,
		Dir:               d.Path,
		Extension:         d.Extension,
		ScanInterval:      seconds(d.ScanIntervalSeconds),
		InitialDelay:      seconds(d.InitialDelaySeconds),
		AgeThreshold:      seconds(d.FileAgeThresholdSeconds),
		DeleteAfterImport: d.DeleteAfterImport,
		RetentionDays:     d.RetentionDays,
		CleanupSchedule:   d.CleanupSchedule,
		WatchEvents:       d.WatchEvents,
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// resolvePath expands ~ and anchors relative paths at base.
func resolvePath(path, base string) string {
	path = expandPath(path)
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if path == "~" || strings.HasPrefix(path, "~/") || strings.HasPrefix(path, `~\`) {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
