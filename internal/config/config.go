package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// CalDAVConfig holds credentials for caldav:// and caldavs:// team feeds.
type CalDAVConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
}

// TeamConfig seeds a team into the registry on startup.
type TeamConfig struct {
	// ID is the team identifier used in API calls and training ids.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label.
	Name string `yaml:"name" json:"name"`
	// ICSURL is the calendar feed. May be empty; "import calendar" can set it later.
	ICSURL string `yaml:"ics_url" json:"ics_url"`
	// TimeZone is the IANA zone used for floating and all-day times.
	TimeZone string `yaml:"timezone" json:"timezone"`
	// DisplayTZ is stored on each training for clients. Defaults to TimeZone.
	DisplayTZ string `yaml:"display_tz" json:"display_tz"`

	CalDAV *CalDAVConfig `yaml:"caldav,omitempty" json:"caldav,omitempty"`
}

// TokenConfig is one API bearer token, stored as an argon2id hash.
type TokenConfig struct {
	Name string `yaml:"name" json:"name"`
	Hash string `yaml:"hash" json:"-"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// DatabasePath is the SQLite file holding teams and trainings.
	DatabasePath string `yaml:"database_path" json:"database_path"`

	// CacheDir holds the ETag/Last-Modified feed cache.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	// DefaultTimezone applies to teams without a timezone.
	DefaultTimezone string `yaml:"default_timezone" json:"default_timezone"`

	// SyncCron is the cron schedule of the all-teams sweep (e.g. "*/10 * * * *").
	SyncCron string `yaml:"sync_cron" json:"sync_cron"`

	// QuestionnaireCron is the schedule of the questionnaire notifier.
	QuestionnaireCron string `yaml:"questionnaire_cron" json:"questionnaire_cron"`

	// SyncTimeoutSeconds bounds one team's full pipeline run.
	SyncTimeoutSeconds int `yaml:"sync_timeout_seconds" json:"sync_timeout_seconds"`

	// WindowPastDays / WindowFutureDays define the expansion window around now.
	WindowPastDays   int `yaml:"window_past_days" json:"window_past_days"`
	WindowFutureDays int `yaml:"window_future_days" json:"window_future_days"`

	// BatchSize is the maximum number of writes per store commit.
	BatchSize int `yaml:"batch_size" json:"batch_size"`

	// MaxOccurrencesPerEvent caps the expansion of a single series.
	MaxOccurrencesPerEvent int `yaml:"max_occurrences_per_event" json:"max_occurrences_per_event"`

	// KeepStale disables marking trainings that vanished from the feed as cancelled.
	KeepStale bool `yaml:"keep_stale" json:"keep_stale"`

	// QuestionnaireWindowHours is how long a questionnaire stays open after a training ends.
	QuestionnaireWindowHours int `yaml:"questionnaire_window_hours" json:"questionnaire_window_hours"`

	// UserAgent is sent with every feed request.
	UserAgent string `yaml:"user_agent" json:"user_agent"`

	// RenderPages enables headless Chromium rendering of club pages whose
	// calendar link is injected by JavaScript.
	RenderPages          bool `yaml:"render_pages" json:"render_pages"`
	RenderTimeoutSeconds int  `yaml:"render_timeout_seconds" json:"render_timeout_seconds"`

	// APITokens, if non-empty, enables bearer authentication on all /api endpoints.
	// Without tokens Listen must be a loopback address.
	APITokens []TokenConfig `yaml:"api_tokens" json:"api_tokens"`

	// Teams seeds the team registry.
	Teams []TeamConfig `yaml:"teams" json:"teams"`
}

const (
	defaultListen            = "127.0.0.1:8080"
	defaultDatabasePath      = "/var/lib/trainsync/trainsync.db"
	defaultCacheDir          = "/var/lib/trainsync/ics-cache"
	defaultTimezone          = "Europe/Paris"
	defaultSyncCron          = "*/10 * * * *"
	defaultQuestionnaireCron = "*/5 * * * *"
	defaultSyncTimeout       = 300
	defaultWindowPastDays    = 7
	defaultWindowFutureDays  = 120
	defaultBatchSize         = 450
	defaultMaxOccurrences    = 5000
	defaultQuestionnaireHrs  = 24
	defaultRenderTimeout     = 30
	DefaultUserAgent         = "trainsync/0.1 (+calendar sync)"
)

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	c := &Config{}
	c.Normalize()
	return c
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.DatabasePath == "" {
		c.DatabasePath = defaultDatabasePath
	}
	if c.CacheDir == "" {
		c.CacheDir = defaultCacheDir
	}
	if c.DefaultTimezone == "" {
		c.DefaultTimezone = defaultTimezone
	}
	if c.SyncCron == "" {
		c.SyncCron = defaultSyncCron
	}
	if c.QuestionnaireCron == "" {
		c.QuestionnaireCron = defaultQuestionnaireCron
	}
	if c.SyncTimeoutSeconds <= 0 {
		c.SyncTimeoutSeconds = defaultSyncTimeout
	}
	if c.WindowPastDays < 0 {
		c.WindowPastDays = 0
	}
	if c.WindowPastDays == 0 && c.WindowFutureDays == 0 {
		c.WindowPastDays = defaultWindowPastDays
	}
	if c.WindowFutureDays <= 0 {
		c.WindowFutureDays = defaultWindowFutureDays
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.MaxOccurrencesPerEvent <= 0 {
		c.MaxOccurrencesPerEvent = defaultMaxOccurrences
	}
	if c.QuestionnaireWindowHours <= 0 {
		c.QuestionnaireWindowHours = defaultQuestionnaireHrs
	}
	if c.RenderTimeoutSeconds <= 0 {
		c.RenderTimeoutSeconds = defaultRenderTimeout
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.APITokens == nil {
		c.APITokens = []TokenConfig{}
	}
	if c.Teams == nil {
		c.Teams = []TeamConfig{}
	}
	for i := range c.Teams {
		if c.Teams[i].TimeZone == "" {
			c.Teams[i].TimeZone = c.DefaultTimezone
		}
		if c.Teams[i].DisplayTZ == "" {
			c.Teams[i].DisplayTZ = c.Teams[i].TimeZone
		}
	}
}

// Validate reports configuration values that would only fail later at runtime.
func (c *Config) Validate() error {
	var errs []error

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(c.SyncCron); err != nil {
		errs = append(errs, fmt.Errorf("sync_cron %q: %w", c.SyncCron, err))
	}
	if _, err := parser.Parse(c.QuestionnaireCron); err != nil {
		errs = append(errs, fmt.Errorf("questionnaire_cron %q: %w", c.QuestionnaireCron, err))
	}
	if _, err := time.LoadLocation(c.DefaultTimezone); err != nil {
		errs = append(errs, fmt.Errorf("default_timezone %q: %w", c.DefaultTimezone, err))
	}

	seen := make(map[string]bool, len(c.Teams))
	for _, t := range c.Teams {
		if t.ID == "" {
			errs = append(errs, errors.New("team with empty id"))
			continue
		}
		if seen[t.ID] {
			errs = append(errs, fmt.Errorf("duplicate team id %q", t.ID))
		}
		seen[t.ID] = true
		for _, tz := range []string{t.TimeZone, t.DisplayTZ} {
			if tz == "" {
				continue
			}
			if _, err := time.LoadLocation(tz); err != nil {
				errs = append(errs, fmt.Errorf("team %s timezone %q: %w", t.ID, tz, err))
			}
		}
	}
	for _, tok := range c.APITokens {
		if tok.Hash == "" {
			errs = append(errs, fmt.Errorf("api token %q has no hash", tok.Name))
		}
	}
	if len(c.APITokens) == 0 && !isLoopbackListen(c.Listen) {
		errs = append(errs, fmt.Errorf("listen %q is not loopback: api_tokens are required to expose the API", c.Listen))
	}

	return errors.Join(errs...)
}

// isLoopbackListen reports whether addr only accepts local connections.
// An empty host binds every interface.
func isLoopbackListen(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// SyncTimeout returns the per-team pipeline timeout.
func (c *Config) SyncTimeout() time.Duration {
	return time.Duration(c.SyncTimeoutSeconds) * time.Second
}

// RenderTimeout bounds one headless page render.
func (c *Config) RenderTimeout() time.Duration {
	return time.Duration(c.RenderTimeoutSeconds) * time.Second
}

// QuestionnaireWindow returns how long a questionnaire stays open.
func (c *Config) QuestionnaireWindow() time.Duration {
	return time.Duration(c.QuestionnaireWindowHours) * time.Hour
}

// Team returns the configured team with the given id.
func (c *Config) Team(id string) (TeamConfig, bool) {
	for _, t := range c.Teams {
		if t.ID == id {
			return t, true
		}
	}
	return TeamConfig{}, false
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600 (the file holds token hashes
//     and CalDAV passwords).
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".trainsync-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
