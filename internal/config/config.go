package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"billcal/internal/billing"
	"billcal/internal/report"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions.

// ErrEmptyPath is returned by Load and Save when no config path is given.
var ErrEmptyPath = errors.New("config path is empty")

const (
	defaultListen      = "127.0.0.1:8080"
	defaultTimezone    = "UTC"
	defaultRefreshCron = "*/15 * * * *"
	defaultCacheDir    = "cache"
	defaultMaxPerEvent = 5000
)

// ICSConfig describes a single calendar source.
type ICSConfig struct {
	// URL is an http(s) endpoint, a file:// URL or a plain file path.
	URL string `yaml:"url" json:"url"`
	// ID is an internal identifier used for caching and logging.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label.
	Name string `yaml:"name" json:"name"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// BillingConfig carries the engine tunables plus presentation overrides.
type BillingConfig struct {
	// LateCancellationDays is the notice threshold in days.
	LateCancellationDays float64 `yaml:"late_cancellation_days" json:"late_cancellation_days"`

	// UnbillableProjects never count as replacement activity and are
	// reported with zero billable hours unless overridden.
	UnbillableProjects []string `yaml:"unbillable_projects" json:"unbillable_projects"`

	// ProjectCodePattern must contain one capture group.
	ProjectCodePattern string `yaml:"project_code_pattern" json:"project_code_pattern"`

	CancelWords []string `yaml:"cancel_words" json:"cancel_words"`

	// BillableOverrides force a project label billable (true) or not (false)
	// in reports and exports. They do not change overlap credit.
	BillableOverrides map[string]bool `yaml:"billable_overrides,omitempty" json:"billable_overrides,omitempty"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone used when formatting dates in exports.
	Timezone string `yaml:"timezone" json:"timezone"`

	// RefreshCron is a cron-style schedule string (e.g. "*/15 * * * *")
	// used for periodic report rebuilds.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	LogLevel string `yaml:"log_level" json:"log_level"`

	// CacheDir holds fetched ICS bodies and their validators.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	// BackfillDays and HorizonDays bound recurrence expansion around now.
	// Both zero means unbounded, limited by MaxOccurrencesPerEvent.
	BackfillDays int `yaml:"backfill_days" json:"backfill_days"`
	HorizonDays  int `yaml:"horizon_days" json:"horizon_days"`

	MaxOccurrencesPerEvent int `yaml:"max_occurrences_per_event" json:"max_occurrences_per_event"`

	// IncludeAllDay keeps all-day entries in the classified set.
	IncludeAllDay bool `yaml:"include_all_day" json:"include_all_day"`

	// ICS is the list of calendar sources.
	ICS []ICSConfig `yaml:"ics" json:"ics"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`

	Billing BillingConfig `yaml:"billing" json:"billing"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	rules := billing.DefaultRules()
	return &Config{
		Listen:                 defaultListen,
		Timezone:               defaultTimezone,
		RefreshCron:            defaultRefreshCron,
		LogLevel:               "info",
		CacheDir:               defaultCacheDir,
		MaxOccurrencesPerEvent: defaultMaxPerEvent,
		ICS:                    []ICSConfig{},
		Billing: BillingConfig{
			LateCancellationDays: rules.LateCancellationDays,
			UnbillableProjects:   rules.UnbillableProjects,
			ProjectCodePattern:   rules.ProjectCodePattern,
			CancelWords:          rules.CancelWords,
		},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefreshCron
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.CacheDir == "" {
		c.CacheDir = defaultCacheDir
	}
	if c.BackfillDays < 0 {
		c.BackfillDays = 0
	}
	if c.HorizonDays < 0 {
		c.HorizonDays = 0
	}
	if c.MaxOccurrencesPerEvent <= 0 {
		c.MaxOccurrencesPerEvent = defaultMaxPerEvent
	}
	if c.ICS == nil {
		c.ICS = []ICSConfig{}
	}
	for i := range c.ICS {
		if c.ICS[i].ID == "" {
			c.ICS[i].ID = fmt.Sprintf("ics-%d", i+1)
		}
	}

	d := billing.DefaultRules()
	b := &c.Billing
	if b.LateCancellationDays <= 0 {
		b.LateCancellationDays = d.LateCancellationDays
	}
	if b.UnbillableProjects == nil {
		b.UnbillableProjects = d.UnbillableProjects
	}
	if b.ProjectCodePattern == "" {
		b.ProjectCodePattern = d.ProjectCodePattern
	}
	if b.CancelWords == nil {
		b.CancelWords = d.CancelWords
	}
}

// Rules converts the billing block into engine rules.
func (c *Config) Rules() billing.Rules {
	return billing.Rules{
		LateCancellationDays: c.Billing.LateCancellationDays,
		UnbillableProjects:   cloneStrings(c.Billing.UnbillableProjects),
		ProjectCodePattern:   c.Billing.ProjectCodePattern,
		CancelWords:          cloneStrings(c.Billing.CancelWords),
	}
}

// cloneStrings keeps nil and empty distinct; the engine treats nil as unset.
func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append(make([]string, 0, len(s)), s...)
}

// Billability returns the report-level billable decision for project labels.
func (c *Config) Billability() report.Billability {
	return report.NewBillability(c.Billing.UnbillableProjects, c.Billing.BillableOverrides)
}

// Location resolves Timezone, falling back to UTC if it is unknown.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
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
		return nil, ErrEmptyPath
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
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return ErrEmptyPath
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

	// Atomic write: write to temp file in same directory then rename.
	tmp, err := os.CreateTemp(dir, ".billcal-config-*.tmp")
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
