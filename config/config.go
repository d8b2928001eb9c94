package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	coretypes "github.com/projecteru2/core/types"

	"github.com/projecteru2/deploykit/utils"
)

// Config holds global deploykit configuration.
type Config struct {
	// RootDir is the base directory for persistent data (install journal).
	RootDir string `json:"root_dir" mapstructure:"root_dir"`
	// RunDir holds runtime state: the instance PID lock.
	RunDir string `json:"run_dir" mapstructure:"run_dir"`
	// WorkDir is where per-attempt mount points are created.
	WorkDir string `json:"work_dir" mapstructure:"work_dir"`
	// DistroName is used as the bootloader id and in user-facing text.
	DistroName string `json:"distro_name" mapstructure:"distro_name"`
	// PollInterval is the pipeline progress polling period.
	PollInterval time.Duration `json:"poll_interval" mapstructure:"poll_interval"`
	// ResponseTimeout bounds acquiring the initial HTTP response.
	ResponseTimeout time.Duration `json:"response_timeout" mapstructure:"response_timeout"`
	// JournalKeep is how many finished attempts GC keeps in the journal.
	JournalKeep int `json:"journal_keep" mapstructure:"journal_keep"`
	// Log configuration, uses eru core's ServerLogConfig.
	Log coretypes.ServerLogConfig `json:"log" mapstructure:"log"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RootDir:         "/var/lib/deploykit",
		RunDir:          "/run/deploykit",
		WorkDir:         "/tmp",
		DistroName:      "AOSC OS",
		PollInterval:    30 * time.Millisecond, //nolint:mnd
		ResponseTimeout: 30 * time.Second,      //nolint:mnd
		JournalKeep:     20,                    //nolint:mnd
		Log: coretypes.ServerLogConfig{
			Level:      "info",
			Filename:   "/var/log/deploykit.log",
			MaxSize:    500,
			MaxAge:     28,
			MaxBackups: 3,
		},
	}
}

// LoadConfig loads configuration from a JSON file, falling back to defaults.
func LoadConfig(path string) (*Config, error) {
	conf := DefaultConfig()
	if path == "" {
		return conf, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // config path from CLI flag
	if err != nil {
		if os.IsNotExist(err) {
			return conf, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(data, conf); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	conf.Normalize()
	return conf, nil
}

// Normalize restores defaults for zero or negative tunables.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = def.ResponseTimeout
	}
	if c.JournalKeep <= 0 {
		c.JournalKeep = def.JournalKeep
	}
	if c.DistroName == "" {
		c.DistroName = def.DistroName
	}
}

// EnsureDirs creates the state and runtime directories.
func (c *Config) EnsureDirs() error {
	return utils.EnsureDirs(c.JournalDir(), c.RunDir, c.WorkDir)
}

// LogFile is the active log file path; empty when logging to stderr only.
func (c *Config) LogFile() string { return c.Log.Filename }

// Derived path helpers.

func (c *Config) JournalDir() string  { return filepath.Join(c.RootDir, "db") }
func (c *Config) JournalFile() string { return filepath.Join(c.JournalDir(), "installs.json") }
func (c *Config) JournalLock() string { return filepath.Join(c.JournalDir(), "installs.lock") }
func (c *Config) PIDFile() string     { return filepath.Join(c.RunDir, "deploykit.pid") }
func (c *Config) PIDLock() string     { return filepath.Join(c.RunDir, "deploykit.lock") }

// MountPrefix is the name prefix of per-attempt mount directories in WorkDir.
const MountPrefix = ".dkmount"
