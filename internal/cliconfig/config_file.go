package cliconfig

import (
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

// FileConfig mirrors Config but uses strings for durations to make TOML friendly.
type FileConfig struct {
	Home            string   `toml:"home"`
	NMLFiles        []string `toml:"nml_files"`
	Hostname        string   `toml:"hostname"`
	ShmDir          string   `toml:"shm_dir"`
	StateDir        string   `toml:"state_dir"`
	FirmwareDir     string   `toml:"firmware_dir"`
	MetricsAddr     string   `toml:"metrics_addr"`
	ConnectAttempts int      `toml:"connect_attempts"`
	BackoffInitial  string   `toml:"backoff_initial"`
	BackoffMax      string   `toml:"backoff_max"`
	DialTimeout     string   `toml:"dial_timeout"`
	AttachTimeout   string   `toml:"attach_timeout"`
	ReloadDebounce  string   `toml:"reload_debounce"`
	Comment         string   `toml:"comment"`
	SkipInvalid     *bool    `toml:"skip_invalid"`
	Watch           *bool    `toml:"watch"`
	LogLevel        string   `toml:"log_level"`
}

// LoadFileConfig reads and parses a TOML config file from the given path.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

// DefaultHome returns ~/.cmsd if the user home directory is accessible.
func DefaultHome() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".cmsd")
	}
	return ""
}

// DefaultConfigPath returns the default configuration file path.
// Returns ~/.cmsd/config.toml if user home directory is accessible.
func DefaultConfigPath() string {
	if h := DefaultHome(); h != "" {
		return filepath.Join(h, "config.toml")
	}
	return ""
}

// ApplyFileConfig applies configuration from a file to the Config struct.
// It respects flags that have been explicitly set (changed map).
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("home", fc.Home, &cfg.Home)
	s.setStrings("nml", fc.NMLFiles, &cfg.NMLFiles)
	s.setString("hostname", fc.Hostname, &cfg.Hostname)
	s.setString("shm-dir", fc.ShmDir, &cfg.ShmDir)
	s.setString("state-dir", fc.StateDir, &cfg.StateDir)
	s.setString("firmware-dir", fc.FirmwareDir, &cfg.FirmwareDir)
	s.setString("metrics-addr", fc.MetricsAddr, &cfg.MetricsAddr)
	s.setString("comment", fc.Comment, &cfg.Comment)
	s.setString("log-level", fc.LogLevel, &cfg.LogLevel)

	s.setInt("connect-attempts", fc.ConnectAttempts, &cfg.ConnectAttempts)

	if err := s.setDuration("backoff-initial", fc.BackoffInitial, &cfg.BackoffInitial); err != nil {
		return err
	}
	if err := s.setDuration("backoff-max", fc.BackoffMax, &cfg.BackoffMax); err != nil {
		return err
	}
	if err := s.setDuration("dial-timeout", fc.DialTimeout, &cfg.DialTimeout); err != nil {
		return err
	}
	if err := s.setDuration("attach-timeout", fc.AttachTimeout, &cfg.AttachTimeout); err != nil {
		return err
	}
	if err := s.setDuration("reload-debounce", fc.ReloadDebounce, &cfg.ReloadDebounce); err != nil {
		return err
	}

	s.setBool("skip-invalid", fc.SkipInvalid, &cfg.SkipInvalid)
	s.setBool("watch", fc.Watch, &cfg.Watch)

	return nil
}

// FileExists checks if a file exists at the given path.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
