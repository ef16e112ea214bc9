package cliconfig

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bft-labs/rtcms/pkg/cms"
	"github.com/bft-labs/rtcms/pkg/log"
	"github.com/bft-labs/rtcms/pkg/nml"
)

// DefaultMetricsAddr is where the daemon serves Prometheus metrics.
const DefaultMetricsAddr = "127.0.0.1:9464"

// Config holds CLI configuration for cmsd.
type Config struct {
	Home     string
	NMLFiles []string
	Hostname string

	ShmDir      string
	StateDir    string
	FirmwareDir string
	MetricsAddr string

	ConnectAttempts int
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
	DialTimeout     time.Duration
	AttachTimeout   time.Duration
	ReloadDebounce  time.Duration

	Comment     string
	SkipInvalid bool
	Watch       bool
	LogLevel    string
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Home:            DefaultHome(),
		ShmDir:          cms.DefaultShmDir,
		MetricsAddr:     DefaultMetricsAddr,
		ConnectAttempts: 3,
		BackoffInitial:  50 * time.Millisecond,
		BackoffMax:      time.Second,
		DialTimeout:     2 * time.Second,
		AttachTimeout:   time.Second,
		ReloadDebounce:  nml.DefaultDebounce,
		Comment:         string(nml.DefaultComment),
		Watch:           true,
		LogLevel:        "info",
		StateDir:        "", // Derived from Home during Validate
	}
}

// Validate checks the configuration for errors and sets derived defaults.
func (c *Config) Validate() error {
	if len(c.NMLFiles) == 0 {
		return fmt.Errorf("at least one nml file is required (or a home with nml/*.nml)")
	}
	if c.StateDir == "" {
		if c.Home == "" {
			return fmt.Errorf("state-dir is required (or home)")
		}
		c.StateDir = c.Home
	}
	if len(c.Comment) != 1 {
		return fmt.Errorf("comment must be a single character, got %q", c.Comment)
	}
	if c.ConnectAttempts < 1 {
		return fmt.Errorf("connect attempts must be at least 1")
	}
	if c.BackoffInitial <= 0 || c.BackoffMax < c.BackoffInitial {
		return fmt.Errorf("backoff must satisfy 0 < initial <= max")
	}
	if c.DialTimeout <= 0 || c.AttachTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.ReloadDebounce <= 0 {
		return fmt.Errorf("reload debounce must be positive")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	for i, f := range c.NMLFiles {
		c.NMLFiles[i] = filepath.Clean(f)
	}
	return nil
}

// FactoryConfig returns the channel factory settings.
func (c Config) FactoryConfig() cms.Config {
	return cms.Config{
		Hostname:        c.Hostname,
		ShmDir:          c.ShmDir,
		ConnectAttempts: c.ConnectAttempts,
		BackoffInitial:  c.BackoffInitial,
		BackoffMax:      c.BackoffMax,
		DialTimeout:     c.DialTimeout,
		AttachTimeout:   c.AttachTimeout,
	}
}

// NMLOptions returns the registry options for loading the configured files.
func (c Config) NMLOptions(logger log.Logger) []nml.Option {
	opts := []nml.Option{nml.WithLogger(logger)}
	if c.Comment != "" {
		opts = append(opts, nml.WithComment(c.Comment[0]))
	}
	if c.SkipInvalid {
		opts = append(opts, nml.WithErrorPolicy(nml.SkipInvalid))
	}
	return opts
}

// configSetter helps apply configuration values while respecting flag precedence.
// It only applies values if the corresponding flag hasn't been explicitly set.
type configSetter struct {
	changed map[string]bool
}

// newConfigSetter creates a new setter with the given changed flags map.
func newConfigSetter(changed map[string]bool) *configSetter {
	return &configSetter{changed: changed}
}

// setString sets a string value if not empty and flag not changed.
func (s *configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

// setStrings sets a list if not empty and flag not changed.
func (s *configSetter) setStrings(flag string, value []string, dst *[]string) {
	if len(value) == 0 || s.changed[flag] {
		return
	}
	*dst = append([]string(nil), value...)
}

// setInt sets an int value if positive and flag not changed.
func (s *configSetter) setInt(flag string, value int, dst *int) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

// setDuration parses and sets a duration from string if valid and flag not changed.
func (s *configSetter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = d
	return nil
}

// setBool sets a bool value from a pointer if not nil and flag not changed.
func (s *configSetter) setBool(flag string, value *bool, dst *bool) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

// setIntFromString parses a string to int and sets the destination if valid.
// Used for environment variables that come as strings.
func (s *configSetter) setIntFromString(flag, value string, dst *int) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	if i <= 0 {
		return nil
	}
	*dst = i
	return nil
}

// setListFromString splits a comma-separated list.
func (s *configSetter) setListFromString(flag, value string, dst *[]string) {
	if value == "" || s.changed[flag] {
		return
	}
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) > 0 {
		*dst = out
	}
}

// setBoolFromString parses a string to bool and sets the destination.
// Accepts "true", "1" as true, anything else as false.
// Used for environment variables that come as strings.
func (s *configSetter) setBoolFromString(flag, value string, dst *bool) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value == "true" || value == "1"
}
