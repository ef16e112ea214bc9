package cliconfig

import "os"

// ApplyEnvConfig applies configuration from environment variables (CMSD_*).
// It respects flags that have been explicitly set (changed map).
// Returns error if any environment variable has an invalid format.
func ApplyEnvConfig(cfg *Config, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("home", os.Getenv("CMSD_HOME"), &cfg.Home)
	s.setListFromString("nml", os.Getenv("CMSD_NML_FILES"), &cfg.NMLFiles)
	s.setString("hostname", os.Getenv("CMSD_HOSTNAME"), &cfg.Hostname)
	s.setString("shm-dir", os.Getenv("CMSD_SHM_DIR"), &cfg.ShmDir)
	s.setString("state-dir", os.Getenv("CMSD_STATE_DIR"), &cfg.StateDir)
	s.setString("firmware-dir", os.Getenv("CMSD_FIRMWARE_DIR"), &cfg.FirmwareDir)
	s.setString("metrics-addr", os.Getenv("CMSD_METRICS_ADDR"), &cfg.MetricsAddr)
	s.setString("comment", os.Getenv("CMSD_COMMENT"), &cfg.Comment)
	s.setString("log-level", os.Getenv("CMSD_LOG_LEVEL"), &cfg.LogLevel)

	if err := s.setIntFromString("connect-attempts", os.Getenv("CMSD_CONNECT_ATTEMPTS"), &cfg.ConnectAttempts); err != nil {
		return err
	}

	if err := s.setDuration("backoff-initial", os.Getenv("CMSD_BACKOFF_INITIAL"), &cfg.BackoffInitial); err != nil {
		return err
	}
	if err := s.setDuration("backoff-max", os.Getenv("CMSD_BACKOFF_MAX"), &cfg.BackoffMax); err != nil {
		return err
	}
	if err := s.setDuration("dial-timeout", os.Getenv("CMSD_DIAL_TIMEOUT"), &cfg.DialTimeout); err != nil {
		return err
	}
	if err := s.setDuration("attach-timeout", os.Getenv("CMSD_ATTACH_TIMEOUT"), &cfg.AttachTimeout); err != nil {
		return err
	}
	if err := s.setDuration("reload-debounce", os.Getenv("CMSD_RELOAD_DEBOUNCE"), &cfg.ReloadDebounce); err != nil {
		return err
	}

	s.setBoolFromString("skip-invalid", os.Getenv("CMSD_SKIP_INVALID"), &cfg.SkipInvalid)
	s.setBoolFromString("watch", os.Getenv("CMSD_WATCH"), &cfg.Watch)

	return nil
}
