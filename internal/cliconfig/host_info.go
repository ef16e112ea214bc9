package cliconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// DefaultNMLDir is the directory under Home searched for *.nml files.
const DefaultNMLDir = "nml"

// LoadHostInfo fills Hostname and NMLFiles when they are not already set.
// NML files are discovered under Home.
func LoadHostInfo(cfg *Config) error {
	if cfg.Hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("read hostname: %w", err)
		}
		cfg.Hostname = h
	}

	if len(cfg.NMLFiles) == 0 {
		if cfg.Home == "" {
			return fmt.Errorf("nml files are required (or home)")
		}
		files, err := discoverNML(cfg.Home)
		if err != nil {
			return fmt.Errorf("discover nml files: %w", err)
		}
		cfg.NMLFiles = files
	}
	return nil
}

func discoverNML(home string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(rootify(DefaultNMLDir, home), "*.nml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// rootify returns the absolute path if path is absolute,
// otherwise it joins home and path.
func rootify(path, home string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(home, path)
}
