// Package rtapi holds the small runtime services a real-time process needs
// from its host beyond messaging.
package rtapi

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrFirmwareNotFound is returned when a requested blob does not exist.
var ErrFirmwareNotFound = errors.New("rtapi: firmware not found")

// Firmware is a named binary blob loaded for a device or buffer.
type Firmware struct {
	Name string
	Data []byte
}

// Size returns the blob length in bytes.
func (f *Firmware) Size() int { return len(f.Data) }

// FirmwareLoader loads firmware blobs by name. Every successful Request must
// be paired with a Release.
type FirmwareLoader interface {
	Request(name string) (*Firmware, error)
	Release(fw *Firmware)
}

// DirLoader loads firmware from files in one directory.
type DirLoader struct {
	Dir string
}

// Request reads Dir/name. Names must not contain path separators.
func (d DirLoader) Request(name string) (*Firmware, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("rtapi: invalid firmware name %q", name)
	}
	data, err := os.ReadFile(filepath.Join(d.Dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s in %s", ErrFirmwareNotFound, name, d.Dir)
		}
		return nil, fmt.Errorf("rtapi: read firmware %s: %w", name, err)
	}
	return &Firmware{Name: name, Data: data}, nil
}

// Release drops the blob's data.
func (DirLoader) Release(fw *Firmware) {
	if fw != nil {
		fw.Data = nil
	}
}
