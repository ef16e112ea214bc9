//go:build !unix

package cms

import (
	"errors"
	"fmt"
	"path/filepath"
)

// DefaultShmDir is where shared memory segment files are created.
const DefaultShmDir = ""

// ShmPath returns the segment file for key under dir.
func ShmPath(dir string, key int64) string {
	return filepath.Join(dir, fmt.Sprintf("cms.%d", key))
}

type shmSegment struct {
	path  string
	words []uint64
}

func openShm(path string, words int) (*shmSegment, error) {
	return nil, errors.New("shared memory segments are not supported on this platform")
}

func (s *shmSegment) close(unlink bool) error { return nil }
