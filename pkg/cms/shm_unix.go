//go:build unix

package cms

import (
	"fmt"
	"os"
	"path/filepath"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DefaultShmDir is where shared memory segment files are created.
const DefaultShmDir = "/dev/shm"

// ShmPath returns the segment file for key under dir.
func ShmPath(dir string, key int64) string {
	return filepath.Join(dir, fmt.Sprintf("cms.%d", key))
}

// shmSegment is a file-backed shared mapping.
type shmSegment struct {
	path  string
	mem   []byte
	words []uint64
}

// openShm maps the segment file at path, creating and growing it to hold
// the given number of words.
func openShm(path string, words int) (*shmSegment, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o660)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}
	defer f.Close()

	size := int64(words) * 8
	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat segment: %w", err)
	}
	if st.Size() < size {
		if err := f.Truncate(size); err != nil {
			return nil, fmt.Errorf("size segment: %w", err)
		}
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map segment: %w", err)
	}
	return &shmSegment{
		path:  path,
		mem:   mem,
		words: unsafe.Slice((*uint64)(unsafe.Pointer(&mem[0])), words),
	}, nil
}

// close unmaps the segment and, for its owner, removes the file.
func (s *shmSegment) close(unlink bool) error {
	s.words = nil
	err := unix.Munmap(s.mem)
	s.mem = nil
	if unlink {
		if rmErr := os.Remove(s.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
			err = rmErr
		}
	}
	return err
}
