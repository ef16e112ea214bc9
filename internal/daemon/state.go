package daemon

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

const stateFileName = "cmsd-state.json"

// Segment records one server channel the daemon holds.
type Segment struct {
	ChannelID string `json:"channel_id"`
	Buffer    string `json:"buffer"`
	Process   string `json:"process"`
	Transport string `json:"transport"`

	// Path is the shared memory file for SHMEM channels.
	Path  string    `json:"path,omitempty"`
	Since time.Time `json:"since"`
}

// Snapshot is the persisted daemon state. It lets a restarted daemon remove
// segments a crashed predecessor left behind.
type Snapshot struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	Files     []string  `json:"files"`
	Segments  []Segment `json:"segments"`
	UpdatedAt time.Time `json:"updated_at"`
}

// stateFile persists a Snapshot as JSON.
type stateFile struct {
	dir string
}

func newStateFile(dir string) *stateFile {
	return &stateFile{dir: dir}
}

func (f *stateFile) Path() string {
	return filepath.Join(f.dir, stateFileName)
}

// Load returns the saved snapshot, or an empty one if none exists.
func (f *stateFile) Load() (Snapshot, error) {
	data, err := os.ReadFile(f.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, nil
		}
		return Snapshot{}, err
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, err
	}
	return s, nil
}

// Save writes s atomically (temp file, then rename).
func (f *stateFile) Save(s Snapshot) error {
	if err := os.MkdirAll(f.dir, 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.Path() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.Path())
}
