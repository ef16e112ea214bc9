package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bft-labs/rtcms/pkg/cms"
	"github.com/bft-labs/rtcms/pkg/nml"
)

const motionNML = `# motion controller buffers
B status  64 2 0
B command 32 1 0
B scratch 16 1 0
P status  SHMEM 101 server=1
P command SHMEM 102 server=1 master=1
P scratch LOCAL server=1
P client  SHMEM 101 buffer=status
`

type fixture struct {
	dir    string
	nml    string
	shmDir string
	cfg    Config
}

func newFixture(t *testing.T, content string) *fixture {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "motion.nml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	shm := filepath.Join(dir, "shm")
	require.NoError(t, os.MkdirAll(shm, 0o755))
	return &fixture{
		dir:    dir,
		nml:    path,
		shmDir: shm,
		cfg: Config{
			NMLFiles:        []string{path},
			StateDir:        filepath.Join(dir, "state"),
			ReloadDebounce:  10 * time.Millisecond,
			ShutdownTimeout: 2 * time.Second,
			Factory: cms.Config{
				Hostname:      "rt-host",
				ShmDir:        shm,
				AttachTimeout: 50 * time.Millisecond,
			},
		},
	}
}

func startDaemon(t *testing.T, cfg Config) *Daemon {
	t.Helper()
	d, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() {
		if d.Status() == StateRunning || d.Status() == StateCrashed {
			d.Stop()
		}
	})
	return d
}

func processes(infos []ChannelInfo) []string {
	out := make([]string, 0, len(infos))
	for _, ci := range infos {
		out = append(out, ci.Process)
	}
	return out
}

func TestConfig_Validate(t *testing.T) {
	var c Config
	assert.Error(t, c.Validate())

	c.NMLFiles = []string{"a.nml"}
	assert.Error(t, c.Validate())

	c.StateDir = t.TempDir()
	require.NoError(t, c.Validate())
	assert.Equal(t, nml.DefaultDebounce, c.ReloadDebounce)
	assert.Equal(t, ShutdownTimeout, c.ShutdownTimeout)
}

func TestDaemon_ServesConfiguredBuffers(t *testing.T) {
	f := newFixture(t, motionNML)
	d := startDaemon(t, f.cfg)

	assert.Equal(t, StateRunning, d.Status())
	assert.Equal(t, []string{"command", "status"}, processes(d.Channels()))
	assert.FileExists(t, cms.ShmPath(f.shmDir, 101))
	assert.FileExists(t, cms.ShmPath(f.shmDir, 102))

	snap, err := newStateFile(f.cfg.StateDir).Load()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), snap.PID)
	require.Len(t, snap.Segments, 2)
	assert.Equal(t, cms.ShmPath(f.shmDir, 102), snap.Segments[0].Path)

	require.NoError(t, d.Stop())
	assert.Equal(t, StateStopped, d.Status())
	assert.NoFileExists(t, cms.ShmPath(f.shmDir, 101))
	assert.NoFileExists(t, cms.ShmPath(f.shmDir, 102))

	snap, err = newStateFile(f.cfg.StateDir).Load()
	require.NoError(t, err)
	assert.Empty(t, snap.Segments)
}

func TestDaemon_ClientsSeeServedBuffer(t *testing.T) {
	f := newFixture(t, motionNML)
	d := startDaemon(t, f.cfg)

	factory, err := cms.NewCatalogFactory(d.Catalog(), f.cfg.Factory)
	require.NoError(t, err)
	defer factory.Close()

	writer, err := factory.Create(context.Background(), "status", "client", false, false)
	require.NoError(t, err)
	reader, err := factory.Create(context.Background(), "status", "client", false, false)
	require.NoError(t, err)

	_, err = writer.Write([]byte("axis 1 homed"))
	require.NoError(t, err)

	msg, ok, err := reader.Read(context.Background(), time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "axis 1 homed", string(msg.Data))
}

func TestDaemon_InvalidConfigCrashes(t *testing.T) {
	f := newFixture(t, "B status 64 2 0\nP status SHMEM nope server=1\n")

	var states []State
	d, err := New(f.cfg, WithStateHandler(func(_, cur State, _ string) { states = append(states, cur) }))
	require.NoError(t, err)

	err = d.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, nml.ErrInvalid))
	assert.Equal(t, StateCrashed, d.Status())
	assert.Equal(t, []State{StateStarting, StateCrashed}, states)
	assert.Empty(t, d.Channels())

	require.NoError(t, d.Stop())
}

func TestDaemon_StartTwice(t *testing.T) {
	f := newFixture(t, motionNML)
	d := startDaemon(t, f.cfg)
	assert.ErrorIs(t, d.Start(context.Background()), ErrAlreadyRunning)
}

func TestDaemon_StopWhenStopped(t *testing.T) {
	f := newFixture(t, motionNML)
	d, err := New(f.cfg)
	require.NoError(t, err)
	assert.ErrorIs(t, d.Stop(), ErrNotRunning)
}

func TestDaemon_RemovesStaleSegments(t *testing.T) {
	f := newFixture(t, motionNML)
	stale := filepath.Join(f.shmDir, "cms.999")
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o600))
	require.NoError(t, newStateFile(f.cfg.StateDir).Save(Snapshot{
		PID:      deadPID(t),
		Segments: []Segment{{Buffer: "old", Path: stale}},
	}))

	startDaemon(t, f.cfg)
	assert.NoFileExists(t, stale)
}

func TestDaemon_ReloadReconciles(t *testing.T) {
	f := newFixture(t, motionNML)
	f.cfg.Watch = true
	d := startDaemon(t, f.cfg)
	before := d.Channels()
	require.Len(t, before, 2)

	// status keeps its channel, command is retired, jog is added.
	next := strings.Replace(motionNML, "P command SHMEM 102 server=1 master=1", "P command SHMEM 102", 1) +
		"B jog 16 1 0\nP jog SHMEM 103 server=1\n"
	require.NoError(t, os.WriteFile(f.nml, []byte(next), 0o644))

	require.Eventually(t, func() bool {
		got := processes(d.Channels())
		return len(got) == 2 && got[0] == "jog" && got[1] == "status"
	}, 3*time.Second, 10*time.Millisecond)

	after := d.Channels()
	assert.Equal(t, before[1].ID, after[1].ID, "unchanged binding kept its channel")
	assert.NoFileExists(t, cms.ShmPath(f.shmDir, 102))
	assert.FileExists(t, cms.ShmPath(f.shmDir, 103))
}

func TestDaemon_RejectedReloadKeepsChannels(t *testing.T) {
	f := newFixture(t, motionNML)
	f.cfg.Watch = true
	d := startDaemon(t, f.cfg)

	require.NoError(t, os.WriteFile(f.nml, []byte("B status sixty 2 0\n"), 0o644))

	rejected := func() float64 {
		mfs, err := d.registry.Gather()
		require.NoError(t, err)
		for _, mf := range mfs {
			if mf.GetName() != "rtcms_nml_reloads_total" {
				continue
			}
			for _, m := range mf.GetMetric() {
				for _, lp := range m.GetLabel() {
					if lp.GetName() == "result" && lp.GetValue() == "rejected" {
						return m.GetCounter().GetValue()
					}
				}
			}
		}
		return 0
	}
	require.Eventually(t, func() bool { return rejected() >= 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"command", "status"}, processes(d.Channels()))
}

func TestDaemon_Handler(t *testing.T) {
	f := newFixture(t, motionNML)
	d := startDaemon(t, f.cfg)
	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status struct {
		State    string        `json:"state"`
		Files    []string      `json:"files"`
		Channels []ChannelInfo `json:"channels"`
		Servers  []struct {
			Buffer string `json:"buffer"`
		} `json:"servers"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "Running", status.State)
	assert.Len(t, status.Files, 1)
	assert.Len(t, status.Channels, 2)
	assert.Len(t, status.Servers, 2)

	metrics, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	assert.Equal(t, http.StatusOK, metrics.StatusCode)
}

func TestDaemon_MetricsListener(t *testing.T) {
	f := newFixture(t, motionNML)
	f.cfg.MetricsAddr = "127.0.0.1:0"
	d := startDaemon(t, f.cfg)
	assert.Equal(t, StateRunning, d.Status())
	require.NoError(t, d.Stop())
}
