package nml

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sharedBuffers = `# shared buffer definitions
B emcStatus   8192 1 0
B emcCommand  2048 4 1
B emcError    512  8 0
`

const machineProcesses = `P emcStatus  SHMEM 1001
P emcCommand TCP motion-host 5005 server=1
P sim        LOCAL buffer=emcStatus
S emcCommand 0
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestBufferLineRegistry_LoadFind(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "buffers.nml", sharedBuffers+machineProcesses)

	r := NewBufferLineRegistry()
	n, err := r.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	b, ok := r.Find("emcCommand")
	require.True(t, ok)
	assert.Equal(t, 2048, b.BufferSize)
	assert.Equal(t, 4, b.MaxQueueLength)
	assert.True(t, b.NeutralEncoding)
	assert.Equal(t, path, b.SourceFile)
	assert.Equal(t, 3, b.LineNumber)

	_, ok = r.Find("sim")
	assert.False(t, ok, "process lines must not land in the buffer registry")
	assert.Equal(t, []string{path}, r.Files())
}

func TestBufferLineRegistry_LoadUnloadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	base := writeFile(t, dir, "base.nml", "B keep 64 1 0\nB other 32 2 1\n")
	extra := writeFile(t, dir, "extra.nml", sharedBuffers)

	r := NewBufferLineRegistry()
	_, err := r.Load(base)
	require.NoError(t, err)

	beforeLines := r.Lines()
	beforeFiles := r.Files()

	n, err := r.Load(extra)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	removed, err := r.Unload(extra)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	for _, name := range []string{"emcStatus", "emcCommand", "emcError"} {
		_, ok := r.Find(name)
		assert.False(t, ok, name)
	}
	assert.Equal(t, beforeLines, r.Lines())
	assert.Equal(t, beforeFiles, r.Files())
}

func TestBufferLineRegistry_DuplicateAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.nml", "B shared 64 1 0\nB onlyA 64 1 0\n")
	b := writeFile(t, dir, "b.nml", "B onlyB 64 1 0\nB shared 128 1 0\n")

	r := NewBufferLineRegistry()
	_, err := r.Load(a)
	require.NoError(t, err)

	_, err = r.Load(b)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateName)

	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, DuplicateName, ce.Kind)
	assert.Equal(t, 2, ce.Line)
	assert.Equal(t, "shared", ce.Name)

	_, ok := r.Find("onlyB")
	assert.False(t, ok, "no partial registration of the rejected file")
	got, ok := r.Find("shared")
	require.True(t, ok)
	assert.Equal(t, 64, got.BufferSize, "first file keeps ownership")
	assert.Equal(t, []string{a}, r.Files())
}

func TestBufferLineRegistry_InvalidRollsBack(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bad.nml", "B good 64 1 0\nB bad 64 0 0\n")

	r := NewBufferLineRegistry()
	_, err := r.Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.ErrorIs(t, err, ErrMalformedLine)

	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 2, ce.Line)

	_, ok := r.Find("good")
	assert.False(t, ok)
	assert.Empty(t, r.Files())
}

func TestBufferLineRegistry_DuplicateWithinFileIsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "dup.nml", "B x 64 1 0\n\nB x 64 1 0\n")

	r := NewBufferLineRegistry()
	_, err := r.Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.NotErrorIs(t, err, ErrDuplicateName)

	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 3, ce.Line)
}

func TestBufferLineRegistry_SkipInvalid(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "mixed.nml", "B good 64 1 0\nB bad 64 0 0\nQ what\nB also 32 1 1\n")

	r := NewBufferLineRegistry(WithErrorPolicy(SkipInvalid))
	n, err := r.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, ok := r.Find("bad")
	assert.False(t, ok)
	_, ok = r.Find("also")
	assert.True(t, ok)
}

func TestBufferLineRegistry_ReloadReplaces(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "b.nml", "B x 64 1 0\nB y 64 1 0\n")

	r := NewBufferLineRegistry()
	_, err := r.Load(path)
	require.NoError(t, err)

	writeFile(t, dir, "b.nml", "B x 256 2 0\nB z 64 1 0\n")
	n, err := r.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	x, ok := r.Find("x")
	require.True(t, ok)
	assert.Equal(t, 256, x.BufferSize)
	_, ok = r.Find("y")
	assert.False(t, ok)
	_, ok = r.Find("z")
	assert.True(t, ok)
}

func TestBufferLineRegistry_UnloadNotLoaded(t *testing.T) {
	r := NewBufferLineRegistry()
	_, err := r.Unload("/nowhere/x.nml")
	assert.ErrorIs(t, err, ErrNotLoaded)
}

func TestBufferLineRegistry_MissingFile(t *testing.T) {
	r := NewBufferLineRegistry()
	_, err := r.Load(filepath.Join(t.TempDir(), "missing.nml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestBufferLineRegistry_RelativePathsShareKey(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "rel.nml", "B x 64 1 0\n")
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	r := NewBufferLineRegistry()
	_, err = r.Load("rel.nml")
	require.NoError(t, err)

	n, err := r.Unload("./rel.nml")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestBufferLineRegistry_ConcurrentFindDuringReload(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "b.nml", "B x 64 1 0\n")

	r := NewBufferLineRegistry()
	_, err := r.Load(path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			b, ok := r.Find("x")
			if ok && b.BufferSize != 64 && b.BufferSize != 128 {
				t.Errorf("unexpected buffer size %d", b.BufferSize)
				return
			}
		}
	}()

	for i := 0; i < 50; i++ {
		size := "64"
		if i%2 == 1 {
			size = "128"
		}
		writeFile(t, dir, "b.nml", "B x "+size+" 1 0\n")
		_, err := r.Load(path)
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()
}

func TestProcessLineRegistry_OverridesAndUnload(t *testing.T) {
	dir := t.TempDir()
	procs := writeFile(t, dir, "procs.nml", machineProcesses)

	r := NewProcessLineRegistry()
	n, err := r.Load(procs)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	cmd, ok := r.Find("emcCommand")
	require.True(t, ok)
	assert.False(t, cmd.SetToServer, "S line turns the server flag off")
	assert.Equal(t, TCP{Host: "motion-host", Port: 5005}, cmd.Transport)

	sim, ok := r.Find("sim")
	require.True(t, ok)
	assert.Equal(t, "emcStatus", sim.BufferName)
	assert.Equal(t, Local{}, sim.Transport)

	override := writeFile(t, dir, "override.nml", "S emcStatus 1\n")
	_, err = r.Load(override)
	require.NoError(t, err)
	st, _ := r.Find("emcStatus")
	assert.True(t, st.SetToServer, "override from another file applies")

	removed, err := r.Unload(override)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	st, _ = r.Find("emcStatus")
	assert.False(t, st.SetToServer)

	removed, err = r.Unload(procs)
	require.NoError(t, err)
	assert.Equal(t, 4, removed)
	assert.Empty(t, r.Lines())
}

func TestProcessLineRegistry_DuplicateOverride(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.nml", "P x LOCAL\nS x 1\n")
	b := writeFile(t, dir, "b.nml", "P y LOCAL\nS x 0\n")

	r := NewProcessLineRegistry()
	_, err := r.Load(a)
	require.NoError(t, err)
	_, err = r.Load(b)
	assert.ErrorIs(t, err, ErrDuplicateName)
	_, ok := r.Find("y")
	assert.False(t, ok)
}

func TestCatalog_LoadIsAtomicAcrossRegistries(t *testing.T) {
	dir := t.TempDir()
	first := writeFile(t, dir, "first.nml", "B a 64 1 0\nP pa LOCAL buffer=a\n")
	second := writeFile(t, dir, "second.nml", "B b 64 1 0\nP pa LOCAL buffer=b\n")

	c := NewCatalog()
	res, err := c.Load(first)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Buffers)
	assert.Equal(t, 1, res.Processes)

	_, err = c.Load(second)
	require.ErrorIs(t, err, ErrDuplicateName)
	_, ok := c.Buffers().Find("b")
	assert.False(t, ok, "buffer half of a rejected file must not be visible")
	assert.Equal(t, []string{first}, c.Files())
}

func TestCatalog_UnloadAndBindings(t *testing.T) {
	dir := t.TempDir()
	bufs := writeFile(t, dir, "buffers.nml", sharedBuffers)
	procs := writeFile(t, dir, "procs.nml", machineProcesses+"P orphan LOCAL buffer=nothing\n")

	c := NewCatalog()
	_, err := c.Load(bufs)
	require.NoError(t, err)
	_, err = c.Load(procs)
	require.NoError(t, err)

	bindings := c.Bindings()
	names := make([]string, 0, len(bindings))
	for _, b := range bindings {
		names = append(names, b.Process.Name)
	}
	assert.Equal(t, []string{"emcCommand", "emcStatus", "sim"}, names)

	res, err := c.Unload(procs)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Buffers)
	assert.Equal(t, 5, res.Processes)
	assert.Empty(t, c.Bindings())

	_, err = c.Unload(procs)
	assert.ErrorIs(t, err, ErrNotLoaded)
}

// Each generation changes the buffer size and the process key together, so
// a lookup that mixes generations shows up as a mismatched pair.
func TestCatalog_LookupReadsOneGeneration(t *testing.T) {
	versions := []string{
		"B status 64 1 0\nP status SHMEM 1\n",
		"B status 128 1 0\nP status SHMEM 2\n",
	}
	keyFor := map[int]int64{64: 1, 128: 2}

	dir := t.TempDir()
	path := writeFile(t, dir, "motion.nml", versions[0])
	c := NewCatalog()
	_, err := c.Load(path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				b, p, hasBuffer, hasProcess := c.Lookup("status", "status")
				if !hasBuffer || !hasProcess {
					t.Errorf("lookup lost a line: buffer=%t process=%t", hasBuffer, hasProcess)
					return
				}
				if got := p.Transport.(Shmem).Key; got != keyFor[b.BufferSize] {
					t.Errorf("buffer size %d paired with key %d", b.BufferSize, got)
					return
				}
			}
		}()
	}

	for i := 1; i < 200; i++ {
		require.NoError(t, os.WriteFile(path, []byte(versions[i%2]), 0o644))
		_, err := c.Load(path)
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()

	_, _, hasBuffer, _ := c.Lookup("missing", "status")
	assert.False(t, hasBuffer)
	_, _, _, hasProcess := c.Lookup("status", "missing")
	assert.False(t, hasProcess)
}
