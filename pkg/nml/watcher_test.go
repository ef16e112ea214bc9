package nml

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWatcher(t *testing.T, w *Watcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("watcher did not stop")
		}
	})
	// Give fsnotify time to register the directory.
	time.Sleep(100 * time.Millisecond)
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "live.nml", "B x 64 1 0\n")

	c := NewCatalog()
	_, err := c.Load(path)
	require.NoError(t, err)

	events := make(chan ReloadEvent, 4)
	w := NewWatcher(c, WatcherConfig{
		Debounce: 20 * time.Millisecond,
		OnReload: func(ev ReloadEvent) { events <- ev },
	})
	w.Watch(path)
	startWatcher(t, w)

	writeFile(t, dir, "live.nml", "B x 256 1 0\nB y 64 1 0\n")

	select {
	case ev := <-events:
		require.NoError(t, ev.Err)
		assert.Equal(t, 2, ev.Result.Buffers)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after write")
	}

	x, ok := c.Buffers().Find("x")
	require.True(t, ok)
	assert.Equal(t, 256, x.BufferSize)
}

func TestWatcher_RejectedReloadKeepsGeneration(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "live.nml", "B x 64 1 0\n")

	c := NewCatalog()
	_, err := c.Load(path)
	require.NoError(t, err)

	events := make(chan ReloadEvent, 4)
	w := NewWatcher(c, WatcherConfig{
		Debounce: 20 * time.Millisecond,
		OnReload: func(ev ReloadEvent) { events <- ev },
	})
	w.Watch(path)
	startWatcher(t, w)

	writeFile(t, dir, "live.nml", "B x 64 not-a-number 0\n")

	select {
	case ev := <-events:
		assert.ErrorIs(t, ev.Err, ErrInvalid)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload attempt after write")
	}

	x, ok := c.Buffers().Find("x")
	require.True(t, ok)
	assert.Equal(t, 64, x.BufferSize)
}

func TestWatcher_IgnoresUnwatchedFiles(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "live.nml", "B x 64 1 0\n")

	c := NewCatalog()
	_, err := c.Load(path)
	require.NoError(t, err)

	events := make(chan ReloadEvent, 4)
	w := NewWatcher(c, WatcherConfig{
		Debounce: 10 * time.Millisecond,
		OnReload: func(ev ReloadEvent) { events <- ev },
	})
	w.Watch(path)
	startWatcher(t, w)

	writeFile(t, dir, "notes.txt", "hello")

	select {
	case ev := <-events:
		t.Fatalf("unexpected reload: %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
}
