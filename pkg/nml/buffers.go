package nml

import (
	"sync"
	"sync/atomic"

	"github.com/bft-labs/rtcms/pkg/log"
)

// BufferLineRegistry maps buffer names to their B line definition.
type BufferLineRegistry struct {
	mu   sync.Mutex
	cur  atomic.Pointer[snapshot[BufferLine]]
	opts options
}

// NewBufferLineRegistry creates an empty registry.
func NewBufferLineRegistry(opts ...Option) *BufferLineRegistry {
	r := &BufferLineRegistry{opts: buildOptions(opts)}
	r.cur.Store(emptySnapshot[BufferLine]())
	return r
}

// Load registers every B line of path and returns how many were loaded.
// Loading a path that is already loaded replaces its lines. On error
// nothing changes.
func (r *BufferLineRegistry) Load(path string) (int, error) {
	path = canonicalPath(path)
	lines, err := readLines(path, r.opts)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	next, n, err := r.prepare(path, lines)
	if err != nil {
		return 0, err
	}
	r.cur.Store(next)
	r.opts.logger.Debug("buffer lines loaded", log.String("file", path), log.Int("count", n))
	return n, nil
}

// prepare builds the generation that results from loading lines. r.mu must be held.
func (r *BufferLineRegistry) prepare(path string, lines []numberedLine) (*snapshot[BufferLine], int, error) {
	entries, err := collect(path, KeywordBuffer, lines, r.opts, func(l Line, n int) (BufferLine, error) {
		b, err := BufferLineFrom(l)
		b.SourceFile = path
		b.LineNumber = n
		return b, err
	})
	if err != nil {
		return nil, 0, err
	}
	next, err := r.cur.Load().with(path, "buffer", entries)
	if err != nil {
		return nil, 0, err
	}
	return next, len(entries), nil
}

// Unload removes every line path contributed and returns how many.
func (r *BufferLineRegistry) Unload(path string) (int, error) {
	path = canonicalPath(path)

	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.cur.Load()
	if !cur.has(path) {
		return 0, notLoaded(path)
	}
	n := len(cur.files[path])
	r.cur.Store(cur.without(path))
	r.opts.logger.Debug("buffer lines unloaded", log.String("file", path), log.Int("count", n))
	return n, nil
}

// Find returns the definition of the named buffer. It never blocks.
func (r *BufferLineRegistry) Find(name string) (BufferLine, bool) {
	b, ok := r.cur.Load().byName[name]
	return b, ok
}

// Lines returns every registered buffer sorted by name.
func (r *BufferLineRegistry) Lines() []BufferLine {
	return r.cur.Load().sortedValues()
}

// Files returns the loaded file paths, sorted.
func (r *BufferLineRegistry) Files() []string {
	return r.cur.Load().sortedFiles()
}
