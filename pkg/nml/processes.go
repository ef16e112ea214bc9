package nml

import (
	"sync"
	"sync/atomic"

	"github.com/bft-labs/rtcms/pkg/log"
)

// processState pairs P lines with S overrides so both switch generations together.
type processState struct {
	procs     *snapshot[ProcessLine]
	overrides *snapshot[ServerOverride]
}

// ProcessLineRegistry maps process line names to their transport binding.
type ProcessLineRegistry struct {
	mu   sync.Mutex
	cur  atomic.Pointer[processState]
	opts options
}

// NewProcessLineRegistry creates an empty registry.
func NewProcessLineRegistry(opts ...Option) *ProcessLineRegistry {
	r := &ProcessLineRegistry{opts: buildOptions(opts)}
	r.cur.Store(&processState{
		procs:     emptySnapshot[ProcessLine](),
		overrides: emptySnapshot[ServerOverride](),
	})
	return r
}

// Load registers every P and S line of path and returns how many were loaded.
func (r *ProcessLineRegistry) Load(path string) (int, error) {
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
	r.opts.logger.Debug("process lines loaded", log.String("file", path), log.Int("count", n))
	return n, nil
}

// prepare builds the generation that results from loading lines. r.mu must be held.
func (r *ProcessLineRegistry) prepare(path string, lines []numberedLine) (*processState, int, error) {
	procs, err := collect(path, KeywordProcess, lines, r.opts, func(l Line, n int) (ProcessLine, error) {
		p, err := ProcessLineFrom(l)
		p.SourceFile = path
		p.LineNumber = n
		return p, err
	})
	if err != nil {
		return nil, 0, err
	}
	overrides, err := collect(path, KeywordServer, lines, r.opts, func(l Line, n int) (ServerOverride, error) {
		s, err := ServerOverrideFrom(l)
		s.SourceFile = path
		s.LineNumber = n
		return s, err
	})
	if err != nil {
		return nil, 0, err
	}

	cur := r.cur.Load()
	nextProcs, err := cur.procs.with(path, "process", procs)
	if err != nil {
		return nil, 0, err
	}
	nextOverrides, err := cur.overrides.with(path, "server override", overrides)
	if err != nil {
		return nil, 0, err
	}
	return &processState{procs: nextProcs, overrides: nextOverrides}, len(procs) + len(overrides), nil
}

// Unload removes every line path contributed and returns how many.
func (r *ProcessLineRegistry) Unload(path string) (int, error) {
	path = canonicalPath(path)

	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.cur.Load()
	if !cur.procs.has(path) {
		return 0, notLoaded(path)
	}
	n := len(cur.procs.files[path]) + len(cur.overrides.files[path])
	r.cur.Store(&processState{
		procs:     cur.procs.without(path),
		overrides: cur.overrides.without(path),
	})
	r.opts.logger.Debug("process lines unloaded", log.String("file", path), log.Int("count", n))
	return n, nil
}

// Find returns the named process line with any S override applied.
func (r *ProcessLineRegistry) Find(name string) (ProcessLine, bool) {
	return r.cur.Load().find(name)
}

// Lines returns every process line sorted by name, overrides applied.
func (r *ProcessLineRegistry) Lines() []ProcessLine {
	st := r.cur.Load()
	out := st.procs.sortedValues()
	for i := range out {
		out[i] = st.apply(out[i])
	}
	return out
}

// Files returns the loaded file paths, sorted.
func (r *ProcessLineRegistry) Files() []string {
	return r.cur.Load().procs.sortedFiles()
}

func (st *processState) find(name string) (ProcessLine, bool) {
	p, ok := st.procs.byName[name]
	if !ok {
		return ProcessLine{}, false
	}
	return st.apply(p), true
}

func (st *processState) apply(p ProcessLine) ProcessLine {
	if o, ok := st.overrides.byName[p.Name]; ok {
		p.SetToServer = o.Server
	}
	return p
}
