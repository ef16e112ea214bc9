package nml

import (
	"sync/atomic"

	"github.com/bft-labs/rtcms/pkg/log"
)

// LoadResult counts what a Catalog load registered.
type LoadResult struct {
	File      string
	Buffers   int
	Processes int
}

// Catalog loads configuration files into a buffer registry and a process
// registry together. A file either loads into both or into neither.
//
// The two registries publish their generations one after the other, so a
// Find on each during a reload may pair lines from different generations.
// Lookup and Bindings read one generation of both; they only see files
// loaded through the catalog.
type Catalog struct {
	buffers   *BufferLineRegistry
	processes *ProcessLineRegistry
	gen       atomic.Pointer[generation]
	opts      options
}

// generation is one published state of both registries.
type generation struct {
	buffers   *snapshot[BufferLine]
	processes *processState
}

// NewCatalog creates a catalog with empty registries sharing opts.
func NewCatalog(opts ...Option) *Catalog {
	c := &Catalog{
		buffers:   NewBufferLineRegistry(opts...),
		processes: NewProcessLineRegistry(opts...),
		opts:      buildOptions(opts),
	}
	c.gen.Store(&generation{buffers: c.buffers.cur.Load(), processes: c.processes.cur.Load()})
	return c
}

// publish makes bufs and procs visible. Both registry locks must be held.
func (c *Catalog) publish(bufs *snapshot[BufferLine], procs *processState) {
	c.gen.Store(&generation{buffers: bufs, processes: procs})
	c.buffers.cur.Store(bufs)
	c.processes.cur.Store(procs)
}

// Lookup returns the named buffer line and process line, both taken from
// the same loaded generation.
func (c *Catalog) Lookup(buffer, process string) (b BufferLine, p ProcessLine, hasBuffer, hasProcess bool) {
	g := c.gen.Load()
	b, hasBuffer = g.buffers.byName[buffer]
	p, hasProcess = g.processes.find(process)
	return b, p, hasBuffer, hasProcess
}

// Buffers returns the buffer registry.
func (c *Catalog) Buffers() *BufferLineRegistry { return c.buffers }

// Processes returns the process registry.
func (c *Catalog) Processes() *ProcessLineRegistry { return c.processes }

// Load reads path once and registers its B, P and S lines. Reloading a
// loaded path replaces its lines in both registries.
func (c *Catalog) Load(path string) (LoadResult, error) {
	path = canonicalPath(path)
	lines, err := readLines(path, c.opts)
	if err != nil {
		return LoadResult{}, err
	}

	c.buffers.mu.Lock()
	defer c.buffers.mu.Unlock()
	c.processes.mu.Lock()
	defer c.processes.mu.Unlock()

	nextBuffers, nb, err := c.buffers.prepare(path, lines)
	if err != nil {
		return LoadResult{}, err
	}
	nextProcs, np, err := c.processes.prepare(path, lines)
	if err != nil {
		return LoadResult{}, err
	}
	c.publish(nextBuffers, nextProcs)

	c.opts.logger.Info("nml file loaded",
		log.String("file", path), log.Int("buffers", nb), log.Int("processes", np))
	return LoadResult{File: path, Buffers: nb, Processes: np}, nil
}

// Unload removes everything path contributed to either registry.
func (c *Catalog) Unload(path string) (LoadResult, error) {
	path = canonicalPath(path)

	c.buffers.mu.Lock()
	defer c.buffers.mu.Unlock()
	c.processes.mu.Lock()
	defer c.processes.mu.Unlock()

	bufs := c.buffers.cur.Load()
	procs := c.processes.cur.Load()
	if !bufs.has(path) || !procs.procs.has(path) {
		return LoadResult{}, notLoaded(path)
	}
	res := LoadResult{
		File:      path,
		Buffers:   len(bufs.files[path]),
		Processes: len(procs.procs.files[path]) + len(procs.overrides.files[path]),
	}
	c.publish(bufs.without(path), &processState{
		procs:     procs.procs.without(path),
		overrides: procs.overrides.without(path),
	})

	c.opts.logger.Info("nml file unloaded",
		log.String("file", path), log.Int("buffers", res.Buffers), log.Int("processes", res.Processes))
	return res, nil
}

// Files returns the paths loaded through the catalog, sorted.
func (c *Catalog) Files() []string {
	return c.buffers.Files()
}

// Binding is a process line resolved against its buffer line.
type Binding struct {
	Buffer  BufferLine
	Process ProcessLine
}

// Bindings returns every process line whose buffer is defined, sorted by
// process name. Process lines naming an unknown buffer are skipped.
func (c *Catalog) Bindings() []Binding {
	g := c.gen.Load()
	procs := g.processes.procs.sortedValues()
	out := make([]Binding, 0, len(procs))
	for _, p := range procs {
		p = g.processes.apply(p)
		b, ok := g.buffers.byName[p.BufferName]
		if !ok {
			continue
		}
		out = append(out, Binding{Buffer: b, Process: p})
	}
	return out
}
