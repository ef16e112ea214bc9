package cms

import (
	"sync"
)

// transport is one backend behind a Channel.
type transport interface {
	// region is where the channel reads from.
	region() *region
	// write publishes msg and returns its sequence number, or 0 when the
	// sequence is assigned elsewhere. len(msg) has already been checked
	// against the buffer size.
	write(msg []byte) (uint64, error)
	// err reports a transport that can no longer move data.
	err() error
	close() error
}

// regionTransport serves LOCAL and SHMEM channels, where reads and writes
// go straight to the region.
type regionTransport struct {
	r       *region
	release func() error
}

func (t *regionTransport) region() *region                  { return t.r }
func (t *regionTransport) write(msg []byte) (uint64, error) { return t.r.write(msg) }
func (t *regionTransport) err() error                       { return nil }

func (t *regionTransport) close() error {
	if t.release == nil {
		return nil
	}
	return t.release()
}

// localSegments shares LOCAL regions between channels of one factory.
type localSegments struct {
	mu   sync.Mutex
	segs map[string]*localSegment
}

type localSegment struct {
	r    *region
	refs int
}

// acquire returns the region for buffer, creating it on first use.
func (l *localSegments) acquire(buffer string, size, depth int) *regionTransport {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.segs == nil {
		l.segs = make(map[string]*localSegment)
	}
	seg := l.segs[buffer]
	if seg == nil {
		seg = &localSegment{r: newHeapRegion(size, depth)}
		l.segs[buffer] = seg
	}
	seg.refs++

	var once sync.Once
	return &regionTransport{
		r: seg.r,
		release: func() error {
			once.Do(func() {
				l.mu.Lock()
				defer l.mu.Unlock()
				seg.refs--
				if seg.refs == 0 && l.segs[buffer] == seg {
					delete(l.segs, buffer)
				}
			})
			return nil
		},
	}
}
