package cms

import (
	"encoding/binary"
	"fmt"
	"io"
	"runtime"
	"sync/atomic"
)

// MaxTornRetries bounds how often a read retries after observing a
// concurrent overwrite before it gives up with ErrTorn.
const MaxTornRetries = 4

// regionMagic marks an initialized region ("CMSSEGM1").
const regionMagic uint64 = 0x434d535345474d31

const flagInit uint64 = 1 << 1

// Header layout, in 64-bit words. The header is padded to one cache line.
const (
	hMagic = iota
	hFlag
	hSize
	hDepth
	hSeq   // last published sequence number
	hClaim // last claimed sequence number
	headerWords = 8
)

// Slot layout: [seqlock][length][payload words...]. The seqlock holds
// seq<<1 once the slot contains write seq, and seq<<1|1 while it is being
// written.
const (
	sLock = iota
	sLen
	slotHeaderWords
)

// regionWords returns the number of words a region of depth slots of size
// bytes occupies.
func regionWords(size, depth int) int {
	return headerWords + depth*(slotHeaderWords+payloadWords(size))
}

func payloadWords(size int) int { return (size + 7) / 8 }

// region is a latest-value message ring laid over a word slice that may live
// in shared memory. Every header and slot word is accessed atomically and no
// operation takes a lock.
type region struct {
	words     []uint64
	size      int
	depth     uint64
	slotWords int
}

// initRegion initializes words for size/depth unless another party already
// did. It reports whether this call performed the initialization.
func initRegion(words []uint64, size, depth int) bool {
	if len(words) < regionWords(size, depth) {
		return false
	}
	magic := atomic.LoadUint64(&words[hMagic])
	if magic == regionMagic {
		return false
	}
	if !atomic.CompareAndSwapUint64(&words[hMagic], magic, regionMagic) {
		return false
	}
	atomic.StoreUint64(&words[hSize], uint64(size))
	atomic.StoreUint64(&words[hDepth], uint64(depth))
	atomic.StoreUint64(&words[hSeq], 0)
	atomic.StoreUint64(&words[hClaim], 0)
	for i := headerWords; i < len(words); i++ {
		atomic.StoreUint64(&words[i], 0)
	}
	atomic.StoreUint64(&words[hFlag], flagInit)
	return true
}

// errNotReady is returned by attachRegion while the initializer is still working.
var errNotReady = fmt.Errorf("region not initialized")

// attachRegion returns a view over an initialized region whose geometry
// matches size and depth.
func attachRegion(words []uint64, size, depth int) (*region, error) {
	if len(words) < headerWords {
		return nil, fmt.Errorf("region of %d words has no header", len(words))
	}
	if atomic.LoadUint64(&words[hMagic]) != regionMagic || atomic.LoadUint64(&words[hFlag])&flagInit == 0 {
		return nil, errNotReady
	}
	gotSize := int(atomic.LoadUint64(&words[hSize]))
	gotDepth := int(atomic.LoadUint64(&words[hDepth]))
	if gotSize != size || gotDepth != depth {
		return nil, fmt.Errorf("segment geometry %dx%d does not match buffer %dx%d", gotSize, gotDepth, size, depth)
	}
	if len(words) < regionWords(size, depth) {
		return nil, fmt.Errorf("segment of %d words too small for %dx%d", len(words), size, depth)
	}
	return &region{
		words:     words,
		size:      size,
		depth:     uint64(depth),
		slotWords: slotHeaderWords + payloadWords(size),
	}, nil
}

// newHeapRegion allocates and initializes a process-local region.
func newHeapRegion(size, depth int) *region {
	words := make([]uint64, regionWords(size, depth))
	initRegion(words, size, depth)
	r, err := attachRegion(words, size, depth)
	if err != nil {
		panic("cms: fresh region failed to attach: " + err.Error())
	}
	return r
}

func (r *region) slot(seq uint64) []uint64 {
	off := headerWords + int(seq%r.depth)*r.slotWords
	return r.words[off : off+r.slotWords]
}

// latest returns the last published sequence number.
func (r *region) latest() uint64 {
	return atomic.LoadUint64(&r.words[hSeq])
}

// storeSpins bounds how long a writer waits for another writer to release
// the slot it needs.
const storeSpins = 1 << 12

// write stores msg under a freshly claimed sequence number and publishes it.
// The caller has checked len(msg) <= r.size. ErrBusy means the slot stayed
// held by another writer and msg was dropped.
func (r *region) write(msg []byte) (uint64, error) {
	seq := atomic.AddUint64(&r.words[hClaim], 1)
	if !r.store(seq, msg) {
		return 0, ErrBusy
	}
	return seq, nil
}

// writeAt stores msg under a sequence number chosen elsewhere, as a mirror
// of a remote region does.
func (r *region) writeAt(seq uint64, msg []byte) bool {
	for {
		cur := atomic.LoadUint64(&r.words[hClaim])
		if cur >= seq || atomic.CompareAndSwapUint64(&r.words[hClaim], cur, seq) {
			break
		}
	}
	return r.store(seq, msg)
}

// acquire takes the slot for seq by moving its lock from an even value to
// seq<<1|1. It reports superseded when the slot already holds, or is being
// written with, a newer sequence; that write wins and seq is dropped.
func (r *region) acquire(s []uint64, seq uint64) (owned, superseded bool) {
	for i := 0; i < storeSpins; i++ {
		lock := atomic.LoadUint64(&s[sLock])
		if lock>>1 > seq {
			return false, true
		}
		if lock&1 == 0 && atomic.CompareAndSwapUint64(&s[sLock], lock, seq<<1|1) {
			return true, false
		}
		runtime.Gosched()
	}
	return false, false
}

// store writes msg into the slot of seq and publishes seq. It returns false
// only when the slot could not be taken.
func (r *region) store(seq uint64, msg []byte) bool {
	s := r.slot(seq)
	owned, superseded := r.acquire(s, seq)
	if superseded {
		return true
	}
	if !owned {
		return false
	}

	data := s[slotHeaderWords:]
	full := len(msg) / 8
	for i := 0; i < full; i++ {
		atomic.StoreUint64(&data[i], binary.LittleEndian.Uint64(msg[i*8:]))
	}
	if rest := len(msg) - full*8; rest > 0 {
		var tail [8]byte
		copy(tail[:], msg[full*8:])
		atomic.StoreUint64(&data[full], binary.LittleEndian.Uint64(tail[:]))
	}
	atomic.StoreUint64(&s[sLen], uint64(len(msg)))
	atomic.StoreUint64(&s[sLock], seq<<1)

	for {
		cur := atomic.LoadUint64(&r.words[hSeq])
		if cur >= seq || atomic.CompareAndSwapUint64(&r.words[hSeq], cur, seq) {
			return true
		}
	}
}

// readInto copies the newest message into dst if its sequence differs from
// last. It returns ok == false when there is nothing new. The copy is
// validated against the slot's seqlock and retried at most MaxTornRetries
// times.
func (r *region) readInto(dst []byte, last uint64) (n int, seq uint64, ok bool, err error) {
	for attempt := 0; attempt <= MaxTornRetries; attempt++ {
		seq = atomic.LoadUint64(&r.words[hSeq])
		if seq == 0 || seq == last {
			return 0, last, false, nil
		}
		s := r.slot(seq)
		lock := atomic.LoadUint64(&s[sLock])
		if lock != seq<<1 {
			continue
		}
		n = int(atomic.LoadUint64(&s[sLen]))
		if n > r.size {
			continue
		}
		if n > len(dst) {
			return 0, last, false, io.ErrShortBuffer
		}

		data := s[slotHeaderWords:]
		full := n / 8
		for i := 0; i < full; i++ {
			binary.LittleEndian.PutUint64(dst[i*8:], atomic.LoadUint64(&data[i]))
		}
		if rest := n - full*8; rest > 0 {
			var tail [8]byte
			binary.LittleEndian.PutUint64(tail[:], atomic.LoadUint64(&data[full]))
			copy(dst[full*8:n], tail[:rest])
		}

		if atomic.LoadUint64(&s[sLock]) != lock {
			continue
		}
		return n, seq, true, nil
	}
	return 0, last, false, ErrTorn
}
