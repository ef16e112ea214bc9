package cms

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bft-labs/rtcms/pkg/nml"
)

// Message is one message read from a channel.
type Message struct {
	Data []byte
	Seq  uint64
}

// Channel is a handle on one buffer through one transport.
//
// Write and the read methods never block and never allocate, except Read
// which allocates the returned message. A Channel is also the default
// Reader; use NewReader for additional independent read positions. Close
// must not run concurrently with other calls on the same channel.
type Channel struct {
	Reader

	id      uuid.UUID
	buffer  nml.BufferLine
	process nml.ProcessLine
	server  bool
	master  bool
	t       transport
	m       channelMetrics
	poll    time.Duration

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	onClose   func()
}

func newChannel(b nml.BufferLine, p nml.ProcessLine, server, master bool, t transport, m channelMetrics, poll time.Duration) *Channel {
	c := &Channel{
		id:      uuid.New(),
		buffer:  b,
		process: p,
		server:  server,
		master:  master,
		t:       t,
		m:       m,
		poll:    poll,
	}
	c.Reader = Reader{ch: c}
	m.open.Inc()
	return c
}

// ID identifies this channel in logs and metrics.
func (c *Channel) ID() uuid.UUID { return c.id }

// Buffer returns the buffer line the channel was created from.
func (c *Channel) Buffer() nml.BufferLine { return c.buffer }

// Process returns the process line the channel was created from.
func (c *Channel) Process() nml.ProcessLine { return c.process }

// IsServer reports whether the channel acts as the buffer's server.
func (c *Channel) IsServer() bool { return c.server }

// IsMaster reports whether the channel was allowed to initialize the buffer.
func (c *Channel) IsMaster() bool { return c.master }

// Write publishes msg as the buffer's newest message and returns its
// sequence number. Messages larger than the buffer fail with ErrTooLarge
// and leave the buffer untouched.
//
// A TCP client cannot know the sequence number the server will give msg,
// so Write on a TCP client channel returns 0.
func (c *Channel) Write(msg []byte) (uint64, error) {
	if c.closed.Load() {
		return 0, ErrNoTransport
	}
	if len(msg) > c.buffer.BufferSize {
		c.m.tooLarge.Inc()
		return 0, ErrTooLarge
	}
	if err := c.t.err(); err != nil {
		return 0, err
	}
	seq, err := c.t.write(msg)
	if err != nil {
		return 0, err
	}
	c.m.writes.Inc()
	return seq, nil
}

// NewReader returns a read position over this channel that starts before
// the newest message.
func (c *Channel) NewReader() *Reader {
	return &Reader{ch: c}
}

// Close releases the transport. Closing twice returns the first result.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.t.close()
		c.m.open.Dec()
		if c.onClose != nil {
			c.onClose()
		}
	})
	return c.closeErr
}

// Reader tracks the last sequence number one consumer has seen. A Reader is
// not safe for concurrent use; give each goroutine its own.
type Reader struct {
	ch   *Channel
	last uint64
}

// HasNewData reports whether a message newer than the last one read exists.
func (r *Reader) HasNewData() bool {
	if r.ch.closed.Load() {
		return false
	}
	seq := r.ch.t.region().latest()
	return seq != 0 && seq != r.last
}

// ReadInto copies the newest message into dst. ok is false when nothing
// new has been written since the last successful read through r.
// It fails with io.ErrShortBuffer when dst is smaller than the message and
// with ErrTorn when concurrent writes outran every retry.
func (r *Reader) ReadInto(dst []byte) (n int, ok bool, err error) {
	c := r.ch
	if c.closed.Load() {
		return 0, false, ErrNoTransport
	}
	if err := c.t.err(); err != nil {
		return 0, false, err
	}
	n, seq, ok, err := c.t.region().readInto(dst, r.last)
	if err != nil {
		if errors.Is(err, ErrTorn) {
			c.m.tornReads.Inc()
		}
		return 0, false, err
	}
	if ok {
		r.last = seq
		c.m.reads.Inc()
	}
	return n, ok, nil
}

// Read returns the newest unseen message. With a zero timeout it returns
// immediately; otherwise it polls until a message arrives, the timeout
// passes (ok false, nil error) or ctx is done.
func (r *Reader) Read(ctx context.Context, timeout time.Duration) (Message, bool, error) {
	buf := make([]byte, r.ch.buffer.BufferSize)
	msg, ok, err := r.readMessage(buf)
	if ok || err != nil || timeout <= 0 {
		return msg, ok, err
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(r.ch.poll)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return Message{}, false, ctx.Err()
		case <-deadline.C:
			return Message{}, false, nil
		case <-tick.C:
			if msg, ok, err = r.readMessage(buf); ok || err != nil {
				return msg, ok, err
			}
		}
	}
}

func (r *Reader) readMessage(buf []byte) (Message, bool, error) {
	n, ok, err := r.ReadInto(buf)
	if !ok || err != nil {
		return Message{}, false, err
	}
	return Message{Data: buf[:n:n], Seq: r.last}, true, nil
}
