package cms

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bft-labs/rtcms/pkg/log"
)

// DialFunc opens a client connection. It matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// ListenFunc opens a server listener. It matches net.ListenConfig.Listen.
type ListenFunc func(ctx context.Context, network, addr string) (net.Listener, error)

func defaultDial(ctx context.Context, network, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, addr)
}

func defaultListen(ctx context.Context, network, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(ctx, network, addr)
}

// kick wakes a goroutine without blocking the caller.
func kick(c chan struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}

// tcpPeer is one connected client. Only the broadcaster writes to conn.
type tcpPeer struct {
	conn net.Conn
	sent uint64
}

// tcpServer owns the authoritative region for a TCP buffer and mirrors
// every new message to connected clients.
type tcpServer struct {
	ln           net.Listener
	r            *region
	size         int
	writeTimeout time.Duration
	logger       log.Logger

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup

	mu    sync.Mutex
	peers map[*tcpPeer]struct{}
}

func listenTCP(ctx context.Context, listen ListenFunc, port, size, depth int, writeTimeout time.Duration, logger log.Logger) (*tcpServer, error) {
	ln, err := listen(ctx, "tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	s := &tcpServer{
		ln:           ln,
		r:            newHeapRegion(size, depth),
		size:         size,
		writeTimeout: writeTimeout,
		logger:       logger,
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
		peers:        make(map[*tcpPeer]struct{}),
	}
	s.wg.Add(2)
	go s.accept()
	go s.broadcast()
	return s, nil
}

func (s *tcpServer) region() *region { return s.r }
func (s *tcpServer) err() error      { return nil }

func (s *tcpServer) write(msg []byte) (uint64, error) {
	seq, err := s.r.write(msg)
	if err != nil {
		return 0, err
	}
	kick(s.wake)
	return seq, nil
}

// Addr returns the bound listener address.
func (s *tcpServer) Addr() net.Addr { return s.ln.Addr() }

func (s *tcpServer) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Error("accept failed", log.Err(err))
			}
			return
		}
		p := &tcpPeer{conn: conn}
		s.mu.Lock()
		s.peers[p] = struct{}{}
		s.mu.Unlock()
		s.logger.Debug("client connected", log.String("remote", conn.RemoteAddr().String()))

		s.wg.Add(1)
		go s.receive(p)
		kick(s.wake)
	}
}

// receive applies client writes to the region.
func (s *tcpServer) receive(p *tcpPeer) {
	defer s.wg.Done()
	defer s.drop(p)

	rd := bufio.NewReader(p.conn)
	buf := make([]byte, s.size)
	for {
		op, _, payload, err := readFrame(rd, buf)
		if err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Debug("client disconnected",
					log.String("remote", p.conn.RemoteAddr().String()), log.Err(err))
			}
			return
		}
		if op != opWrite {
			s.logger.Warn("unexpected frame from client", log.Int("op", int(op)))
			return
		}
		if _, err := s.write(payload); err != nil {
			s.logger.Warn("client write dropped",
				log.String("remote", p.conn.RemoteAddr().String()), log.Err(err))
		}
	}
}

func (s *tcpServer) drop(p *tcpPeer) {
	s.mu.Lock()
	delete(s.peers, p)
	s.mu.Unlock()
	p.conn.Close()
}

// broadcast sends the newest message to every peer that has not seen it.
func (s *tcpServer) broadcast() {
	defer s.wg.Done()

	buf := make([]byte, s.size)
	frame := make([]byte, 0, frameHeaderLen+s.size)
	var peers []*tcpPeer
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		n, seq, ok, err := s.r.readInto(buf, 0)
		if errors.Is(err, ErrTorn) {
			// A writer holds the slot; try again once it is done.
			runtime.Gosched()
			kick(s.wake)
			continue
		}
		if err != nil || !ok {
			continue
		}
		frame = appendFrame(frame[:0], opUpdate, seq, buf[:n])

		peers = peers[:0]
		s.mu.Lock()
		for p := range s.peers {
			if p.sent != seq {
				peers = append(peers, p)
			}
		}
		s.mu.Unlock()

		for _, p := range peers {
			if s.writeTimeout > 0 {
				p.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			}
			if _, err := p.conn.Write(frame); err != nil {
				s.logger.Debug("dropping client", log.String("remote", p.conn.RemoteAddr().String()), log.Err(err))
				s.drop(p)
				continue
			}
			p.sent = seq
		}
	}
}

func (s *tcpServer) close() error {
	close(s.done)
	err := s.ln.Close()
	s.mu.Lock()
	for p := range s.peers {
		p.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

// tcpClient mirrors a server's region and forwards local writes to it.
type tcpClient struct {
	conn         net.Conn
	mirror       *region
	out          *region
	size         int
	writeTimeout time.Duration
	logger       log.Logger

	broken atomic.Bool
	wake   chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

func newTCPClient(conn net.Conn, size, depth int, writeTimeout time.Duration, logger log.Logger) *tcpClient {
	c := &tcpClient{
		conn:         conn,
		mirror:       newHeapRegion(size, depth),
		out:          newHeapRegion(size, depth),
		size:         size,
		writeTimeout: writeTimeout,
		logger:       logger,
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	c.wg.Add(2)
	go c.receive()
	go c.send()
	return c
}

func (c *tcpClient) region() *region { return c.mirror }

// write queues msg for the server. It becomes readable on this channel once
// the server echoes it back under the sequence number the server assigns,
// so write returns 0.
func (c *tcpClient) write(msg []byte) (uint64, error) {
	if _, err := c.out.write(msg); err != nil {
		return 0, err
	}
	kick(c.wake)
	return 0, nil
}

func (c *tcpClient) err() error {
	if c.broken.Load() {
		return fmt.Errorf("%w: connection to %s lost", ErrNoTransport, c.conn.RemoteAddr())
	}
	return nil
}

func (c *tcpClient) fail(what string, err error) {
	select {
	case <-c.done:
		return
	default:
	}
	if c.broken.CompareAndSwap(false, true) {
		c.logger.Warn("connection lost", log.String("during", what), log.Err(err))
	}
}

func (c *tcpClient) receive() {
	defer c.wg.Done()
	rd := bufio.NewReader(c.conn)
	buf := make([]byte, c.size)
	for {
		op, seq, payload, err := readFrame(rd, buf)
		if err != nil {
			c.fail("receive", err)
			return
		}
		if op != opUpdate {
			c.fail("receive", errors.New("unexpected write frame from server"))
			return
		}
		if !c.mirror.writeAt(seq, payload) {
			c.logger.Warn("mirror update dropped", log.Uint64("seq", seq))
		}
	}
}

func (c *tcpClient) send() {
	defer c.wg.Done()
	buf := make([]byte, c.size)
	frame := make([]byte, 0, frameHeaderLen+c.size)
	var last uint64
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}
		n, seq, ok, err := c.out.readInto(buf, last)
		if errors.Is(err, ErrTorn) {
			runtime.Gosched()
			kick(c.wake)
			continue
		}
		if err != nil || !ok {
			continue
		}
		last = seq
		frame = appendFrame(frame[:0], opWrite, seq, buf[:n])
		if c.writeTimeout > 0 {
			c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		}
		if _, err := c.conn.Write(frame); err != nil {
			c.fail("send", err)
			return
		}
	}
}

func (c *tcpClient) close() error {
	close(c.done)
	err := c.conn.Close()
	c.wg.Wait()
	return err
}
