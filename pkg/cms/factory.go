package cms

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/bft-labs/rtcms/pkg/log"
	"github.com/bft-labs/rtcms/pkg/nml"
	"github.com/bft-labs/rtcms/pkg/rtapi"
)

// Config holds the factory settings.
type Config struct {
	// Hostname is compared against TCP process lines to find local servers.
	// Default: os.Hostname()
	Hostname string

	// ShmDir holds shared memory segment files.
	// Default: /dev/shm
	ShmDir string

	// ConnectAttempts bounds TCP client dials per Create.
	// Default: 3
	ConnectAttempts int

	// BackoffInitial and BackoffMax space TCP dial attempts.
	// Default: 50 milliseconds and 1 second
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// DialTimeout bounds each TCP dial. It also bounds socket writes.
	// Default: 2 seconds
	DialTimeout time.Duration

	// AttachTimeout bounds how long a SHMEM participant that may not
	// initialize waits for the segment to be initialized.
	// Default: 1 second
	AttachTimeout time.Duration

	// PollInterval is how often Read with a timeout re-checks the buffer.
	// Default: 1 millisecond
	PollInterval time.Duration
}

// SetDefaults fills zero fields with their defaults.
func (c *Config) SetDefaults() {
	if c.Hostname == "" {
		c.Hostname, _ = os.Hostname()
	}
	if c.ShmDir == "" {
		c.ShmDir = DefaultShmDir
	}
	if c.ConnectAttempts == 0 {
		c.ConnectAttempts = 3
	}
	if c.BackoffInitial == 0 {
		c.BackoffInitial = 50 * time.Millisecond
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.AttachTimeout == 0 {
		c.AttachTimeout = time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = time.Millisecond
	}
}

// Validate checks the settings after SetDefaults.
func (c Config) Validate() error {
	if c.ConnectAttempts < 1 {
		return fmt.Errorf("cms: connect attempts must be at least 1, got %d", c.ConnectAttempts)
	}
	if c.BackoffInitial < 0 || c.BackoffMax < 0 {
		return errors.New("cms: backoff durations must not be negative")
	}
	if c.DialTimeout < 0 || c.AttachTimeout < 0 {
		return errors.New("cms: timeouts must not be negative")
	}
	if c.PollInterval <= 0 {
		return errors.New("cms: poll interval must be positive")
	}
	return nil
}

// BufferLookup finds buffer lines by name. *nml.BufferLineRegistry satisfies it.
type BufferLookup interface {
	Find(name string) (nml.BufferLine, bool)
}

// ProcessLookup finds process lines by name. *nml.ProcessLineRegistry satisfies it.
type ProcessLookup interface {
	Find(name string) (nml.ProcessLine, bool)
}

// lookupFunc resolves a buffer and a process line together.
type lookupFunc func(buffer, process string) (nml.BufferLine, nml.ProcessLine, bool, bool)

// Option configures optional factory behavior.
type Option func(*options)

type options struct {
	logger   log.Logger
	metrics  *Metrics
	servers  *ServerRegistry
	firmware rtapi.FirmwareLoader
	dial     DialFunc
	listen   ListenFunc
}

// WithLogger sets the logger. If not provided, a no-op logger is used.
func WithLogger(l log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the metrics channels report to. If not provided,
// unregistered metrics are used.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithServerRegistry shares a server registry between factories. If not
// provided, each factory has its own.
func WithServerRegistry(r *ServerRegistry) Option {
	return func(o *options) { o.servers = r }
}

// WithFirmwareLoader enables seeding buffers that name a firmware blob.
func WithFirmwareLoader(l rtapi.FirmwareLoader) Option {
	return func(o *options) { o.firmware = l }
}

// WithDialer replaces the TCP dialer.
func WithDialer(d DialFunc) Option {
	return func(o *options) { o.dial = d }
}

// WithListener replaces the TCP listener constructor.
func WithListener(l ListenFunc) Option {
	return func(o *options) { o.listen = l }
}

// Factory creates channels from registry lines. Lines are resolved when
// Create is called; a channel keeps the lines it was created from even if
// the registries are reloaded afterwards.
type Factory struct {
	cfg    Config
	lookup lookupFunc
	opts   options
	logger log.Logger
	locals localSegments

	mu    sync.Mutex
	items map[*Channel]struct{}
}

// NewFactory creates a factory over the given registries. The buffer and
// the process line are looked up separately; use NewCatalogFactory to
// resolve both from one generation while files are being reloaded.
func NewFactory(buffers BufferLookup, processes ProcessLookup, cfg Config, opts ...Option) (*Factory, error) {
	return newFactory(func(buffer, process string) (nml.BufferLine, nml.ProcessLine, bool, bool) {
		b, hasBuffer := buffers.Find(buffer)
		p, hasProcess := processes.Find(process)
		return b, p, hasBuffer, hasProcess
	}, cfg, opts)
}

// NewCatalogFactory creates a factory that resolves lines through c.Lookup.
func NewCatalogFactory(c *nml.Catalog, cfg Config, opts ...Option) (*Factory, error) {
	return newFactory(c.Lookup, cfg, opts)
}

func newFactory(lookup lookupFunc, cfg Config, opts []Option) (*Factory, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{dial: defaultDial, listen: defaultListen}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = log.OrNoop(o.logger)
	if o.metrics == nil {
		o.metrics = NewMetrics(nil)
	}
	if o.servers == nil {
		o.servers = NewServerRegistry()
	}
	return &Factory{
		cfg:    cfg,
		lookup: lookup,
		opts:   o,
		logger: o.logger,
		items:  make(map[*Channel]struct{}),
	}, nil
}

// Servers returns the registry of buffers this factory serves.
func (f *Factory) Servers() *ServerRegistry { return f.opts.servers }

// Config returns the effective settings.
func (f *Factory) Config() Config { return f.cfg }

// Create builds a channel for bufferName through the transport named by
// processName. An empty processName uses the process line named after the
// buffer. setToServer and setToMaster add to, and never clear, the flags of
// the process line.
func (f *Factory) Create(ctx context.Context, bufferName, processName string, setToServer, setToMaster bool) (*Channel, error) {
	if processName == "" {
		processName = bufferName
	}
	b, p, hasBuffer, hasProcess := f.lookup(bufferName, processName)
	if !hasBuffer {
		return nil, transportErr(ErrUnknownBuffer, bufferName, processName, nil)
	}
	if !hasProcess {
		return nil, transportErr(ErrUnknownProcess, bufferName, processName, nil)
	}
	if p.BufferName != bufferName {
		return nil, transportErr(ErrUnknownProcess, bufferName, processName,
			fmt.Errorf("process line is bound to buffer %q", p.BufferName))
	}

	// Explicit server requests also claim ownership of SHMEM segments.
	explicit := setToServer || p.SetToServer
	server := setToServer || IsLocalServer(p, f.cfg.Hostname)
	master := setToMaster || p.SetToMaster

	var (
		t     transport
		claim *ServerClaim
		err   error
	)
	claimIf := func(cond bool) error {
		if !cond {
			return nil
		}
		c, err := f.opts.servers.Claim(b.Name, p.Name, p.Transport.Kind())
		if err != nil {
			return err
		}
		claim = &c
		return nil
	}

	switch tr := p.Transport.(type) {
	case nml.Local:
		t = f.locals.acquire(b.Name, b.BufferSize, b.MaxQueueLength)
	case nml.Shmem:
		if err = claimIf(explicit); err == nil {
			t, err = f.openShmem(ctx, b, tr, server || master, explicit)
		}
	case nml.TCP:
		if server {
			if err = claimIf(true); err == nil {
				t, err = f.serveTCP(ctx, b, tr)
			}
		} else {
			t, err = f.dialTCP(ctx, b, tr)
		}
	default:
		err = fmt.Errorf("%w: unsupported transport %v", ErrNoTransport, p.Transport)
	}
	if err != nil {
		if claim != nil {
			f.opts.servers.Release(claim.Token)
		}
		kind := ErrConnectFailed
		switch {
		case errors.Is(err, ErrAlreadyBound):
			kind = ErrAlreadyBound
		case errors.Is(err, ErrNoTransport):
			kind = ErrNoTransport
		}
		return nil, transportErr(kind, b.Name, p.Name, err)
	}

	role := "client"
	if server {
		role = "server"
	}
	ch := newChannel(b, p, server, master, t,
		f.opts.metrics.forChannel(b.Name, p.Transport.Kind().String(), role), f.cfg.PollInterval)
	ch.onClose = func() {
		if claim != nil {
			f.opts.servers.Release(claim.Token)
		}
		f.mu.Lock()
		delete(f.items, ch)
		f.mu.Unlock()
	}

	if server && b.Firmware != "" && f.opts.firmware != nil {
		if err := f.seed(ch); err != nil {
			ch.Close()
			return nil, transportErr(ErrConnectFailed, b.Name, p.Name, err)
		}
	}

	f.mu.Lock()
	f.items[ch] = struct{}{}
	f.mu.Unlock()

	f.logger.Info("channel created",
		log.String("id", ch.ID().String()),
		log.String("buffer", b.Name),
		log.String("process", p.Name),
		log.String("transport", p.Transport.String()),
		log.Bool("server", server),
		log.Bool("master", master),
	)
	return ch, nil
}

// Channels returns the number of channels created and not yet closed.
func (f *Factory) Channels() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// Close closes every open channel created by f.
func (f *Factory) Close() error {
	f.mu.Lock()
	open := make([]*Channel, 0, len(f.items))
	for ch := range f.items {
		open = append(open, ch)
	}
	f.mu.Unlock()

	var errs []error
	for _, ch := range open {
		if err := ch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", ch.Buffer().Name, err))
		}
	}
	return errors.Join(errs...)
}

// openShmem maps the segment and initializes it when allowed to, otherwise
// waits up to AttachTimeout for another participant to do so.
func (f *Factory) openShmem(ctx context.Context, b nml.BufferLine, tr nml.Shmem, mayInit, owner bool) (transport, error) {
	words := regionWords(b.BufferSize, b.MaxQueueLength)
	seg, err := openShm(ShmPath(f.cfg.ShmDir, tr.Key), words)
	if err != nil {
		return nil, err
	}
	if mayInit && initRegion(seg.words, b.BufferSize, b.MaxQueueLength) {
		f.logger.Debug("shared memory segment initialized",
			log.String("buffer", b.Name), log.String("path", seg.path))
	}

	r, err := f.attach(ctx, seg.words, b)
	if err != nil {
		seg.close(false)
		return nil, err
	}
	return &regionTransport{
		r:       r,
		release: func() error { return seg.close(owner) },
	}, nil
}

func (f *Factory) attach(ctx context.Context, words []uint64, b nml.BufferLine) (*region, error) {
	deadline := time.Now().Add(f.cfg.AttachTimeout)
	for {
		r, err := attachRegion(words, b.BufferSize, b.MaxQueueLength)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, errNotReady) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("segment not initialized within %s", f.cfg.AttachTimeout)
		}
		t := time.NewTimer(f.cfg.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

func (f *Factory) serveTCP(ctx context.Context, b nml.BufferLine, tr nml.TCP) (transport, error) {
	s, err := listenTCP(ctx, f.opts.listen, tr.Port, b.BufferSize, b.MaxQueueLength, f.cfg.DialTimeout,
		f.logger.With(log.String("buffer", b.Name)))
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("%w: port %d: %v", ErrAlreadyBound, tr.Port, err)
		}
		return nil, err
	}
	return s, nil
}

// dialTCP connects with at most ConnectAttempts dials spaced by backoff.
func (f *Factory) dialTCP(ctx context.Context, b nml.BufferLine, tr nml.TCP) (transport, error) {
	attempts := f.opts.metrics.connectAttempts.WithLabelValues(b.Name)
	bo := newBackoff(f.cfg.BackoffInitial, f.cfg.BackoffMax)
	addr := tr.Addr()

	var lastErr error
	for attempt := 1; attempt <= f.cfg.ConnectAttempts; attempt++ {
		attempts.Inc()
		dctx, cancel := context.WithTimeout(ctx, f.cfg.DialTimeout)
		conn, err := f.opts.dial(dctx, "tcp", addr)
		cancel()
		if err == nil {
			return newTCPClient(conn, b.BufferSize, b.MaxQueueLength, f.cfg.DialTimeout,
				f.logger.With(log.String("buffer", b.Name), log.String("server", addr))), nil
		}
		lastErr = err
		f.logger.Debug("connect attempt failed",
			log.String("buffer", b.Name), log.String("addr", addr),
			log.Int("attempt", attempt), log.Err(err))
		if attempt == f.cfg.ConnectAttempts {
			break
		}
		if err := bo.wait(ctx); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%d attempts to %s: %w", f.cfg.ConnectAttempts, addr, lastErr)
}

// seed writes the buffer's firmware blob as its first message.
func (f *Factory) seed(ch *Channel) error {
	name := ch.Buffer().Firmware
	fw, err := f.opts.firmware.Request(name)
	if err != nil {
		return err
	}
	defer f.opts.firmware.Release(fw)

	if _, err := ch.Write(fw.Data); err != nil {
		return fmt.Errorf("seed firmware %s (%d bytes): %w", name, fw.Size(), err)
	}
	f.logger.Info("buffer seeded with firmware",
		log.String("buffer", ch.Buffer().Name), log.String("firmware", name), log.Int("bytes", fw.Size()))
	return nil
}
