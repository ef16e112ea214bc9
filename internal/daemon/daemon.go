// Package daemon runs the host-side CMS server: it loads NML files, serves
// every buffer this host is configured to serve and keeps the set of served
// buffers in step with the files as they change.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/bft-labs/rtcms/pkg/cms"
	"github.com/bft-labs/rtcms/pkg/log"
	"github.com/bft-labs/rtcms/pkg/nml"
	"github.com/bft-labs/rtcms/pkg/rtapi"
)

// Config holds the daemon settings.
type Config struct {
	// NMLFiles are loaded in order at start. At least one is required.
	NMLFiles []string

	// StateDir holds the daemon state file. Required.
	StateDir string

	// MetricsAddr serves /metrics and /status. Empty disables the server.
	MetricsAddr string

	// FirmwareDir enables firmware seeding from that directory.
	FirmwareDir string

	// Watch reloads NML files when they change on disk.
	Watch bool

	// ReloadDebounce delays reloads until writes settle.
	// Default: 100 milliseconds
	ReloadDebounce time.Duration

	// ShutdownTimeout bounds how long Stop waits for workers.
	// Default: 10 seconds
	ShutdownTimeout time.Duration

	Factory    cms.Config
	NMLOptions []nml.Option
}

// Validate checks required fields and fills defaults.
func (c *Config) Validate() error {
	if len(c.NMLFiles) == 0 {
		return errors.New("daemon: no nml files configured")
	}
	if c.StateDir == "" {
		return errors.New("daemon: state dir is required")
	}
	if c.ReloadDebounce <= 0 {
		c.ReloadDebounce = nml.DefaultDebounce
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = ShutdownTimeout
	}
	return nil
}

// Option configures optional daemon behavior.
type Option func(*options)

type options struct {
	logger   log.Logger
	handler  StateHandler
	registry *prometheus.Registry
}

// WithLogger sets the logger. If not provided, a no-op logger is used.
func WithLogger(l log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithStateHandler is called on every lifecycle transition.
func WithStateHandler(h StateHandler) Option {
	return func(o *options) { o.handler = h }
}

// WithRegistry sets the Prometheus registry. If not provided, a private
// registry with Go and process collectors is created.
func WithRegistry(r *prometheus.Registry) Option {
	return func(o *options) { o.registry = r }
}

// ChannelInfo describes one served channel.
type ChannelInfo struct {
	ID        string    `json:"id"`
	Buffer    string    `json:"buffer"`
	Process   string    `json:"process"`
	Transport string    `json:"transport"`
	Since     time.Time `json:"since"`
}

type served struct {
	ch          *cms.Channel
	fingerprint string
	seg         Segment
}

// Daemon serves the buffers assigned to this host.
type Daemon struct {
	cfg      Config
	logger   log.Logger
	lc       *lifecycle
	catalog  *nml.Catalog
	factory  *cms.Factory
	registry *prometheus.Registry
	state    *stateFile
	reloads  *prometheus.CounterVec

	mu     sync.Mutex
	served map[string]*served
	cancel context.CancelFunc
}

// New creates a daemon in StateStopped.
func New(cfg Config, opts ...Option) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := log.OrNoop(o.logger)

	registry := o.registry
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	reloads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rtcms",
		Subsystem: "nml",
		Name:      "reloads_total",
		Help:      "NML file reloads by result",
	}, []string{"result"})
	registry.MustRegister(reloads)

	nmlOpts := append([]nml.Option{nml.WithLogger(logger)}, cfg.NMLOptions...)
	catalog := nml.NewCatalog(nmlOpts...)
	fopts := []cms.Option{
		cms.WithLogger(logger),
		cms.WithMetrics(cms.NewMetrics(registry)),
	}
	if cfg.FirmwareDir != "" {
		fopts = append(fopts, cms.WithFirmwareLoader(rtapi.DirLoader{Dir: cfg.FirmwareDir}))
	}
	factory, err := cms.NewCatalogFactory(catalog, cfg.Factory, fopts...)
	if err != nil {
		return nil, err
	}

	return &Daemon{
		cfg:      cfg,
		logger:   logger,
		lc:       newLifecycle(logger, o.handler),
		catalog:  catalog,
		factory:  factory,
		registry: registry,
		state:    newStateFile(cfg.StateDir),
		reloads:  reloads,
		served:   make(map[string]*served),
	}, nil
}

// Status returns the current lifecycle state.
func (d *Daemon) Status() State { return d.lc.State() }

// Catalog returns the loaded NML configuration.
func (d *Daemon) Catalog() *nml.Catalog { return d.catalog }

// Start loads the NML files, creates the served channels and starts the
// watcher and metrics server. Any configuration or channel error fails
// Start and leaves the daemon Crashed with nothing served.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.lc.transition(StateStarting, "start requested"); err != nil {
		return err
	}
	if err := d.start(ctx); err != nil {
		d.closeAll()
		d.lc.transition(StateCrashed, err.Error())
		return err
	}
	return d.lc.transition(StateRunning, "started")
}

func (d *Daemon) start(ctx context.Context) error {
	prev, err := d.state.Load()
	if err != nil {
		d.logger.Warn("ignoring unreadable state file", log.String("path", d.state.Path()), log.Err(err))
	}
	if n := removeStale(prev, d.logger); n > 0 {
		d.logger.Info("stale segments removed", log.Int("count", n))
	}

	for _, f := range d.cfg.NMLFiles {
		res, err := d.catalog.Load(f)
		if err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
		d.logger.Info("nml file loaded",
			log.String("file", res.File), log.Int("buffers", res.Buffers), log.Int("processes", res.Processes))
	}
	if err := d.reconcile(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)

	if d.cfg.MetricsAddr != "" {
		ln, err := net.Listen("tcp", d.cfg.MetricsAddr)
		if err != nil {
			cancel()
			return fmt.Errorf("metrics listener: %w", err)
		}
		srv := &http.Server{Handler: d.Handler(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer scancel()
			return srv.Shutdown(sctx)
		})
		d.logger.Info("metrics server listening", log.String("addr", ln.Addr().String()))
	}

	if d.cfg.Watch {
		w := nml.NewWatcher(d.catalog, nml.WatcherConfig{
			Debounce: d.cfg.ReloadDebounce,
			Logger:   d.logger,
			OnReload: func(ev nml.ReloadEvent) { d.onReload(gctx, ev) },
		})
		for _, f := range d.cfg.NMLFiles {
			w.Watch(f)
		}
		g.Go(func() error { return w.Run(gctx) })
	}

	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()

	d.lc.goWorker(func() {
		if err := g.Wait(); err != nil && d.lc.State() == StateRunning {
			d.logger.Error("worker failed", log.Err(err))
			d.lc.transition(StateCrashed, err.Error())
		}
	})
	return nil
}

// Stop closes every served channel and waits for the workers.
func (d *Daemon) Stop() error {
	if err := d.lc.transition(StateStopping, "stop requested"); err != nil {
		return err
	}
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	waitErr := d.lc.waitWithTimeout(d.cfg.ShutdownTimeout)
	closeErr := d.closeAll()
	if err := d.lc.transition(StateStopped, "stopped"); err != nil {
		return err
	}
	return errors.Join(waitErr, closeErr)
}

func (d *Daemon) onReload(ctx context.Context, ev nml.ReloadEvent) {
	if ev.Err != nil {
		d.reloads.WithLabelValues("rejected").Inc()
		return
	}
	d.reloads.WithLabelValues("ok").Inc()
	if err := d.reconcile(ctx); err != nil {
		d.logger.Error("reconcile after reload left buffers unserved",
			log.String("file", ev.Result.File), log.Err(err))
	}
}

// wanted returns the bindings this host serves, keyed by process name.
func (d *Daemon) wanted() map[string]nml.Binding {
	hostname := d.factory.Config().Hostname
	out := make(map[string]nml.Binding)
	for _, b := range d.catalog.Bindings() {
		p := b.Process
		if !p.SetToServer || p.Transport.Kind() == nml.KindLocal || !cms.IsLocalServer(p, hostname) {
			continue
		}
		out[p.Name] = b
	}
	return out
}

func fingerprint(b nml.Binding) string {
	return fmt.Sprintf("%s/%d/%d/%t/%s|%s/%s/%t",
		b.Buffer.Name, b.Buffer.BufferSize, b.Buffer.MaxQueueLength, b.Buffer.NeutralEncoding, b.Buffer.Firmware,
		b.Process.BufferName, b.Process.Transport, b.Process.SetToMaster)
}

// reconcile makes the served channels match the loaded configuration.
// Unchanged bindings keep their channel.
func (d *Daemon) reconcile(ctx context.Context) error {
	want := d.wanted()

	d.mu.Lock()
	defer d.mu.Unlock()

	for name, s := range d.served {
		if b, ok := want[name]; ok && fingerprint(b) == s.fingerprint {
			continue
		}
		if err := s.ch.Close(); err != nil {
			d.logger.Warn("close retired channel", log.String("process", name), log.Err(err))
		}
		delete(d.served, name)
		d.logger.Info("channel retired", log.String("process", name), log.String("buffer", s.seg.Buffer))
	}

	names := make([]string, 0, len(want))
	for name := range want {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if _, ok := d.served[name]; ok {
			continue
		}
		b := want[name]
		ch, err := d.factory.Create(ctx, b.Buffer.Name, name, true, b.Process.SetToMaster)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		seg := Segment{
			ChannelID: ch.ID().String(),
			Buffer:    b.Buffer.Name,
			Process:   name,
			Transport: b.Process.Transport.String(),
			Since:     time.Now(),
		}
		if shm, ok := b.Process.Transport.(nml.Shmem); ok {
			seg.Path = cms.ShmPath(d.factory.Config().ShmDir, shm.Key)
		}
		d.served[name] = &served{ch: ch, fingerprint: fingerprint(b), seg: seg}
	}

	if err := d.saveLocked(); err != nil {
		d.logger.Warn("cannot save state", log.String("path", d.state.Path()), log.Err(err))
	}
	return errors.Join(errs...)
}

func (d *Daemon) closeAll() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs []error
	for name, s := range d.served {
		if err := s.ch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
		delete(d.served, name)
	}
	if err := d.saveLocked(); err != nil {
		d.logger.Warn("cannot save state", log.String("path", d.state.Path()), log.Err(err))
	}
	return errors.Join(errs...)
}

func (d *Daemon) saveLocked() error {
	host := d.factory.Config().Hostname
	snap := Snapshot{
		PID:       os.Getpid(),
		Hostname:  host,
		Files:     d.catalog.Files(),
		UpdatedAt: time.Now(),
	}
	for _, s := range d.served {
		snap.Segments = append(snap.Segments, s.seg)
	}
	sort.Slice(snap.Segments, func(i, j int) bool { return snap.Segments[i].Process < snap.Segments[j].Process })
	return d.state.Save(snap)
}

// Channels returns the served channels ordered by process name.
func (d *Daemon) Channels() []ChannelInfo {
	d.mu.Lock()
	out := make([]ChannelInfo, 0, len(d.served))
	for _, s := range d.served {
		out = append(out, ChannelInfo{
			ID:        s.seg.ChannelID,
			Buffer:    s.seg.Buffer,
			Process:   s.seg.Process,
			Transport: s.seg.Transport,
			Since:     s.seg.Since,
		})
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Process < out[j].Process })
	return out
}

// Handler serves /metrics and a JSON /status page.
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(struct {
			State    string            `json:"state"`
			Files    []string          `json:"files"`
			Channels []ChannelInfo     `json:"channels"`
			Servers  []cms.ServerClaim `json:"servers"`
		}{
			State:    d.Status().String(),
			Files:    d.catalog.Files(),
			Channels: d.Channels(),
			Servers:  d.factory.Servers().Claims(),
		})
	})
	return mux
}
