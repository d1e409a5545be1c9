// Package daemon wires the monitor together: state lock, persistence,
// audit and alert sinks, the reconciliation engine, and the metrics and
// gRPC endpoints.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/procwatch/internal/alert"
	"github.com/ppiankov/procwatch/internal/audit"
	"github.com/ppiankov/procwatch/internal/classify"
	"github.com/ppiankov/procwatch/internal/clock"
	"github.com/ppiankov/procwatch/internal/config"
	"github.com/ppiankov/procwatch/internal/engine"
	"github.com/ppiankov/procwatch/internal/ingest"
	"github.com/ppiankov/procwatch/internal/metrics"
	"github.com/ppiankov/procwatch/internal/procfs"
	"github.com/ppiankov/procwatch/internal/registry"
	"github.com/ppiankov/procwatch/internal/server"
	"github.com/ppiankov/procwatch/internal/store"
)

// Options overrides OS-facing collaborators. Zero values use /proc and
// the netlink proc connector.
type Options struct {
	Prober     registry.Prober
	Source     ingest.Source
	OpenHandle registry.HandleOpener
	Clock      clock.Clock
}

// Daemon runs the monitor until its context is cancelled.
type Daemon struct {
	cfg  *config.Config
	root *zap.Logger
	log  *zap.Logger
	opts Options

	ready chan struct{}

	mu          sync.Mutex
	engine      *engine.Manager
	grpcAddr    string
	metricsAddr string
}

// New creates a daemon with validated configuration.
func New(cfg *config.Config, logger *zap.Logger, opts Options) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Daemon{
		cfg:   cfg,
		root:  logger,
		log:   logger.Named("daemon"),
		opts:  opts,
		ready: make(chan struct{}),
	}, nil
}

// Ready is closed once monitoring has started and endpoints are listening.
func (d *Daemon) Ready() <-chan struct{} { return d.ready }

// Engine returns the running engine, or nil before Ready.
func (d *Daemon) Engine() *engine.Manager {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.engine
}

// GRPCAddr returns the bound gRPC address, empty when disabled.
func (d *Daemon) GRPCAddr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.grpcAddr
}

// MetricsAddr returns the bound metrics address, empty when disabled.
func (d *Daemon) MetricsAddr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.metricsAddr
}

// Run starts monitoring and blocks until ctx is cancelled. Shutdown stops
// the engine, which flushes the push queue and saves state.
func (d *Daemon) Run(ctx context.Context) (err error) {
	cfg := d.cfg
	auditPath := cfg.AuditPath()
	auditDir := ""
	if auditPath != "" {
		auditDir = filepath.Dir(auditPath)
	}
	if err := EnsureDirs(cfg.StateDir, auditDir); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	lock, err := acquireLock(cfg.StateDir)
	if err != nil {
		return err
	}
	defer func() { _ = lock.release() }()

	st, err := store.Open(cfg.StorePath())
	if err != nil {
		return err
	}
	defer st.Close()

	var auditLog *audit.Log
	if auditPath != "" {
		auditLog, err = audit.Open(auditPath)
		if err != nil {
			return fmt.Errorf("failed to open audit log: %w", err)
		}
		defer auditLog.Close()
	}

	mgr := d.buildEngine()
	mgr.SetPersistence(st)
	if auditLog != nil {
		mgr.AddSink("audit", auditLog)
	}
	if disp := alert.NewDispatcher(cfg.Alerts, d.root); disp != nil {
		mgr.AddSink("alert", disp)
	}

	metricsLis, grpcLis, err := d.listen()
	if err != nil {
		return err
	}

	if err := mgr.Start(ctx); err != nil {
		closeListeners(metricsLis, grpcLis)
		_ = mgr.Close(context.WithoutCancel(ctx))
		return fmt.Errorf("start monitoring: %w", err)
	}
	defer func() {
		if cerr := mgr.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = fmt.Errorf("stop monitoring: %w", cerr)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	if metricsLis != nil {
		h := metrics.Handler(metrics.NewRegistry(mgr), mgr)
		g.Go(func() error { return metrics.ServeOn(gctx, metricsLis, h, d.root) })
	}

	if grpcLis != nil {
		srv := server.New(server.Config{Addr: cfg.GRPCAddr, Logger: d.root}, mgr)
		g.Go(func() error { return srv.ServeOn(grpcLis) })
		g.Go(func() error {
			<-gctx.Done()
			srv.GracefulStop()
			return nil
		})
	}

	if cfg.Path != "" {
		if _, statErr := os.Stat(cfg.Path); statErr == nil {
			r, err := config.NewReloader(cfg.Path, func(c *config.Config) {
				mgr.SetNameFilters(gctx, c.Monitoring.NameFilters)
			}, d.root)
			if err != nil {
				d.log.Warn("config hot-reload disabled", zap.Error(err))
			} else {
				g.Go(func() error { return r.Run(gctx) })
			}
		}
	}

	d.mu.Lock()
	d.engine = mgr
	d.mu.Unlock()
	close(d.ready)
	d.log.Info("daemon running",
		zap.String("state_dir", cfg.StateDir),
		zap.String("audit_log", auditPath),
		zap.String("grpc_addr", d.GRPCAddr()),
		zap.String("metrics_addr", d.MetricsAddr()))

	<-gctx.Done()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// listen binds the configured endpoints. A nil listener means disabled.
func (d *Daemon) listen() (metricsLis, grpcLis net.Listener, err error) {
	if d.cfg.MetricsAddr != "" {
		metricsLis, err = net.Listen("tcp", d.cfg.MetricsAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("metrics listener: %w", err)
		}
	}
	if d.cfg.GRPCAddr != "" {
		grpcLis, err = net.Listen("tcp", d.cfg.GRPCAddr)
		if err != nil {
			closeListeners(metricsLis)
			return nil, nil, fmt.Errorf("grpc listener: %w", err)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if metricsLis != nil {
		d.metricsAddr = metricsLis.Addr().String()
	}
	if grpcLis != nil {
		d.grpcAddr = grpcLis.Addr().String()
	}
	return metricsLis, grpcLis, nil
}

func closeListeners(ls ...net.Listener) {
	for _, l := range ls {
		if l != nil {
			_ = l.Close()
		}
	}
}

// buildEngine assembles registry, push listener and engine from config.
func (d *Daemon) buildEngine() *engine.Manager {
	m := d.cfg.Monitoring
	classifier := classify.New(nil)
	procs := procfs.New("")

	prober := d.opts.Prober
	if prober == nil {
		prober = procs
	}
	rc := m.RegistryConfig()
	rc.Clock = d.opts.Clock
	rc.Logger = d.root
	rc.Classifier = classifier
	rc.OpenHandle = d.opts.OpenHandle
	reg := registry.New(rc, prober, nil)

	var lis *ingest.Listener
	if m.EnablePush {
		src := d.opts.Source
		if src == nil {
			src = ingest.NewProcConnector(procs, d.opts.Clock, d.root)
		}
		lc := m.ListenerConfig()
		lc.Clock = d.opts.Clock
		lc.Logger = d.root
		lc.Classifier = classifier
		lis = ingest.NewListener(lc, src, nil)
	}

	ec := m.EngineConfig()
	ec.Clock = d.opts.Clock
	ec.Logger = d.root
	ec.Classifier = classifier
	return engine.New(ec, reg, lis)
}
