package daemon

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/careline/internal/config"
	"github.com/harun/careline/internal/logger"
	"github.com/harun/careline/internal/observability"
	"github.com/harun/careline/internal/tracing"
	"github.com/harun/careline/pkg/commandqueue"
	"github.com/harun/careline/pkg/coretools"
	"github.com/harun/careline/pkg/gateway"
	"github.com/harun/careline/pkg/guardrails"
	"github.com/harun/careline/pkg/knowledge"
	"github.com/harun/careline/pkg/llm"
	"github.com/harun/careline/pkg/orchestrator"
	"github.com/harun/careline/pkg/routing"
	"github.com/harun/careline/pkg/session"
	"github.com/harun/careline/pkg/toolexecutor"
)

// Daemon wires every component from configuration and owns their lifetimes.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	store     session.Store
	records   recordSources
	knowledge documentIndex
	closers   []io.Closer
	executor  *toolexecutor.ToolExecutor
	completer llm.Completer
	router    *routing.Router
	queue     *commandqueue.CommandQueue
	orch      *orchestrator.Orchestrator
	service   *orchestrator.Service
	expirer   *session.Expirer
	gateway   *gateway.Server
	lifecycle *LifecycleManager

	startTime time.Time
	running   bool
	closed    bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status reports whether the daemon is serving.
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
}

// New builds the daemon. Nothing listens until Start.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	observability.EnsureRegistered()

	d := &Daemon{config: cfg, logger: log}
	if err := tracing.InitOpenTelemetry(tracing.Options{
		ServiceName: "careline",
		SampleRatio: cfg.Tracing.SampleRatio,
	}); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	} else {
		d.tracingEnabled = true
	}

	if cfg.Logging.AuditFile != "" {
		if err := observability.InitAuditLogger(cfg.Logging.AuditFile); err != nil {
			log.Warn().Err(err).Str("path", cfg.Logging.AuditFile).Msg("Failed to open audit log")
		}
	}

	if err := d.initializeCoreModules(); err != nil {
		d.release()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}
	if err := d.initializeServices(); err != nil {
		d.release()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	return d, nil
}

func (d *Daemon) initializeCoreModules() error {
	cfg := d.config
	zl := d.logger.GetZerolog()
	ctx := context.Background()

	store, err := buildStore(cfg.Session)
	if err != nil {
		return err
	}
	d.store = store

	recs, err := buildRecords(ctx, cfg.Records, zl)
	if err != nil {
		return err
	}
	d.records = recs
	d.closers = append(d.closers, recs)

	idx, closer, err := buildKnowledge(cfg.Knowledge, cfg.AI.Profiles, zl)
	if err != nil {
		return err
	}
	d.knowledge = idx
	d.closers = append(d.closers, closer)

	d.executor = toolexecutor.New(toolexecutor.WithDefaultTimeout(cfg.Tools.Timeout))
	toolOpts := recs.apply(coretools.Options{
		Documents:   idx,
		DefaultTopK: cfg.Orchestrator.RetrievalTopK,
	})
	if err := coretools.RegisterCoreTools(d.executor, toolOpts); err != nil {
		return err
	}

	completer, err := buildCompleter(cfg.AI)
	if err != nil {
		return err
	}
	d.completer = completer

	d.logger.Info().
		Str("session_store", cfg.Session.Store).
		Str("records", cfg.Records.Backend).
		Str("knowledge", cfg.Knowledge.Backend).
		Bool("llm", completer != nil).
		Strs("tools", d.executor.ListTools()).
		Msg("Core modules initialized")
	return nil
}

func (d *Daemon) initializeServices() error {
	cfg := d.config
	keywords := routing.NewKeywordClassifier(routing.NewPatternMatcher(0))

	router, err := buildRouter(cfg.Routing, d.completer, keywords)
	if err != nil {
		return err
	}
	d.router = router

	policies, err := buildPolicies(cfg.Tools, d.executor.ListTools())
	if err != nil {
		return err
	}
	registry, err := buildRegistry(cfg, d.executor, d.completer, keywords, policies)
	if err != nil {
		return err
	}

	guard, err := guardrails.New(cfg.Guardrails)
	if err != nil {
		return err
	}

	d.orch = orchestrator.New(router, registry,
		orchestrator.WithConfig(orchestrator.FromConfig(cfg.Orchestrator)),
		orchestrator.WithGuardrails(guard),
	)
	d.queue = commandqueue.New()
	d.service = orchestrator.NewService(d.orch, d.store, d.queue)

	expirerOpts := []session.ExpirerOption{session.WithExpireFunc(d.service.CloseSession)}
	if cfg.Session.ExpirySchedule != "" {
		expirerOpts = append(expirerOpts, session.WithSchedule(cfg.Session.ExpirySchedule))
	}
	d.expirer = session.NewExpirer(d.store, cfg.Session.IdleTimeout, expirerOpts...)

	gw, err := gateway.NewServer(gateway.Config{
		Host:         cfg.Gateway.Host,
		Port:         cfg.Gateway.Port,
		SharedSecret: cfg.Gateway.SharedSecret,
		Service:      d.service,
		Logger:       d.logger.GetZerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gateway = gw
	d.lifecycle = NewLifecycleManager(d)
	return nil
}

// Start indexes documents, starts the expirer and the gateway.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("daemon is closed")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Starting Careline daemon")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if report, err := d.Index(context.Background()); err != nil {
		logger.Warn().Err(err).Msg("Initial document sync failed")
	} else {
		logger.Info().Int("files", report.FilesIndexed).Int("chunks", report.ChunksCreated).Msg("Documents indexed")
	}

	if err := d.expirer.Start(); err != nil {
		return fmt.Errorf("failed to start session expirer: %w", err)
	}
	if err := d.gateway.Start(); err != nil {
		return fmt.Errorf("failed to start gateway server: %w", err)
	}

	logger.Info().Str("addr", d.gateway.Addr()).Msg("Careline daemon started")
	return nil
}

// Stop shuts the gateway down, drains queued turns and releases resources.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping Careline daemon")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.gateway.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop gateway server")
	}
	if err := d.expirer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop session expirer")
	}
	if !d.queue.WaitForActive(10 * time.Second) {
		logger.Warn().Msg("Timeout waiting for active turns")
	}
	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.release()
	logger.Info().Msg("Daemon stopped successfully")
	return nil
}

// Close releases resources of a daemon that was never started.
func (d *Daemon) Close() error {
	d.mu.RLock()
	running := d.running
	d.mu.RUnlock()
	if running {
		return d.Stop()
	}
	d.release()
	return nil
}

func (d *Daemon) release() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	if d.service != nil {
		if err := d.service.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close command queue")
		}
	}
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close component")
		}
	}
	if d.tracingEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			d.logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}
	if err := observability.GetAuditLogger().Close(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to close audit logger")
	}
}

// Index syncs the document index with the documents directory.
func (d *Daemon) Index(ctx context.Context) (knowledge.SyncReport, error) {
	return d.knowledge.Sync(ctx)
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	status := Status{Running: d.running}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}
	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")
	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// Service returns the turn-processing service.
func (d *Daemon) Service() *orchestrator.Service {
	return d.service
}

// Gateway returns the gateway server.
func (d *Daemon) Gateway() *gateway.Server {
	return d.gateway
}

// Config returns the daemon configuration.
func (d *Daemon) Config() *config.Config {
	return d.config
}
