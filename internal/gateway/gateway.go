// ABOUTME: Gateway orchestrator that wires the control plane and its servers
// ABOUTME: Owns store, registry, reconciler and dispatcher lifecycle plus HTTP and gRPC listeners

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/opamp-gateway/internal/admin"
	"github.com/2389/opamp-gateway/internal/agent"
	"github.com/2389/opamp-gateway/internal/config"
	"github.com/2389/opamp-gateway/internal/configstore"
	"github.com/2389/opamp-gateway/internal/events"
	"github.com/2389/opamp-gateway/internal/metrics"
	"github.com/2389/opamp-gateway/internal/reconcile"
	"github.com/2389/opamp-gateway/internal/registry"
	"github.com/2389/opamp-gateway/internal/seed"
	"github.com/2389/opamp-gateway/internal/store"
	"github.com/2389/opamp-gateway/internal/topology"
)

// initTimeout bounds opening the store and loading its records.
const initTimeout = 30 * time.Second

// Gateway orchestrates the opamp-gateway server components.
// It manages the HTTP server for agents and administration and the optional
// gRPC server for health checks.
type Gateway struct {
	config       *config.Config
	store        store.Store
	configs      *configstore.Store
	directory    *topology.Directory
	registry     *registry.Registry
	metrics      *metrics.Metrics
	bus          *events.Bus
	nats         *events.NATSPublisher
	agentManager *agent.Manager
	dispatcher   *reconcile.Dispatcher
	reconciler   *reconcile.Reconciler
	agentHandler *agent.Handler
	admin        *admin.Service
	grpcServer   *grpc.Server
	health       *health.Server
	httpServer   *http.Server
	logger       *slog.Logger

	// serverID identifies this gateway instance to agents
	serverID string

	// cancel stops background components started by Start
	cancel context.CancelFunc
}

// storeOptions maps the database section onto backend options.
func storeOptions(cfg *config.Config) store.Options {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("OPAMP_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	return store.Options{
		Driver:        cfg.Database.Driver,
		Path:          dbPath,
		RedisAddr:     cfg.Database.RedisAddr,
		RedisPassword: cfg.Database.RedisPassword,
		RedisDB:       cfg.Database.RedisDB,
		RedisPrefix:   cfg.Database.RedisPrefix,
	}
}

// initStore opens the backend and loads every component's records from it.
func initStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, *configstore.Store, *topology.Directory, *registry.Registry, error) {
	s, err := store.Open(ctx, storeOptions(cfg), logger)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("initializing store: %w", err)
	}

	configs := configstore.New(s, logger, configstore.WithMaxContentBytes(cfg.Agents.MaxConfigBytes))
	if err := configs.Load(ctx); err != nil {
		_ = s.Close()
		return nil, nil, nil, nil, fmt.Errorf("loading configurations: %w", err)
	}
	directory := topology.New(s, configs, logger)
	if err := directory.Load(ctx); err != nil {
		_ = s.Close()
		return nil, nil, nil, nil, fmt.Errorf("loading topology: %w", err)
	}
	reg := registry.New(s, logger)
	if err := reg.Load(ctx); err != nil {
		_ = s.Close()
		return nil, nil, nil, nil, fmt.Errorf("loading agents: %w", err)
	}
	return s, configs, directory, reg, nil
}

// initBus creates the event bus and attaches the NATS sink when configured.
// An unreachable NATS server is logged and skipped.
func initBus(cfg *config.Config, logger *slog.Logger) (*events.Bus, *events.NATSPublisher) {
	bus := events.NewBus(logger)
	if cfg.Events.NATSURL == "" {
		return bus, nil
	}
	pub, err := events.DialNATS(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, logger)
	if err != nil {
		logger.Warn("NATS unavailable, fleet events stay local", "url", cfg.Events.NATSURL, "error", err)
		return bus, nil
	}
	bus.AddSink(pub)
	logger.Info("publishing fleet events to NATS", "url", cfg.Events.NATSURL, "prefix", cfg.Events.SubjectPrefix)
	return bus, pub
}

// createGRPCServer creates the gRPC server hosting the health service.
func createGRPCServer(hs *health.Server) *grpc.Server {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	registerHealth(server, hs)
	return server
}

// New creates a gateway from cfg. Nothing runs until Start or Run.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()

	s, configs, directory, reg, err := initStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	bus, natsPub := initBus(cfg, logger.With("component", "events"))
	agentMgr := agent.NewManager(logger.With("component", "agent-manager"), m)

	a := cfg.Agents
	dispatcher := reconcile.NewDispatcher(reconcile.DispatcherConfig{
		PushTimeout:    a.PushTimeout,
		MaxAttempts:    a.MaxPushAttempts,
		BackoffInitial: a.BackoffInitial,
		BackoffMax:     a.BackoffMax,
		MaxInflight:    int64(a.MaxInflightPushes),
		Rate:           a.DispatchRate,
	}, reg, agentMgr, m, bus, logger)

	reconciler, err := reconcile.New(reconcile.Params{
		Config: reconcile.Config{
			Workers:          a.Workers,
			Policy:           registry.SupersedePolicy(a.SupersedePolicy),
			FailureCooldown:  a.FailureCooldown,
			HeartbeatTimeout: a.HeartbeatTimeout,
			SweepSchedule:    a.SweepSchedule,
		},
		Resolver:   directory,
		Registry:   reg,
		Manager:    agentMgr,
		Dispatcher: dispatcher,
		Metrics:    m,
		Bus:        bus,
		Logger:     logger,
	})
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("creating reconciler: %w", err)
	}

	serverID := cfg.Server.ServerID
	if serverID == "" {
		serverID = generateServerID()
	}
	handler := agent.NewHandler(agent.HandlerConfig{
		ServerID:         serverID,
		HandshakeTimeout: a.HandshakeTimeout,
		WriteTimeout:     a.PushTimeout,
	}, agentMgr, reg, reconciler, logger)

	svc := admin.NewService(admin.Params{
		Configs:    configs,
		Directory:  directory,
		Registry:   reg,
		Reconciler: reconciler,
		Presence:   agentMgr,
		Pushes:     dispatcher,
		Bus:        bus,
		Logger:     logger,
	})

	gw := &Gateway{
		config:       cfg,
		store:        s,
		configs:      configs,
		directory:    directory,
		registry:     reg,
		metrics:      m,
		bus:          bus,
		nats:         natsPub,
		agentManager: agentMgr,
		dispatcher:   dispatcher,
		reconciler:   reconciler,
		agentHandler: handler,
		admin:        svc,
		logger:       logger.With("component", "gateway"),
		serverID:     serverID,
	}

	if cfg.Server.GRPCAddr != "" {
		gw.health = health.NewServer()
		gw.grpcServer = createGRPCServer(gw.health)
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the HTTP handler serving agents, the admin API and
// health endpoints.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Admin returns the administrative service.
func (g *Gateway) Admin() *admin.Service {
	return g.admin
}

// Start launches background components: the reconciler, the seed and its
// watcher, and the health probe. It does not open listeners.
func (g *Gateway) Start(ctx context.Context) error {
	ctx, g.cancel = context.WithCancel(ctx)
	g.reconciler.Start(ctx)

	if err := g.applySeed(ctx); err != nil {
		g.cancel()
		return err
	}

	if g.health != nil {
		go g.probeHealth(ctx)
	}
	return nil
}

// applySeed applies the configured seed document and, when asked, keeps
// re-applying it as the file changes.
func (g *Gateway) applySeed(ctx context.Context) error {
	path := g.config.Seed.Path
	if path == "" {
		return nil
	}
	doc, err := seed.LoadFile(path)
	if err != nil {
		return fmt.Errorf("loading seed: %w", err)
	}
	res, err := seed.Apply(ctx, g.admin, doc, g.logger)
	if err != nil {
		return fmt.Errorf("applying seed: %w", err)
	}
	g.logger.Info("seed applied", "path", path, "created", res.Created, "skipped", res.Skipped)

	if g.config.Seed.Watch {
		w := seed.NewWatcher(path, g.admin, g.logger)
		if err := w.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gateway) setupListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
		"server_id", g.serverID,
	)

	if g.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		if grpcLn != nil {
			_ = grpcLn.Close()
		}
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the gateway and blocks until ctx is cancelled or a server
// fails, then shuts everything down.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners()
	if err != nil {
		return err
	}

	if err := g.Start(ctx); err != nil {
		_ = httpListener.Close()
		if grpcListener != nil {
			_ = grpcListener.Close()
		}
		return err
	}

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), g.config.Agents.DrainTimeout+5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

func appendCloseError(errs []error, what string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", what, err))
	}
	return errs
}

// Shutdown stops triggers, drains in-flight pushes, closes agent channels
// and releases the servers and the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	g.reconciler.Stop()
	g.dispatcher.Stop(g.config.Agents.DrainTimeout)
	g.agentManager.CloseAll("gateway shutting down")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	g.shutdownGRPCServer(ctx)

	if g.cancel != nil {
		g.cancel()
	}
	g.bus.Close()
	if g.nats != nil {
		g.nats.Close()
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	if g.grpcServer == nil {
		return
	}
	g.health.Shutdown()
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	return fmt.Sprintf("opamp-gateway-%d", time.Now().UnixNano()%1000000)
}
