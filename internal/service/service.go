// Package service wires the subsystems into one process: store, context
// registry, role registry, workflow engine, coordinator, and verifier. The
// CLI and the daemon entrypoint are thin adapters over this type.
package service

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/devflow-io/devflow/internal/agent"
	"github.com/devflow-io/devflow/internal/auth"
	"github.com/devflow-io/devflow/internal/chat"
	"github.com/devflow-io/devflow/internal/config"
	"github.com/devflow-io/devflow/internal/container"
	"github.com/devflow-io/devflow/internal/contextmgr"
	"github.com/devflow-io/devflow/internal/coordinator"
	"github.com/devflow-io/devflow/internal/health"
	"github.com/devflow-io/devflow/internal/memory"
	"github.com/devflow-io/devflow/internal/registry"
	"github.com/devflow-io/devflow/internal/sourcehost"
	"github.com/devflow-io/devflow/internal/store"
	"github.com/devflow-io/devflow/internal/token"
	"github.com/devflow-io/devflow/internal/tracing"
	"github.com/devflow-io/devflow/internal/verify"
	"github.com/devflow-io/devflow/internal/workflow"
)

const externalClientTimeout = 30 * time.Second

// Service owns the subsystem graph and the background goroutines.
type Service struct {
	cfg    *config.Config
	logger *zap.Logger

	Store       *store.Store
	Contexts    *contextmgr.Manager
	Registry    *registry.Registry
	Engine      *workflow.Engine
	Coordinator *coordinator.Coordinator
	Verifier    *verify.Verifier
	Health      *health.Manager

	httpServer *http.Server

	mu       sync.Mutex
	cancelBg context.CancelFunc
	wg       sync.WaitGroup
	stopped  bool
}

// New builds the full graph. External clients are only constructed when the
// matching role is enabled and a credential resolves; roles guard against
// nil collaborators at execution time.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Service, error) {
	if err := os.MkdirAll(cfg.Service.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.Service.ProjectsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create projects dir: %w", err)
	}

	st, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}

	counter := token.ForConfig(cfg.Service.TokenCounter, cfg.Service.TokenEncoding)
	ctxCfg := cfg.Context
	if ctxCfg.ProjectsDir == "" {
		ctxCfg.ProjectsDir = cfg.Service.ProjectsDir
	}
	contexts, err := contextmgr.NewManager(st, counter, logger, ctxCfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	creds, err := auth.NewManager(cfg.Auth, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	var host sourcehost.SourceHost
	if cfg.Registry.EnableSourceControl {
		if tok, err := creds.Get(auth.ServiceGitHub); err == nil {
			host = sourcehost.NewGitHub(tok, externalClientTimeout, logger)
		} else {
			logger.Warn("Source control enabled without credential", zap.Error(err))
		}
	}
	var chatClient chat.Client
	if cfg.Registry.EnableCommunication {
		if tok, err := creds.Get(auth.ServiceSlack); err == nil {
			chatClient = chat.NewSlack(tok, externalClientTimeout, logger)
		} else {
			logger.Warn("Communication enabled without credential", zap.Error(err))
		}
	}
	var runtime container.Runtime
	if cfg.Registry.EnableDeploy {
		docker, err := container.NewDocker(logger)
		if err != nil {
			logger.Warn("Deploy enabled but docker is unreachable", zap.Error(err))
		} else {
			runtime = docker
		}
	}

	roles, err := registry.Default(registry.Deps{
		Store:    st,
		Creds:    creds,
		Identity: contexts.Identity(),
		Host:     host,
		Chat:     chatClient,
		Runtime:  runtime,
		Logger:   logger,
	}, cfg.Registry, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	bank := memory.NewBank(st, logger)
	agentRT := agent.NewRuntime(st, bank, logger)
	catalog, err := workflow.LoadCatalog()
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	engine := workflow.NewEngine(st, agentRT, roles, catalog, cfg.Workflow, logger)

	hm := health.NewManager(logger)
	hm.Register(health.NewStoreChecker(st))
	hm.Register(health.NewDataDirChecker(cfg.Service.DataDir))

	return &Service{
		cfg:         cfg,
		logger:      logger,
		Store:       st,
		Contexts:    contexts,
		Registry:    roles,
		Engine:      engine,
		Coordinator: coordinator.New(st, host, chatClient, cfg.Coordinator, logger),
		Verifier:    verify.New(st, bank, cfg.Verify, logger),
		Health:      hm,
	}, nil
}

// Start brings up tracing, reconciles identity documents against the store,
// and launches the supervised background goroutines: health checks, the
// archive ticker, the lock sweeper, and the admin HTTP server.
func (s *Service) Start(ctx context.Context) error {
	if err := tracing.Initialize(s.cfg.Tracing, s.logger); err != nil {
		return err
	}

	report, err := s.Contexts.Identity().Reconcile(ctx, s.Store)
	if err != nil {
		s.logger.Warn("Identity reconciliation failed", zap.Error(err))
	} else if !report.Clean() {
		s.logger.Warn("Identity documents out of sync with store",
			zap.Strings("missing", report.MissingDocument),
			zap.Strings("orphaned", report.Orphaned),
			zap.Strings("drifted", report.Drifted),
		)
	}

	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.cancelBg = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Health.Start(bgCtx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.archiveLoop(bgCtx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.lockSweepLoop(bgCtx)
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	health.NewHandler(s.Health, s.logger).RegisterRoutes(mux)
	s.httpServer = &http.Server{
		Addr:         ":" + strconv.Itoa(s.cfg.Service.MetricsPort),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("Admin HTTP server listening", zap.Int("port", s.cfg.Service.MetricsPort))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Admin HTTP server failed", zap.Error(err))
		}
	}()

	s.logger.Info("devflow service started",
		zap.String("data_dir", s.cfg.Service.DataDir),
		zap.Strings("workflows", s.Engine.WorkflowTypes()),
		zap.Strings("roles", s.Registry.Names()),
	)
	return nil
}

func (s *Service) archiveLoop(ctx context.Context) {
	interval := s.cfg.Service.ArchiveInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Contexts.ArchiveTick(ctx); err != nil {
				s.logger.Warn("Archive pass failed", zap.Error(err))
			}
		}
	}
}

func (s *Service) lockSweepLoop(ctx context.Context) {
	interval := s.cfg.Service.LockSweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Store.SweepExpiredLocks(ctx)
			if err != nil {
				s.logger.Warn("Lock sweep failed", zap.Error(err))
			} else if n > 0 {
				s.logger.Info("Swept expired locks", zap.Int64("count", n))
			}
		}
	}
}
