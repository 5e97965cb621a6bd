// Package app wires the sync core into a process: the configured source,
// the persistent cache, the live query registry and the HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/zoravur/budgetsync/internal/api"
	"github.com/zoravur/budgetsync/internal/cache"
	"github.com/zoravur/budgetsync/internal/config"
	"github.com/zoravur/budgetsync/internal/entity"
	"github.com/zoravur/budgetsync/internal/reactive"
	"github.com/zoravur/budgetsync/internal/source"
	"github.com/zoravur/budgetsync/internal/source/httpsource"
	"github.com/zoravur/budgetsync/internal/source/memory"
	"github.com/zoravur/budgetsync/internal/source/postgres"
	"github.com/zoravur/budgetsync/migrations"
)

type Server struct {
	cfg *config.Config
	log *zap.Logger

	Source   source.Source
	Cache    *cache.Cache
	Registry *reactive.Registry
	Store    *entity.Store

	handler    *api.Handler
	httpServer *http.Server

	mu         sync.Mutex
	ln         net.Listener
	serveErr   chan error
	stopMirror func()
	stopLog    func()
}

// NewServer opens the source and cache named by cfg. Nothing listens until
// Start.
func NewServer(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.L()
	}
	src, err := openSource(ctx, cfg.Source, log)
	if err != nil {
		return nil, err
	}
	c, err := cache.Open(cfg.Cache.Backend, cfg.Cache.Path, log.Named("cache"))
	if err != nil {
		closeSource(src, log)
		return nil, fmt.Errorf("open cache: %w", err)
	}

	reg := reactive.New(src, c,
		reactive.WithLogger(log.Named("reactive")),
		reactive.WithStaleTime(cfg.Cache.StaleTime),
	)
	h := api.NewHandler(src, reg, log.Named("api"))

	return &Server{
		cfg:      cfg,
		log:      log,
		Source:   src,
		Cache:    c,
		Registry: reg,
		Store:    entity.NewStore(reg),
		handler:  h,
		httpServer: &http.Server{
			Addr:    cfg.Server.Addr,
			Handler: api.SetupRoutes(h, cfg.Server.AllowedOrigins),
		},
		serveErr: make(chan error, 1),
	}, nil
}

func openSource(ctx context.Context, cfg config.SourceConfig, log *zap.Logger) (source.Source, error) {
	switch cfg.Driver {
	case "memory":
		tables := cfg.Tables
		if len(tables) == 0 {
			tables = entity.Tables()
		}
		src := memory.New(memory.WithTables(tables...), memory.WithLogger(log.Named("memory")))
		if err := seed(src, cfg, log); err != nil {
			_ = src.Close()
			return nil, err
		}
		return src, nil

	case "postgres":
		if cfg.Migrate {
			res, err := migrations.Up(ctx, cfg.DSN, cfg.Schema)
			if err != nil {
				return nil, fmt.Errorf("migrate: %w", err)
			}
			log.Info("migrations applied", zap.Int("count", len(res)), zap.String("schema", cfg.Schema))
		}
		src, err := postgres.Open(ctx, cfg.DSN,
			postgres.WithSchema(cfg.Schema),
			postgres.WithReplication(cfg.Slot),
			postgres.WithLogger(log.Named("postgres")),
		)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := seed(src, cfg, log); err != nil {
			_ = src.Close()
			return nil, err
		}
		return src, nil

	case "http":
		return httpsource.New(cfg.BaseURL, httpsource.WithLogger(log.Named("http"))), nil
	}
	return nil, fmt.Errorf("unknown source driver %q", cfg.Driver)
}

func seed(s entity.Seeder, cfg config.SourceConfig, log *zap.Logger) error {
	if cfg.Seed == 0 {
		return nil
	}
	if err := entity.Generate(cfg.Seed, cfg.Fanout).SeedInto(s); err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	log.Info("source seeded", zap.Int64("seed", cfg.Seed), zap.Int("fanout", cfg.Fanout))
	return nil
}

func closeSource(src source.Source, log *zap.Logger) {
	if c, ok := src.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.Warn("close source", zap.Error(err))
		}
	}
}

// Start listens on the configured address, warms the store and keeps every
// listing mirrored from the change stream.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Server.Addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	go func() {
		s.log.Info("listening", zap.String("addr", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.serveErr <- err
		}
	}()

	counts, err := s.Store.Warm(ctx)
	if err != nil {
		// a source without the budget tables still serves the raw API
		s.log.Warn("store warm-up failed; mirroring disabled", zap.Error(err))
	} else {
		s.log.Info("store warmed", zap.Any("rows", counts))
		stop := s.Store.Mirror()
		s.mu.Lock()
		s.stopMirror = stop
		s.mu.Unlock()
	}

	stopLog := s.Registry.Subscribe(func(c reactive.Change) {
		s.log.Debug("live query changed", zap.String("table", c.Table), zap.Strings("queryKey", c.QueryKey))
	})
	s.mu.Lock()
	s.stopLog = stopLog
	s.mu.Unlock()
	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown stops the listener and releases everything NewServer opened.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("http: %w", err))
	}

	s.mu.Lock()
	stopMirror, stopLog := s.stopMirror, s.stopLog
	s.stopMirror, s.stopLog = nil, nil
	s.mu.Unlock()
	if stopMirror != nil {
		stopMirror()
	}
	if stopLog != nil {
		stopLog()
	}

	if err := s.handler.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("api: %w", err))
	}
	if err := s.Registry.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("registry: %w", err))
	}
	if err := s.Cache.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("cache: %w", err))
	}
	if c, ok := s.Source.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("source: %w", err))
		}
	}
	return errs
}

// Run serves until ctx is done or the listener fails, then shuts down
// within the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
		s.log.Info("shutting down")
	case runErr = <-s.serveErr:
		s.log.Error("http server failed", zap.Error(runErr))
	}

	sctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := s.Shutdown(sctx); err != nil {
		runErr = multierror.Append(runErr, err)
	}
	return runErr
}
