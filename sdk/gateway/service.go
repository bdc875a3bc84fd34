// Package gateway wraps the grokgate server lifecycle so external programs
// can embed the gateway instead of only running it as cmd/server's binary.
// Grounded on the teacher's sdk/cliproxy.Service: same NewService/Run/
// Shutdown split, generalized from a multi-provider client registry to this
// gateway's single pool/pipeline/batch/cache stack.
package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vornlabs/grokgate/internal/api"
	"github.com/vornlabs/grokgate/internal/api/handlers"
	"github.com/vornlabs/grokgate/internal/api/middleware"
	"github.com/vornlabs/grokgate/internal/batch"
	"github.com/vornlabs/grokgate/internal/config"
	"github.com/vornlabs/grokgate/internal/mediacache"
	"github.com/vornlabs/grokgate/internal/pipeline"
	"github.com/vornlabs/grokgate/internal/pool"
	"github.com/vornlabs/grokgate/internal/pool/store"
	"github.com/vornlabs/grokgate/internal/upstream"
	"github.com/vornlabs/grokgate/internal/watcher"
)

// Service owns every long-lived component of one gateway instance: the
// credential pool, the upstream client, the request pipeline, the batch
// engine, the media cache, and the HTTP server built on top of them.
type Service struct {
	cfg        *config.Config
	configPath string
	log        *logrus.Entry

	pool   *pool.Manager
	cache  *mediacache.Cache
	batch  *batch.Engine
	server *api.Server
	watch  *watcher.Watcher

	shutdownOnce sync.Once
}

// NewService builds every component but does not start serving traffic;
// call Run to do that.
func NewService(cfg *config.Config, configPath string, log *logrus.Entry) (*Service, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	st, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("gateway: open pool store: %w", err)
	}

	deriver := upstream.StaticDeriver{Value: cfg.Upstream.StaticFingerprint}
	client, err := upstream.NewClient(cfg.Upstream, cfg.ProxyURL, time.Duration(cfg.Retry.TimeoutSec*float64(time.Second)), deriver)
	if err != nil {
		return nil, fmt.Errorf("gateway: build upstream client: %w", err)
	}

	mgr := pool.NewManager(cfg.Pool, st, client, log)

	cache, err := mediacache.New(cfg.MediaCache.Dir, cfg.MediaCache.MaxEntries, cfg.MediaCache.PublicBaseURL, log)
	if err != nil {
		return nil, fmt.Errorf("gateway: build media cache: %w", err)
	}

	pl := pipeline.New(mgr, client, cache, cfg.Retry, cfg.Stream, cfg.Image, cfg.Video, log)

	runner := batch.NewRunner(mgr, client, log)
	eng := batch.New(mgr, runner, cfg.Usage.Concurrent, cfg.Asset.ListConcurrent, cfg.NSFW.Concurrent, log)

	base := handlers.NewBase(pl, mgr, eng, cache, cfg.Image.UseWebSocket, log)

	var admin *middleware.AdminAuth
	if cfg.AdminKey != "" {
		admin, err = middleware.NewAdminAuth(cfg.AdminKey, cfg.AllowRemoteAdmin)
		if err != nil {
			return nil, fmt.Errorf("gateway: build admin auth: %w", err)
		}
	}

	w, err := watcher.New(configPath, cfg.AuthDir, mgr, log)
	if err != nil {
		log.WithError(err).Warn("gateway: config/pool watcher disabled")
		w = nil
	}

	return &Service{
		cfg:        cfg,
		configPath: configPath,
		log:        log.WithField("component", "gateway-service"),
		pool:       mgr,
		cache:      cache,
		batch:      eng,
		server:     api.NewServer(cfg, base, admin, log),
		watch:      w,
	}, nil
}

// Run loads the pool, starts the background schedulers and watcher, and
// blocks serving HTTP until ctx is cancelled or the server fails.
func (s *Service) Run(ctx context.Context) error {
	if err := s.pool.Load(ctx); err != nil {
		return fmt.Errorf("gateway: load pool: %w", err)
	}
	if err := s.pool.Start(ctx); err != nil {
		return fmt.Errorf("gateway: start pool: %w", err)
	}
	if s.watch != nil {
		if err := s.watch.Start(ctx); err != nil {
			s.log.WithError(err).Warn("gateway: failed to start watcher")
			s.watch = nil
		}
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

// Shutdown stops the HTTP server, the watcher, and the pool's background
// schedulers. Safe to call more than once.
func (s *Service) Shutdown(ctx context.Context) error {
	var firstErr error
	s.shutdownOnce.Do(func() {
		if err := s.server.Stop(ctx); err != nil {
			firstErr = err
		}
		if s.watch != nil {
			_ = s.watch.Stop()
		}
		s.pool.Stop()
	})
	return firstErr
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Pool.Backend {
	case "bolt":
		return store.NewBoltStore(cfg.Pool.BoltPath)
	default:
		return store.NewFileStore(cfg.AuthDir)
	}
}
