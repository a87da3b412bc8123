package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-gateway/internal/api"
	"github.com/loqalabs/loqa-gateway/internal/auth"
	"github.com/loqalabs/loqa-gateway/internal/batch"
	"github.com/loqalabs/loqa-gateway/internal/bus"
	"github.com/loqalabs/loqa-gateway/internal/config"
	"github.com/loqalabs/loqa-gateway/internal/engine"
	"github.com/loqalabs/loqa-gateway/internal/eventstore"
	"github.com/loqalabs/loqa-gateway/internal/gateway"
	"github.com/loqalabs/loqa-gateway/internal/natsserver"
	"github.com/loqalabs/loqa-gateway/internal/objectstore"
	"github.com/loqalabs/loqa-gateway/internal/queue"
	"github.com/loqalabs/loqa-gateway/internal/sessions"
	"github.com/loqalabs/loqa-gateway/internal/voices"
)

const journalPruneInterval = time.Hour

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	registry *voices.Registry
	journal  *eventstore.Store
	pool     *engine.Pool
	sessions *sessions.Store
	auth     *auth.Authenticator
	gateway  *gateway.Gateway
	queue    *queue.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.build(ctx); err != nil {
		r.close()
		r.shutdownTelemetry()
		return err
	}
	r.runBackground(ctx)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(metricsHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("engine", r.cfg.Engine.Mode))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.close()
	r.wg.Wait()
	r.shutdownTelemetry()

	return nil
}

// build wires every component. On error the caller must still call close.
func (r *Runtime) build(ctx context.Context) error {
	cfg := r.cfg

	if cfg.Bus.Enabled {
		srv, err := natsserver.Start(cfg.Bus, r.logger)
		if err != nil {
			return err
		}
		r.nats = srv
		if srv != nil {
			cfg.Bus.Servers = []string{srv.ClientURL()}
		}
		client, err := bus.Connect(ctx, cfg.RuntimeName, cfg.Bus, r.logger)
		if err != nil {
			return err
		}
		r.bus = client
	}

	blobs, err := r.blobStore()
	if err != nil {
		return err
	}
	r.registry, err = voices.Open(ctx, cfg.Voices.Database, blobs, r.logger)
	if err != nil {
		return fmt.Errorf("open voice registry: %w", err)
	}
	r.registry.LimitReference(cfg.Voices.MaxReferenceBytes)

	r.journal, err = eventstore.Open(ctx, cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open job journal: %w", err)
	}

	factory, err := engine.FactoryFromConfig(cfg.Engine)
	if err != nil {
		return err
	}
	r.pool = engine.NewPool(factory, cfg.Engine.Workers, cfg.Engine.MaxCached, r.logger)
	r.sessions = sessions.NewStore(cfg.Sessions.ContextTurns, cfg.Sessions.MaxStoredTurns, r.logger)
	r.auth = auth.New(cfg.Auth.APIKey, cfg.Auth.JWTSecret, cfg.Auth.RateLimitPerMinute)

	r.gateway, err = gateway.New(ctx, cfg, gateway.Deps{
		Auth:     r.auth,
		Pool:     r.pool,
		Sessions: r.sessions,
		Voices:   r.registry,
		Batch:    batch.NewScheduler(cfg.Batch),
		Journal:  r.journal,
	}, r.logger)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	if r.bus != nil {
		r.queue = queue.NewService(ctx, cfg.Bus, r.bus, r.gateway, r.auth, r.logger)
		if err := r.queue.Start(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) blobStore() (voices.BlobStore, error) {
	switch r.cfg.Voices.Storage {
	case "objectstore":
		if r.bus == nil {
			return nil, errors.New("voices.storage objectstore requires the bus to be enabled")
		}
		return objectstore.New(r.bus.JetStream(), r.cfg.Voices.Bucket)
	default:
		return voices.NewFileStore(r.cfg.Voices.Path)
	}
}

func (r *Runtime) runBackground(ctx context.Context) {
	r.wg.Add(3)
	go func() {
		defer r.wg.Done()
		r.sessions.Run(ctx, r.cfg.Sessions.SweepInterval(), r.cfg.Sessions.IdleTimeout())
	}()
	go func() {
		defer r.wg.Done()
		r.gateway.Run(ctx)
	}()
	go func() {
		defer r.wg.Done()
		r.journal.Run(ctx, journalPruneInterval)
	}()
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) routes(metricsHandler http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	mux.Handle("/v1/", api.NewHandler(r.gateway, r.auth, api.WithLogger(r.logger)))
	return mux
}

// close tears components down in reverse dependency order. Nil components are skipped.
func (r *Runtime) close() {
	if r.queue != nil {
		r.queue.Close()
	}
	if r.gateway != nil {
		r.gateway.Close()
	}
	if r.pool != nil {
		if err := r.pool.Close(); err != nil {
			r.logger.Warn("engine pool close error", slog.String("error", err.Error()))
		}
	}
	if err := r.journal.Close(); err != nil {
		r.logger.Warn("job journal close error", slog.String("error", err.Error()))
	}
	if r.registry != nil {
		if err := r.registry.Close(); err != nil {
			r.logger.Warn("voice registry close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()
}

func (r *Runtime) shutdownTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) healthy() bool {
	if r.pool == nil || !r.pool.Healthy() || r.gateway == nil || !r.gateway.Healthy() {
		return false
	}
	if r.bus != nil && !r.bus.Healthy() {
		return false
	}
	return r.queue == nil || r.queue.Healthy()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
