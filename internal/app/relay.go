package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"deskrelay/internal/core/domain"
	"deskrelay/internal/core/services"
	handlers "deskrelay/internal/handlers/http"
	"deskrelay/internal/infrastructure/distributed"
	"deskrelay/internal/infrastructure/middleware"
	"deskrelay/internal/infrastructure/monitoring"
	"deskrelay/internal/infrastructure/reliability"
	"deskrelay/internal/infrastructure/signal"
	"deskrelay/pkg/circuitbreaker"
	"deskrelay/pkg/config"
	"deskrelay/pkg/logger"
	"deskrelay/pkg/retry"
	"deskrelay/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Relay wires the endpoint registry, pairing coordinator, message relay and
// liveness monitor behind the signaling and admin HTTP servers.
type Relay struct {
	cfg    *config.Config
	logger *zap.SugaredLogger

	Registry    *services.EndpointRegistry
	Coordinator *services.PairingCoordinator
	Messages    *services.MessageRelay
	Liveness    *services.LivenessMonitor
	Signal      *signal.WebSocketServer
	Metrics     *monitoring.PrometheusCollector
	Health      *monitoring.HealthChecker

	presence  *distributed.PresenceFactory
	directory *distributed.HostDirectory
	registry  *prometheus.Registry

	api       *gin.Engine
	signaling *gin.Engine
}

// NewRelay builds every component from cfg. Redis is optional: when it is
// disabled or unreachable presence stays local to this instance.
func NewRelay(cfg *config.Config, zl *zap.Logger) (*Relay, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := zl.Sugar()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := monitoring.NewPrometheusCollector(reg)

	presence := distributed.NewPresenceFactory(cfg, log.Named("presence"))
	store := presence.Presence()
	if presence.Redis() != nil {
		store = reliability.NewPresenceStoreWrapper(store, presenceRetry(), circuitbreaker.DefaultConfig(), log.Named("presence"))
	}

	registry := services.NewEndpointRegistry()
	relay := services.NewMessageRelay(registry, metrics, log.Named("relay"))
	coordinator := services.NewPairingCoordinator(
		registry,
		relay,
		domain.PairingPolicy(cfg.Pairing.Policy),
		log.Named("pairing"),
	)

	server := signal.NewWebSocketServer(registry, coordinator, relay, SignalOptions(cfg), log.Named("signal"))
	server.SetMetrics(metrics)
	server.SetPresence(store)

	coordinator.OnTeardown(func(p domain.Pairing, reason string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.PairingChanged(ctx, p); err != nil {
			log.Warnw("failed to publish pairing teardown",
				"pairing_id", p.ID,
				"error", err,
			)
		}
	})

	liveness := services.NewLivenessMonitor(registry, relay, server, LivenessConfig(cfg), log.Named("liveness"))
	liveness.SetPresence(store)
	liveness.OnEvict(func(id domain.EndpointID) {
		log.Infow("evicted stale endpoint", "endpoint_id", id)
	})

	health := monitoring.NewHealthChecker()
	health.AddCapacityCheck(registry, cfg.RateLimiting.WebSocket.MaxConcurrent, 10*time.Second)
	if client := presence.Client(); client != nil {
		health.AddRedisCheck(client, 10*time.Second, 2*time.Second)
	}

	r := &Relay{
		cfg:         cfg,
		logger:      log,
		Registry:    registry,
		Coordinator: coordinator,
		Messages:    relay,
		Liveness:    liveness,
		Signal:      server,
		Metrics:     metrics,
		Health:      health,
		presence:    presence,
		registry:    reg,
	}
	r.api = r.newAPIRouter(zl)
	r.signaling = r.newSignalRouter()
	return r, nil
}

// presenceRetry keeps retries short: presence writes sit on the connect and
// disconnect paths.
func presenceRetry() retry.Config {
	return retry.Config{
		Enabled:      true,
		MaxAttempts:  2,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     200 * time.Millisecond,
		Multiplier:   2,
		Jitter:       true,
	}
}

func (r *Relay) newAPIRouter(zl *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(r.logger))
	router.Use(middleware.RequestLoggerMiddleware(logger.NewContextLogger(zl)))
	if r.cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}
	router.Use(middleware.ErrorHandlerMiddleware(r.logger))
	router.Use(middleware.NewHTTPRateLimitMiddleware(r.cfg))

	handler := handlers.NewRelayHandler(r.Registry, r.Coordinator, r.Signal, r.Health, ICEServers(r.cfg))
	if store := r.presence.Redis(); store != nil {
		r.directory = distributed.NewHostDirectory(store, 2*time.Second)
		handler.SetHostDirectory(r.directory)
	}
	handler.SetupRoutes(router)

	if r.cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})))
	}
	return router
}

func (r *Relay) newSignalRouter() *gin.Engine {
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(r.logger))
	router.GET(r.cfg.Signal.Path, middleware.NewWebSocketConnectionLimiter(r.cfg), gin.WrapF(r.Signal.HandleWebSocket))
	router.GET("/health", gin.WrapF(r.Signal.HealthCheck))
	return router
}

// APIHandler serves the admin REST API, health probes and metrics.
func (r *Relay) APIHandler() http.Handler {
	return r.api
}

// SignalHandler serves the endpoint WebSocket.
func (r *Relay) SignalHandler() http.Handler {
	return r.signaling
}

// Start launches the background loops. They stop when ctx is cancelled.
func (r *Relay) Start(ctx context.Context) {
	go r.Liveness.Run(ctx)
	go r.Metrics.Run(ctx, monitoring.NewRelayStats(r.Registry, r.Coordinator), r.cfg.Monitoring.MetricsInterval)

	if bus := r.presence.EventBus(); bus != nil {
		go func() {
			err := bus.Subscribe(ctx, r.handleRemoteEvent)
			if err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warnw("event subscription ended", "error", err)
			}
		}()
	}
}

func (r *Relay) handleRemoteEvent(event distributed.Event) error {
	switch event.Type {
	case distributed.EventEndpointUp, distributed.EventEndpointDown:
		r.logger.Debugw("remote endpoint changed",
			"type", event.Type,
			"instance_id", event.InstanceID,
			"endpoint_id", event.EndpointID,
			"role", event.Role,
		)
	case distributed.EventPairingStarted, distributed.EventPairingEnded:
		r.logger.Debugw("remote pairing changed",
			"type", event.Type,
			"instance_id", event.InstanceID,
			"pairing_id", event.PairingID,
			"reason", utils.SanitizeString(event.Reason),
		)
	default:
		return fmt.Errorf("unknown event type %q", event.Type)
	}
	return nil
}

// Run serves both listeners until ctx is cancelled or one of them fails,
// then shuts everything down.
func (r *Relay) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.Start(ctx)

	servers := []*http.Server{
		{
			Addr:         r.cfg.Server.Address,
			Handler:      r.api,
			ReadTimeout:  r.cfg.Server.ReadTimeout,
			WriteTimeout: r.cfg.Server.WriteTimeout,
		},
		// WebSocket connections are long lived, so no read/write deadlines here.
		{
			Addr:    r.cfg.Signal.Address,
			Handler: r.signaling,
		},
	}

	serverErr := make(chan error, len(servers))
	for _, srv := range servers {
		go func() {
			r.logger.Infow("listening", "address", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- fmt.Errorf("server %s: %w", srv.Addr, err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		r.logger.Info("shutting down relay")
	case runErr = <-serverErr:
		r.logger.Errorw("server failed", "error", runErr)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.Server.ShutdownTimeout)
	defer cancelShutdown()

	// Endpoints get a close frame before the listeners go away.
	if err := r.Signal.Shutdown(shutdownCtx); err != nil {
		r.logger.Warnw("signal shutdown incomplete", "error", err)
	}

	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Go(func() {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				r.logger.Warnw("server shutdown incomplete", "address", srv.Addr, "error", err)
			}
		})
	}
	wg.Wait()

	if err := r.Close(shutdownCtx); err != nil {
		r.logger.Warnw("failed to close presence", "error", err)
	}
	return runErr
}

// Close releases the presence store. Run calls it on the way out.
func (r *Relay) Close(ctx context.Context) error {
	if r.directory != nil {
		r.directory.Close()
	}
	return r.presence.Close(ctx)
}
