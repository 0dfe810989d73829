// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package relay assembles the assistant relay service.
//
// The relay accepts chat messages from a browser client, forwards them to a
// hosted assistant, and streams the reply back as Server-Sent Events. It
// also accepts free-form feedback. All conversation state lives with the
// upstream service; the relay keeps none.
//
// # Usage
//
//	cfg, err := config.Load(config.LoadOptions{EnvFile: ".env", EnvFileOptional: true})
//	if err != nil {
//	    return err
//	}
//	svc, err := relay.New(cfg, nil)
//	if err != nil {
//	    return err
//	}
//	return svc.Run(ctx)
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/assistant"
	"github.com/AleutianAI/AleutianRelay/services/relay/config"
	"github.com/AleutianAI/AleutianRelay/services/relay/handlers"
	"github.com/AleutianAI/AleutianRelay/services/relay/middleware"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
	"github.com/AleutianAI/AleutianRelay/services/relay/routes"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"
)

const serviceName = handlers.ServiceName

const (
	// shutdownTimeout is how long in-flight streams get to finish after a
	// shutdown signal before their connections are closed.
	shutdownTimeout = 30 * time.Second

	readHeaderTimeout = 10 * time.Second
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service is the relay's lifecycle.
//
// # Thread Safety
//
// Run blocks and must be called at most once. Router may be used from any
// goroutine once New returns.
type Service interface {
	// Run listens on the configured port and serves until ctx is cancelled,
	// SIGINT or SIGTERM arrives, or the server fails.
	//
	// # Description
	//
	// On shutdown the listener closes first; open chat streams get
	// shutdownTimeout to finish before their connections are dropped.
	// Tracing is flushed and locked reply memory purged on return.
	//
	// # Outputs
	//
	//   - error: nil after a clean shutdown.
	Run(ctx context.Context) error

	// Router returns the fully configured Gin engine, for tests.
	Router() *gin.Engine
}

// Options overrides collaborators of the service. Every field is optional.
//
// # Fields
//
//   - Client: Upstream assistant client. Nil builds an OpenAI client from
//     the configuration.
//   - Registry: Prometheus registry for the relay collectors. Nil creates a
//     fresh registry with Go and process collectors.
type Options struct {
	Client   assistant.Client
	Registry *prometheus.Registry
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service.
//
// # Fields
//
//   - config: Validated configuration
//   - router: Gin engine with middleware and routes
//   - limiter: Chat rate limiter, swept while Run is active
//   - metrics: Collectors, nil when metrics are disabled
//   - tracerCleanup: Flushes spans on exit
//   - readyAddr: Receives the bound address once listening (tests)
type service struct {
	config        config.Config
	router        *gin.Engine
	limiter       *middleware.RateLimiter
	metrics       *observability.Metrics
	tracerCleanup func(context.Context)
	startedAt     time.Time
	readyAddr     chan<- net.Addr
}

// =============================================================================
// Constructor
// =============================================================================

// New creates the relay service.
//
// # Description
//
// New initializes, in order:
//  1. The environment guard: every required key must be present
//  2. Secure memory, when SecureMemoryRequired is set
//  3. Tracing (OTLP, stdout, or disabled)
//  4. Prometheus collectors, when enabled
//  5. The upstream assistant client
//  6. The Gin router: middleware chain and routes
//
// # Inputs
//
//   - cfg: Loaded configuration.
//   - opts: Optional overrides. May be nil.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Wraps config.ErrMissingRequired when required keys are absent.
func New(cfg config.Config, opts *Options) (Service, error) {
	if opts == nil {
		opts = &Options{}
	}

	if result := cfg.Validate(); !result.OK() {
		return nil, result.Err()
	}

	if cfg.SecureMemoryRequired {
		if ok, limitKB := handlers.IsMlockAvailable(); !ok {
			return nil, fmt.Errorf("%w: mlock limit %d KB, need at least %d KB",
				handlers.ErrSecureMemoryUnavailable, limitKB, handlers.MinMlockLimitKB)
		}
	}

	s := &service{
		config:    cfg,
		startedAt: time.Now(),
	}

	cleanup, err := initTracer(cfg, os.Stdout)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	var metricsHandler http.Handler
	if cfg.MetricsEnabled {
		reg := opts.Registry
		if reg == nil {
			reg = prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
		}
		s.metrics = observability.NewMetrics(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
		slog.Info("Initialized Prometheus metrics")
	}

	client := opts.Client
	if client == nil {
		client, err = assistant.NewOpenAIClient(assistant.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			OrgID:   cfg.OpenAIOrgID,
		})
		if err != nil {
			s.cleanup()
			return nil, fmt.Errorf("failed to initialize assistant client: %w", err)
		}
	}

	if err := s.initRouter(client, metricsHandler); err != nil {
		s.cleanup()
		return nil, err
	}
	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

func (s *service) Run(ctx context.Context) error {
	defer s.cleanup()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	listener, err := net.Listen("tcp", s.config.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr(), err)
	}

	port := s.config.Port
	if tcp, ok := listener.Addr().(*net.TCPAddr); ok {
		port = tcp.Port
	}
	slog.Info(fmt.Sprintf("Server running on port %d", port), "port", port)
	if s.readyAddr != nil {
		s.readyAddr <- listener.Addr()
	}

	server := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		s.limiter.Run(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Graceful shutdown incomplete, closing open streams", "error", err)
			return server.Close()
		}
		return nil
	})

	return g.Wait()
}

func (s *service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// initRouter builds the Gin engine.
//
// # Description
//
// Middleware order: recovery, request ID, request logging, tracing,
// security headers, CORS, body limit. The rate limiter guards /chat only.
func (s *service) initRouter(client assistant.Client, metricsHandler http.Handler) error {
	cors, err := middleware.CORS(s.config.ClientURL)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", config.EnvClientURL, err)
	}

	router := gin.New()
	if err := router.SetTrustedProxies(s.config.TrustedProxies); err != nil {
		return fmt.Errorf("invalid %s: %w", config.EnvTrustedProxies, err)
	}

	router.Use(
		middleware.Recovery(),
		middleware.RequestID(),
		middleware.RequestLogger(s.metrics),
		otelgin.Middleware(serviceName),
		middleware.SecurityHeaders(middleware.SecurityOptions()),
		cors,
		middleware.BodyLimit(s.config.MaxBodyBytes),
	)

	s.limiter = middleware.NewRateLimiter(middleware.RateLimitConfig{
		Window:  s.config.RateLimitWindow,
		Max:     s.config.RateLimitMax,
		Metrics: s.metrics,
	})

	chat := handlers.NewChatHandler(client, handlers.ChatOptions{
		AssistantID:       s.config.AssistantID,
		HeartbeatInterval: s.config.HeartbeatInterval,
		UpstreamTimeout:   s.config.UpstreamTimeout,
		Metrics:           s.metrics,
		NewAccumulator:    handlers.SecureAccumulatorFactory(s.config.SecureMemoryRequired),
	})

	routes.SetupRoutes(router, routes.Dependencies{
		Chat:        chat,
		Feedback:    handlers.NewFeedbackHandler(s.metrics),
		Health:      handlers.HealthCheck(s.startedAt),
		ChatLimiter: s.limiter.Middleware(),
		Metrics:     metricsHandler,
	})

	s.router = router
	return nil
}

// cleanup flushes tracing and wipes locked reply memory.
func (s *service) cleanup() {
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
	handlers.PurgeSecureMemory()
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
