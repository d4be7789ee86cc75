// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bot provides the voyagebot service.
//
// This package contains the Service type that coordinates every component:
// the HTTP front door, the Discord gateway, the message pipeline, the
// wellness scheduler, persistence, retrieval and observability.
//
//	┌─────────────┐  POST /events  ┌────────────┐    ┌──────────────────┐
//	│   Discord   │ ─────────────▶ │  gin HTTP  │ ─▶ │ message pipeline │
//	│   gateway   │                └────────────┘    └────────┬─────────┘
//	└─────────────┘                                           │ send
//	       ▲                       ┌────────────┐             ▼
//	       └────────────────────── │  Discord   │ ◀── delivery.Deliverer
//	                               │  REST      │             ▲
//	                               └────────────┘    ┌────────┴─────────┐
//	                                                 │ wellness cycles  │
//	                                                 └──────────────────┘
//
// # Usage
//
//	vault := secrets.NewVault()
//	// seal secrets.DiscordToken and secrets.OpenAIKey
//	svc, err := bot.New(ctx, cfg, vault, logger)
//	if err != nil {
//	    return err
//	}
//	return svc.Run(ctx)
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/psychevoyage/voyagebot/pkg/secrets"
	"github.com/psychevoyage/voyagebot/pkg/telemetry"
	"github.com/psychevoyage/voyagebot/services/bot/handlers"
	"github.com/psychevoyage/voyagebot/services/bot/middleware"
	"github.com/psychevoyage/voyagebot/services/bot/observability"
	"github.com/psychevoyage/voyagebot/services/bot/routes"
	"github.com/psychevoyage/voyagebot/services/datatypes"
	"github.com/psychevoyage/voyagebot/services/delivery"
	"github.com/psychevoyage/voyagebot/services/discord"
	"github.com/psychevoyage/voyagebot/services/llm"
	"github.com/psychevoyage/voyagebot/services/pipeline"
	"github.com/psychevoyage/voyagebot/services/pipeline/nodes"
	"github.com/psychevoyage/voyagebot/services/prompts"
	"github.com/psychevoyage/voyagebot/services/retrieval"
	"github.com/psychevoyage/voyagebot/services/store"
	"github.com/psychevoyage/voyagebot/services/wellness"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the bot service.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run blocks and should
// only be called once per instance.
type Service interface {
	// Run starts the HTTP server, the Discord gateway, the wellness
	// scheduler and the prompt watcher, and blocks until ctx is done or one
	// of them fails. Resources are released before Run returns.
	Run(ctx context.Context) error

	// Router returns the underlying Gin engine for testing.
	Router() *gin.Engine

	// RunWellness runs one wellness cycle immediately.
	RunWellness(ctx context.Context, req wellness.Request) (wellness.Outcome, error)

	// Close releases resources without running. Safe to call more than once.
	Close() error
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds bot configuration.
//
// # Description
//
// Config is loaded from YAML with environment overrides by the CLI. Secrets
// are not part of Config; they arrive sealed in a secrets.Vault.
//
// # Optional Fields
//
// All fields are optional with defaults applied by New().
type Config struct {
	// Port is the HTTP server port. Default: 8080
	Port int `yaml:"port"`

	// BotID is the bot's Discord user id. Messages from it are ignored.
	BotID datatypes.Snowflake `yaml:"bot_id"`

	// BotName is how the bot refers to itself in replies. Default: "PsycheVoyageBot"
	BotName string `yaml:"bot_name"`

	// OpenAI selects models and endpoint. The key comes from the vault.
	OpenAI OpenAIConfig `yaml:"openai"`

	// WeaviateURL is the vector database URL.
	// If empty, retrieval returns no context.
	// Example: "http://localhost:8081"
	WeaviateURL string `yaml:"weaviate_url"`

	// PromptsDir holds prompt overrides, hot reloaded. Empty disables overrides.
	PromptsDir string `yaml:"prompts_dir"`

	Store     store.Config             `yaml:"store"`
	Discord   discord.Config           `yaml:"discord"`
	Gateway   discord.GatewayConfig    `yaml:"gateway"`
	Wellness  wellness.Config          `yaml:"wellness"`
	Scheduler wellness.SchedulerConfig `yaml:"scheduler"`
	Telemetry telemetry.Config         `yaml:"telemetry"`

	// DisableGateway turns off the Discord gateway listener. The HTTP
	// front door still accepts events.
	DisableGateway bool `yaml:"disable_gateway"`

	// DisableScheduler turns off periodic wellness posts.
	DisableScheduler bool `yaml:"disable_scheduler"`

	// RunTimeout bounds one message pipeline run. Default: 2m
	RunTimeout time.Duration `yaml:"run_timeout"`

	// ShutdownTimeout bounds graceful shutdown. Default: 15s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// GinMode sets the Gin framework mode ("debug", "release", "test").
	// Empty keeps the GIN_MODE default.
	GinMode string `yaml:"gin_mode"`
}

// OpenAIConfig selects OpenAI models.
type OpenAIConfig struct {
	Model          string `yaml:"model"`
	EmbeddingModel string `yaml:"embedding_model"`
	BaseURL        string `yaml:"base_url"`
}

// DefaultPort is the HTTP port when none is configured.
const DefaultPort = 8080

// DefaultBotName is used when no name is configured.
const DefaultBotName = "PsycheVoyageBot"

// =============================================================================
// Components
// =============================================================================

// Components are the external collaborators of the service. New builds
// them from Config; tests supply fakes.
type Components struct {
	// Store persists events and wellness content. Required.
	Store store.Store

	// Completer answers structured prompts. Required.
	Completer llm.Completer

	// Searcher retrieves knowledge base context. Nil searches nothing.
	Searcher retrieval.Searcher

	// Sender posts to Discord channels. Required.
	Sender delivery.Sender

	// Discord enables the gateway listener when non-nil.
	Discord *discord.Client

	// Prompts renders prompt templates. Nil loads the embedded set.
	Prompts *prompts.Manager

	// Registry registers Prometheus metrics. Nil uses the default registry.
	Registry *prometheus.Registry

	// EventsToken, when set, is required as a bearer token on the write
	// routes and sent by the gateway.
	EventsToken string

	// Logger is the service logger. Nil uses slog.Default().
	Logger *slog.Logger
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service.
//
// # Thread Safety
//
// Thread-safe after construction. All fields are read-only after New returns.
type service struct {
	config Config
	logger *slog.Logger

	router    *gin.Engine
	store     store.Store
	sender    delivery.Sender
	prompts   *prompts.Manager
	pipeline  *pipeline.Pipeline
	deliverer *delivery.Deliverer
	wellness  *wellness.Manager
	scheduler *wellness.Scheduler
	runs      *handlers.Background
	metrics   *observability.Metrics
	discord   *discord.Client
	gateway   *discord.Gateway
	auth      gin.HandlerFunc

	telemetryShutdown func(context.Context) error
	closeOnce         sync.Once
	closeErr          error
}

// =============================================================================
// Constructor
// =============================================================================

// New creates the production Service.
//
// # Description
//
// New initializes all components:
//  1. Applies default configuration for missing values
//  2. Initializes OpenTelemetry tracing and metrics
//  3. Opens the store (with in-memory fallback when configured)
//  4. Creates the OpenAI client from the sealed key
//  5. Creates the Weaviate client and searcher if a URL is configured
//  6. Creates the Discord client from the sealed token
//  7. Wires the pipeline, the wellness manager and scheduler, and the routes
//
// # Inputs
//
//   - ctx: Bounds startup calls such as the Weaviate schema check.
//   - cfg: Service configuration. Zero values use defaults.
//   - vault: Must hold secrets.DiscordToken and secrets.OpenAIKey. An
//     optional secrets.EventsToken enables bearer auth on the write routes.
//   - logger: Nil uses slog.Default().
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Missing credentials or a failed component.
//
// # Limitations
//
//   - Weaviate failures are not fatal: the bot runs without retrieval.
func New(ctx context.Context, cfg Config, vault *secrets.Vault, logger *slog.Logger) (Service, error) {
	cfg = applyConfigDefaults(cfg)
	if logger == nil {
		logger = slog.Default()
	}
	if vault == nil {
		return nil, errors.New("secrets vault is required")
	}

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	// Anything opened below is released if a later step fails.
	var closers []func()
	fail := func(err error) (Service, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		_ = shutdown(context.Background())
		return nil, err
	}

	st, err := store.Open(cfg.Store, logger)
	if err != nil {
		return fail(fmt.Errorf("failed to open store: %w", err))
	}
	closers = append(closers, func() { _ = st.Close() })

	apiKey, err := vault.Open(secrets.OpenAIKey)
	if err != nil {
		return fail(fmt.Errorf("failed to read OpenAI key: %w", err))
	}
	oai, err := llm.NewOpenAIClient(llm.OpenAIConfig{
		APIKey:         apiKey,
		Model:          cfg.OpenAI.Model,
		EmbeddingModel: cfg.OpenAI.EmbeddingModel,
		BaseURL:        cfg.OpenAI.BaseURL,
	})
	if err != nil {
		return fail(fmt.Errorf("failed to initialize LLM client: %w", err))
	}

	var searcher retrieval.Searcher = &retrieval.Static{}
	wc, err := NewWeaviateClient(cfg.WeaviateURL)
	switch {
	case err != nil:
		logger.Warn("Weaviate initialization failed, running without retrieval", "error", err)
	case wc != nil:
		if err := retrieval.EnsureSchema(ctx, wc); err != nil {
			logger.Warn("Weaviate schema check failed", "error", err)
		}
		searcher = retrieval.NewWeaviateSearcher(wc, oai, logger)
	default:
		logger.Info("Weaviate URL not configured, running without retrieval")
	}

	token, err := vault.Open(secrets.DiscordToken)
	if err != nil {
		return fail(fmt.Errorf("failed to read Discord token: %w", err))
	}
	dc, err := discord.New(token, cfg.Discord, logger)
	if err != nil {
		return fail(fmt.Errorf("failed to initialize Discord client: %w", err))
	}

	var eventsToken string
	if vault.Has(secrets.EventsToken) {
		if eventsToken, err = vault.Open(secrets.EventsToken); err != nil {
			return fail(fmt.Errorf("failed to read events token: %w", err))
		}
	} else {
		logger.Warn("No events token configured, POST /events is unauthenticated")
	}

	pm, err := prompts.New(cfg.PromptsDir, logger)
	if err != nil {
		return fail(fmt.Errorf("failed to load prompts: %w", err))
	}

	s, err := assemble(cfg, Components{
		Store:       st,
		Completer:   oai,
		Searcher:    searcher,
		Sender:      dc,
		Discord:     dc,
		Prompts:     pm,
		Logger:      logger,
		EventsToken: eventsToken,
	})
	if err != nil {
		return fail(err)
	}
	s.telemetryShutdown = shutdown
	return s, nil
}

// NewWithComponents creates a Service from prebuilt components. Telemetry
// is left to the caller.
func NewWithComponents(cfg Config, c Components) (Service, error) {
	return assemble(applyConfigDefaults(cfg), c)
}

func assemble(cfg Config, c Components) (*service, error) {
	if c.Store == nil || c.Completer == nil || c.Sender == nil {
		return nil, errors.New("store, completer and sender are required")
	}
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if c.Searcher == nil {
		c.Searcher = &retrieval.Static{}
	}
	if c.Prompts == nil {
		pm, err := prompts.New("", logger)
		if err != nil {
			return nil, fmt.Errorf("failed to load prompts: %w", err)
		}
		c.Prompts = pm
	}

	s := &service{
		config:  cfg,
		logger:  logger,
		store:   c.Store,
		sender:  c.Sender,
		prompts: c.Prompts,
		discord: c.Discord,
		runs:    handlers.NewBackground(context.Background()),
	}

	var reg prometheus.Registerer = prometheus.DefaultRegisterer
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if c.Registry != nil {
		reg, gatherer = c.Registry, c.Registry
	}
	s.metrics = observability.NewMetrics(reg)

	s.deliverer = delivery.New(c.Sender, delivery.DefaultPolicy(),
		delivery.WithLogger(logger),
		delivery.WithObserver(s.metrics.RecordDeliveryAttempt),
	)

	var err error
	s.pipeline, err = nodes.NewMessagePipeline(nodes.Deps{
		BotID:     cfg.BotID,
		BotName:   cfg.BotName,
		Events:    c.Store,
		Completer: c.Completer,
		Searcher:  c.Searcher,
		Prompts:   c.Prompts,
		Deliverer: s.deliverer,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build message pipeline: %w", err)
	}

	s.wellness = wellness.NewManager(cfg.Wellness, c.Store, c.Completer, c.Prompts, s.deliverer,
		wellness.WithLogger(logger))
	s.scheduler = wellness.NewScheduler(s.wellness, cfg.Scheduler,
		wellness.WithSchedulerLogger(logger),
		wellness.WithOutcomeHook(s.recordWellness),
	)

	if c.EventsToken != "" {
		s.auth = middleware.BearerAuth(c.EventsToken)
		cfg.Gateway.Token = c.EventsToken
	}
	if c.Discord != nil && !cfg.DisableGateway {
		s.gateway = discord.NewGateway(cfg.Gateway, c.Discord, c.Discord, logger)
	}

	s.initRouter(gatherer)
	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts every long-running component under one errgroup and blocks
// until ctx is done or a component fails.
func (s *service) Run(ctx context.Context) error {
	defer func() { _ = s.Close() }()

	g, gctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		s.logger.Info("Starting voyagebot server", "port", s.config.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP server shutdown error", "error", err)
		}
		if err := s.runs.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("Pipeline runs did not finish before shutdown", "error", err)
		}
		return nil
	})

	if s.gateway != nil {
		g.Go(func() error {
			return s.gateway.Run(gctx, s.discord.Session())
		})
	}

	if !s.config.DisableScheduler {
		if err := s.scheduler.Start(gctx); err != nil {
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			s.scheduler.Stop()
			return nil
		})
	}

	g.Go(func() error {
		return s.prompts.Watch(gctx)
	})

	return g.Wait()
}

// Router returns the underlying Gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// RunWellness runs one wellness cycle through the scheduler so it never
// overlaps a scheduled cycle.
func (s *service) RunWellness(ctx context.Context, req wellness.Request) (wellness.Outcome, error) {
	return s.scheduler.RunNow(ctx, req)
}

// Close releases all resources held by the service.
func (s *service) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		s.scheduler.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if err := s.runs.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("pipeline runs: %w", err))
		}
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
		if s.telemetryShutdown != nil {
			if err := s.telemetryShutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("telemetry: %w", err))
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.BotName == "" {
		cfg.BotName = DefaultBotName
	}
	if cfg.Gateway.EventsURL == "" {
		cfg.Gateway.EventsURL = fmt.Sprintf("http://127.0.0.1:%d/events", cfg.Port)
	}
	if cfg.Gateway.Timeout == 0 {
		cfg.Gateway.Timeout = discord.DefaultForwardTimeout
	}

	sched := wellness.DefaultSchedulerConfig()
	if cfg.Scheduler.Interval == 0 {
		cfg.Scheduler.Interval = sched.Interval
	}
	if cfg.Scheduler.CycleTimeout == 0 {
		cfg.Scheduler.CycleTimeout = sched.CycleTimeout
	}
	if cfg.Wellness.PreviousLimit == 0 {
		cfg.Wellness.PreviousLimit = wellness.DefaultPreviousLimit
	}

	def := telemetry.DefaultConfig()
	t := &cfg.Telemetry
	t.ServiceName = firstNonEmpty(t.ServiceName, def.ServiceName)
	t.ServiceVersion = firstNonEmpty(t.ServiceVersion, def.ServiceVersion)
	t.Environment = firstNonEmpty(t.Environment, def.Environment)
	t.TraceExporter = firstNonEmpty(t.TraceExporter, def.TraceExporter)
	t.MetricExporter = firstNonEmpty(t.MetricExporter, def.MetricExporter)
	t.OTLPEndpoint = firstNonEmpty(t.OTLPEndpoint, def.OTLPEndpoint)

	if cfg.RunTimeout == 0 {
		cfg.RunTimeout = handlers.DefaultRunTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	return cfg
}

// NewWeaviateClient creates a Weaviate client for rawURL.
//
// # Outputs
//
//   - *weaviate.Client: nil with a nil error when rawURL is empty.
//   - error: rawURL is set but not an http(s) URL.
func NewWeaviateClient(rawURL string) (*weaviate.Client, error) {
	// Container env files sometimes keep the quotes.
	rawURL = strings.Trim(rawURL, "\"' ")
	if rawURL == "" {
		return nil, nil
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("invalid Weaviate URL: %s", rawURL)
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsed.Host,
		Scheme: parsed.Scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Weaviate client: %w", err)
	}
	return client, nil
}

// initRouter sets up the Gin HTTP router with all routes.
func (s *service) initRouter(gatherer prometheus.Gatherer) {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware(s.config.Telemetry.ServiceName))

	routes.SetupRoutes(s.router, routes.Deps{
		Events: handlers.EventDeps{
			Events:       s.store,
			Pipeline:     s.pipeline,
			PipelineName: nodes.MessagePipelineName,
			Notifier:     s.sender,
			Runs:         s.runs,
			RunTimeout:   s.config.RunTimeout,
			Metrics:      s.metrics,
			Logger:       s.logger,
		},
		Wellness: s.scheduler,
		Metrics:  promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
		Auth:     s.auth,
		Logger:   s.logger,
	})
}

func (s *service) recordWellness(o wellness.Outcome) {
	contentType := ""
	if o.Generated != nil {
		contentType = string(o.Generated.ContentType)
	}
	s.metrics.RecordWellnessCycle(o.Success, contentType)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
