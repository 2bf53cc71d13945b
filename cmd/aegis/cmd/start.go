package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	inboundhttp "github.com/aegis-gateway/aegis/internal/adapter/inbound/http"
	inboundstdio "github.com/aegis-gateway/aegis/internal/adapter/inbound/stdio"
	auditfile "github.com/aegis-gateway/aegis/internal/adapter/outbound/audit"
	"github.com/aegis-gateway/aegis/internal/adapter/outbound/cel"
	"github.com/aegis-gateway/aegis/internal/adapter/outbound/llm"
	outboundmcp "github.com/aegis-gateway/aegis/internal/adapter/outbound/mcp"
	"github.com/aegis-gateway/aegis/internal/adapter/outbound/memory"
	"github.com/aegis-gateway/aegis/internal/adapter/outbound/policyfs"
	"github.com/aegis-gateway/aegis/internal/adapter/outbound/policysql"
	"github.com/aegis-gateway/aegis/internal/adapter/outbound/rediscache"
	"github.com/aegis-gateway/aegis/internal/cache"
	"github.com/aegis-gateway/aegis/internal/config"
	"github.com/aegis-gateway/aegis/internal/domain/audit"
	"github.com/aegis-gateway/aegis/internal/domain/policy"
	"github.com/aegis-gateway/aegis/internal/domain/proxy"
	"github.com/aegis-gateway/aegis/internal/domain/tool"
	"github.com/aegis-gateway/aegis/internal/domain/upstream"
	"github.com/aegis-gateway/aegis/internal/enforce"
	"github.com/aegis-gateway/aegis/internal/metrics"
	"github.com/aegis-gateway/aegis/internal/pap"
	"github.com/aegis-gateway/aegis/internal/pdp"
	"github.com/aegis-gateway/aegis/internal/pdp/ruleeval"
	"github.com/aegis-gateway/aegis/internal/pip"
	"github.com/aegis-gateway/aegis/internal/port/outbound"
	"github.com/aegis-gateway/aegis/internal/service"
)

var (
	stdioMode bool
	devMode   bool
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gateway",
	Long: `Start the gateway: connect to the configured upstreams, load the
policy store, and serve MCP traffic over HTTP (and stdio with --stdio).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStart(cmd.Context())
	},
}

func init() {
	startCmd.Flags().BoolVar(&stdioMode, "stdio", false, "serve MCP on stdin/stdout instead of HTTP")
	startCmd.Flags().BoolVar(&devMode, "dev", false, "dev mode: text logging at debug level, in-memory audit store")
	rootCmd.AddCommand(startCmd)
}

func runStart(parent context.Context) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if devMode {
		cfg.DevMode = true
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := setupTracing(cfg)
	if err != nil {
		return err
	}
	defer shutdownTracing()

	// Policy store and PAP.
	repo, err := openPolicyRepo(cfg, logger)
	if err != nil {
		return err
	}
	defer closeIfCloser(repo)

	var judge outbound.LLMJudge
	var clarity pap.ClarityChecker
	if cfg.LLM.APIKey != "" {
		client := llm.New(cfg.LLM, logger)
		judge = client
		clarity = client
	} else {
		logger.Warn("no LLM API key configured; text policies will yield INDETERMINATE")
	}
	papService := pap.NewService(repo, clarity, logger)

	// PDP: CEL guards, decision cache, hybrid engine.
	celEval, err := cel.NewEvaluator()
	if err != nil {
		return fmt.Errorf("building CEL environment: %w", err)
	}

	var decisionCache *cache.DecisionCache
	if cfg.Cache.IsEnabled() {
		var l2 outbound.CacheL2
		if cfg.Cache.RedisAddr != "" {
			l2 = rediscache.New(cfg.Cache.RedisAddr, logger)
		}
		decisionCache = cache.New(cache.Options{
			L1Size:    cfg.Cache.Size(),
			PermitTTL: cfg.Cache.PermitTTL(),
			DenyTTL:   cfg.Cache.DenyTTL(),
			L2:        l2,
			Logger:    logger,
		})
		papService.OnChange(func(policyID string) {
			decisionCache.Invalidate(policyID)
		})
	}

	engine := pdp.New(pdp.Options{
		Rules:               ruleeval.New(celEval, logger),
		Judge:               judge,
		Cache:               decisionCache,
		ConfidenceThreshold: cfg.Decision.Threshold(),
		Strategy:            cfg.Decision.Strategy(),
		Timeout:             cfg.Decision.Timeout(),
		Logger:              logger,
	})

	// PIP: enrichers over the in-memory information sources.
	directory := memory.NewAgentDirectory()
	catalog := memory.NewResourceCatalog()
	attempts := memory.NewAttemptTracker()

	loc, err := time.LoadLocation(cfg.Enrichment.Timezone)
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", cfg.Enrichment.Timezone, err)
	}
	timeEnricher := pip.NewTimeEnricher(cfg.Enrichment.BusinessHoursStart, cfg.Enrichment.BusinessHoursEnd, loc)
	if len(cfg.Enrichment.Holidays) > 0 {
		cal, err := pip.NewFixedCalendar(cfg.Enrichment.Holidays)
		if err != nil {
			return err
		}
		timeEnricher.SetHolidayCalendar(cal)
	}
	enrichers := pip.NewRegistry(cfg.Enrichment.Timeout(), logger)
	enrichers.Register(timeEnricher)
	enrichers.Register(pip.NewAgentEnricher(directory))
	enrichers.Register(pip.NewResourceEnricher(catalog))
	enrichers.Register(pip.NewSecurityEnricher(attempts))

	m := metrics.New()
	pipeline := service.NewDecisionPipeline(enrichers, papService, engine, logger)
	pipeline.SetMetrics(m)

	// Enforcement registries.
	limiter := enforce.NewRateLimiter()
	_ = limiter.UpdateConfig(map[string]any{
		"limit":    cfg.RateLimit.EffectiveLimit(),
		"windowMs": int(cfg.RateLimit.Window().Milliseconds()),
	})
	constraints := enforce.NewConstraintRegistry(logger)
	constraints.Register(enforce.NewAnonymizer())
	constraints.Register(limiter)
	constraints.Register(enforce.NewGeoRestrictor())

	lifecycle := enforce.NewLifecycleExecutor(logLifecycleHook{logger: logger}, logger)
	obligations := enforce.NewObligationRegistry(4, 256, logger)
	obligations.Register(enforce.NewAuditLogExecutor())
	obligations.Register(enforce.NewNotifier(&enforce.LogSender{Logger: logger}))
	obligations.Register(lifecycle)
	defer func() {
		obligations.Close()
		lifecycle.Close()
	}()

	// Audit store and async writer.
	auditStore, err := openAuditStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("opening audit store: %w", err)
	}
	defer closeIfCloser(auditStore)

	auditWriter := service.NewAuditWriter(auditStore, logger)
	defer func() { _ = auditWriter.Close() }()

	// Upstreams, tool table, discovery, notification fan-out.
	upstreams, err := loadUpstreams(cfg, logger)
	if err != nil {
		return err
	}

	table := tool.NewTable()
	manager := service.NewUpstreamManager(upstreams, clientFactory, logger)
	manager.SetMetrics(m)
	discovery := service.NewToolDiscovery(manager, table, decisionCache, logger)
	hub := proxy.NewNotificationHub(discovery, logger)
	manager.SetConnectFunc(discovery.OnConnect)
	manager.SetNotificationFunc(hub.Broadcast)
	defer hub.Close()

	// The interceptor chain, innermost first.
	router := proxy.NewUpstreamRouter(manager, discovery, table, Version, logger)
	feedback := service.NewFeedback(directory, attempts)
	enforcement := proxy.NewEnforcementInterceptor(router, pipeline, constraints, obligations, feedback, logger)
	validation := proxy.NewValidationInterceptor(enforcement, logger)
	chain := proxy.NewAuditInterceptor(validation, auditWriter, logger)

	proxyService := service.NewProxyService(chain, hub, logger)

	manager.Start()
	defer manager.Close()

	go collectGauges(ctx, m, manager, auditWriter, decisionCache)

	if stdioMode {
		transport := inboundstdio.NewTransport(proxyService, cfg.Auth.StdioAgentID, logger)
		return transport.Serve(ctx, os.Stdin, os.Stdout)
	}
	return serveHTTP(ctx, cfg, proxyService, manager, m, logger)
}

// collectGauges refreshes the metrics that are sampled rather than
// event-driven.
func collectGauges(ctx context.Context, m *metrics.Metrics, manager *service.UpstreamManager, writer *service.AuditWriter, decisionCache *cache.DecisionCache) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	var prevHits, prevMisses uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		m.ActiveUpstreams.Set(float64(len(manager.ConnectedIDs())))
		m.AuditDropped.Set(float64(writer.Dropped()))
		if decisionCache != nil {
			hits, misses, _ := decisionCache.Stats()
			m.CacheHits.Add(float64(hits - prevHits))
			m.CacheMisses.Add(float64(misses - prevMisses))
			prevHits, prevMisses = hits, misses
		}
	}
}

// serveHTTP runs the HTTP transport until the context is cancelled.
func serveHTTP(ctx context.Context, cfg *config.Config, proxyService *service.ProxyService, manager *service.UpstreamManager, m *metrics.Metrics, logger *slog.Logger) error {
	handler := inboundhttp.NewHandler(proxyService, *cfg, manager.Statuses, m, logger)
	server := inboundhttp.NewServer(handler, cfg.Server.Port)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http transport listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Server.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	// Stdout belongs to the protocol in stdio mode; logs go to stderr.
	if cfg.DevMode {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// setupTracing installs a stdout span exporter in dev mode and a no-op
// provider otherwise.
func setupTracing(cfg *config.Config) (func(), error) {
	if !cfg.DevMode {
		return func() {}, nil
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}
	provider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(provider)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(ctx)
	}, nil
}

func openPolicyRepo(cfg *config.Config, logger *slog.Logger) (policy.Repository, error) {
	switch cfg.PolicyStore.Backend {
	case "sqlite":
		return policysql.Open(cfg.PolicyStore.Path, logger)
	default:
		return policyfs.New(cfg.PolicyStore.Path, logger)
	}
}

// openAuditStore selects the audit backend: bounded in-memory in dev
// mode, daily JSONL files otherwise.
func openAuditStore(cfg *config.Config, logger *slog.Logger) (audit.Store, error) {
	if cfg.DevMode {
		logger.Warn("dev mode: audit entries are held in memory and lost on exit")
		return memory.NewAuditStore(0), nil
	}
	return auditfile.NewFileStore(auditfile.FileStoreConfig{
		Dir:           cfg.Audit.Dir,
		RetentionDays: cfg.Audit.RetentionDays,
	}, logger)
}

func loadUpstreams(cfg *config.Config, logger *slog.Logger) ([]upstream.Upstream, error) {
	upstreams, err := config.LoadUpstreams(cfg.Upstreams.ConfigPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("no upstream config found; starting with zero upstreams",
				"path", cfg.Upstreams.ConfigPath)
			return nil, nil
		}
		return nil, err
	}
	return upstreams, nil
}

// clientFactory builds the transport-appropriate MCP client.
func clientFactory(u upstream.Upstream) (outbound.MCPClient, error) {
	switch u.Transport {
	case upstream.TransportStdio:
		return outboundmcp.NewStdioClient(u.Command, u.Args, u.Env, u.Dir), nil
	case upstream.TransportHTTP:
		return outboundmcp.NewHTTPClient(u.URL), nil
	default:
		return nil, fmt.Errorf("unknown transport %q for upstream %s", u.Transport, u.Name)
	}
}

// logLifecycleHook is the built-in lifecycle hook: it records the action
// in the log. Real data stores plug in their own hook.
type logLifecycleHook struct {
	logger *slog.Logger
}

func (h logLifecycleHook) Perform(_ context.Context, action, resource string) error {
	h.logger.Info("lifecycle action", "action", action, "resource", resource)
	return nil
}

func closeIfCloser(v any) {
	if c, ok := v.(io.Closer); ok {
		_ = c.Close()
	}
}
