// Package main is the entry point for the mercato-agents service binary.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mercatoai/mercato-oss/internal/governance"
	"github.com/mercatoai/mercato-oss/pkg/agents"
	"github.com/mercatoai/mercato-oss/pkg/config"
	"github.com/mercatoai/mercato-oss/pkg/console"
	"github.com/mercatoai/mercato-oss/pkg/domain"
	"github.com/mercatoai/mercato-oss/pkg/engine"
	"github.com/mercatoai/mercato-oss/pkg/logging"
	textgen "github.com/mercatoai/mercato-oss/pkg/nodes/textgen/v1"
	"github.com/mercatoai/mercato-oss/pkg/storage"
	"github.com/mercatoai/mercato-oss/pkg/telemetry"
)

const (
	defaultConfigPath = "config.yaml"
	shutdownGrace     = 10 * time.Second
	pruneInterval     = time.Minute
	pruneKeep         = time.Hour
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	listenAddr := flag.String("listen", "", "Address to listen on (overrides config)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error; overrides config)")
	prettyLogs := flag.Bool("pretty", false, "Enable pretty console logging")
	flag.Parse()

	// A missing file at the default path means "run on defaults"; the
	// watcher still picks the file up if it appears later. An explicitly
	// given path that is missing stays an error.
	loadPath := *configPath
	if _, err := os.Stat(loadPath); os.IsNotExist(err) && loadPath == defaultConfigPath {
		loadPath = ""
	}
	cfg, err := config.Load(loadPath)
	if err != nil {
		logging.NewLogger(logging.Config{Level: "info", Pretty: *prettyLogs}).
			Error("Failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddress = *listenAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *prettyLogs {
		cfg.Logging.Pretty = true
	}

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
	})
	slog.SetDefault(logger)

	logger.Info("Starting mercato-agents", "config", *configPath)

	ctx := context.Background()

	shutdownTelemetry, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: "mercato-agents",
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Environment: cfg.Telemetry.Environment,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		logger.Error("Failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Error("Telemetry shutdown error", "error", err)
		}
	}()

	// Shared stores and governance. The file watcher reconfigures the
	// governance pieces in place, so every consumer sees updates live.
	policyStore := storage.NewMemoryPolicyStore()
	runStore := storage.NewMemoryRunStore(0)
	vault := storage.NewMemoryCredentialsVault()

	retryPolicy := governance.NewRetryPolicy(governance.DefaultRetryConfig())
	timeouts := governance.NewTimeoutManager(governance.TimeoutConfig{
		NodeTimeout: time.Duration(cfg.Engine.NodeTimeoutMS) * time.Millisecond,
	})
	breakers := governance.NewCircuitBreakerManager()
	limiter := governance.NewRateLimiter(nil)

	if err := agents.SeedDemoPolicies(ctx, policyStore); err != nil {
		logger.Error("Failed to seed demo policies", "error", err)
		os.Exit(1)
	}

	registry := engine.DefaultRegistry(logger)
	agents.RegisterHandlers(registry, agents.Deps{
		TextProviders: buildTextProviders(ctx, vault, breakers, retryPolicy, limiter, logger),
		Policies:      policyStore,
		Logger:        logger,
	})

	eng := engine.New(engine.Config{
		Workers:       cfg.Engine.Workers,
		NodeTimeout:   time.Duration(cfg.Engine.NodeTimeoutMS) * time.Millisecond,
		EventCapacity: cfg.Engine.EventCapacity,
		Retry:         retryPolicy,
		Timeouts:      timeouts,
		Logger:        logger,
	})
	pipelines := engine.NewPipelineRegistry(registry, logger)

	// The demo pipelines keep the service usable before the first file
	// snapshot lands; a snapshot with pipelines replaces them wholesale.
	if err := pipelines.Update(agents.DemoPipelines()); err != nil {
		logger.Error("Failed to register demo pipelines", "error", err)
		os.Exit(1)
	}

	cfgProvider, err := config.NewFileConfigProvider(*configPath, logger)
	if err != nil {
		logger.Error("Failed to initialize config provider", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := cfgProvider.Close(); err != nil {
			logger.Error("Failed to close config provider", "error", err)
		}
	}()

	go watchConfig(cfgProvider, watchTargets{
		pipelines: pipelines,
		policies:  policyStore,
		limiter:   limiter,
		breakers:  breakers,
		retry:     retryPolicy,
		timeouts:  timeouts,
	}, logger)
	go pruneRuns(eng, logger)

	srv, err := console.NewServer(console.ServerConfig{
		Engine:    eng,
		Pipelines: pipelines,
		Sessions:  console.NewSessionManager(console.SessionConfig{}, logger),
		Runs:      runStore,
		Metrics:   console.NewMetrics(),
		Limiter:   limiter,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("Failed to build console server", "error", err)
		os.Exit(1)
	}

	server := startServer(cfg.Server.ListenAddress, srv.Handler(), logger)
	waitForShutdown(server, eng, logger)
}

// watchTargets groups everything a configuration snapshot can reconfigure.
type watchTargets struct {
	pipelines *engine.PipelineRegistry
	policies  storage.PolicyStore
	limiter   *governance.RateLimiter
	breakers  *governance.CircuitBreakerManager
	retry     *governance.RetryPolicy
	timeouts  *governance.TimeoutManager
}

func watchConfig(provider *config.FileConfigProvider, targets watchTargets, logger *slog.Logger) {
	for snapshot := range provider.Subscribe() {
		logger.Info("Configuration update received",
			"generation", snapshot.Generation,
			"pipelines", len(snapshot.Pipelines),
			"bundles", len(snapshot.PolicyBundles))

		applyGovernance(snapshot.Governance, targets, logger)

		// Bundles load before the pipelines that reference them, so gate
		// nodes compile against the new policy generation.
		for _, desc := range snapshot.PolicyBundles {
			bundle, err := config.LoadPolicyBundleFromDomain(desc)
			if err != nil {
				logger.Error("Failed to load policy bundle", "bundle_id", desc.ID, "error", err)
				continue
			}
			if err := targets.policies.SavePolicyBundle(context.Background(), bundle); err != nil {
				logger.Error("Failed to save policy bundle", "bundle_id", desc.ID, "error", err)
				continue
			}
			logger.Info("Policy bundle loaded", "bundle_id", desc.ID, "version", desc.Version)
		}

		if len(snapshot.Pipelines) == 0 {
			continue
		}
		if err := targets.pipelines.Update(snapshot.Pipelines); err != nil {
			logger.Error("Failed to update pipelines", "error", err)
			continue
		}
		logger.Info("Pipelines updated",
			"count", len(snapshot.Pipelines),
			"registry_generation", targets.pipelines.Generation())
		for _, p := range snapshot.Pipelines {
			logger.Info("Pipeline active", "id", p.ID, "kind", p.Kind)
		}
	}
}

// applyGovernance pushes a snapshot's governance section into the live
// limiter, breakers, retry policy, and timeout manager. Invalid entries are
// logged and skipped so one bad stanza cannot block the rest.
func applyGovernance(gc domain.GovernanceConfig, targets watchTargets, logger *slog.Logger) {
	if len(gc.RateLimits) > 0 {
		routes := make(map[string]governance.RouteLimit, len(gc.RateLimits))
		for _, rl := range gc.RateLimits {
			routes[rl.ID] = governance.RouteLimit{
				PerSecond: rl.RequestsPerSecond,
				Burst:     rl.BurstSize,
			}
		}
		targets.limiter.Configure(routes)
	}

	for _, cb := range gc.CircuitBreakers {
		targets.breakers.Configure(cb.ID, governance.CircuitBreakerConfig{
			FailureThreshold: cb.FailureThreshold,
			SuccessThreshold: cb.SuccessThreshold,
			OpenTimeout:      cb.Timeout,
			HalfOpenMaxCalls: cb.HalfOpenMaxCalls,
		})
	}

	for _, to := range gc.Timeouts {
		err := targets.timeouts.Configure(to.ID, governance.TimeoutConfig{
			NodeTimeout: to.NodeTimeout,
			RunTimeout:  to.RunTimeout,
		})
		if err != nil {
			logger.Error("Rejected timeout config", "id", to.ID, "error", err)
		}
	}

	for _, rc := range gc.Retries {
		// MaxAttempts counts the first try; the policy counts retries.
		retries := rc.MaxAttempts - 1
		if retries < 0 {
			retries = 0
		}
		err := targets.retry.Configure(governance.RetryConfig{
			MaxRetries:        retries,
			InitialBackoff:    rc.InitialDelay,
			MaxBackoff:        rc.MaxDelay,
			BackoffMultiplier: rc.Multiplier,
			Jitter:            rc.Jitter,
		})
		if err != nil {
			logger.Error("Rejected retry config", "id", rc.ID, "error", err)
		}
	}
}

// buildTextProviders wires the deterministic local provider plus, when
// MERCATO_TEXTGEN_URL is set, an OpenAI-compatible HTTP provider guarded by
// a circuit breaker, the shared retry policy, and the shared rate limiter.
func buildTextProviders(ctx context.Context, vault storage.CredentialsVault, breakers *governance.CircuitBreakerManager, retry *governance.RetryPolicy, limiter *governance.RateLimiter, logger *slog.Logger) map[string]textgen.Provider {
	providers := map[string]textgen.Provider{
		textgen.ProviderLocal: textgen.NewLocalProvider(),
	}

	endpoint := os.Getenv("MERCATO_TEXTGEN_URL")
	if endpoint == "" {
		return providers
	}

	var keyRef string
	if key := os.Getenv("MERCATO_TEXTGEN_API_KEY"); key != "" {
		ref, err := vault.Store(ctx, "textgen-api-key", key)
		if err != nil {
			logger.Error("Failed to store textgen credential", "error", err)
			return providers
		}
		keyRef = ref
	}

	httpProvider, err := textgen.NewHTTPProvider(textgen.HTTPProviderOptions{
		Endpoint:  endpoint,
		Model:     os.Getenv("MERCATO_TEXTGEN_MODEL"),
		APIKeyRef: keyRef,
		Vault:     vault,
		Breaker:   breakers.Get("textgen"),
		Retry:     retry,
		Limiter:   limiter,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("Failed to configure HTTP text provider", "endpoint", endpoint, "error", err)
		return providers
	}

	providers[textgen.ProviderHTTP] = httpProvider
	logger.Info("HTTP text provider enabled", "endpoint", endpoint)
	return providers
}

// pruneRuns periodically drops terminal runs the engine no longer needs.
// Their snapshots are already archived by the console's run store.
func pruneRuns(eng *engine.Engine, logger *slog.Logger) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for range ticker.C {
		if removed := eng.PruneTerminal(pruneKeep); removed > 0 {
			logger.Debug("Pruned terminal runs", "removed", removed)
		}
	}
}

func startServer(addr string, handler http.Handler, logger *slog.Logger) *http.Server {
	server := &http.Server{
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE responses stream indefinitely
		IdleTimeout:  120 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("Failed to bind listener", "addr", addr, "error", err)
		os.Exit(1)
	}

	// Log the actual resolved address (useful when addr is :0).
	logger.Info("Server listening", "addr", listener.Addr().String())

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	return server
}

func waitForShutdown(server *http.Server, eng *engine.Engine, logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	logger.Info("Shutting down", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Shutdown error", "error", err)
	}
	if err := eng.Close(ctx); err != nil {
		logger.Error("Engine close error", "error", err)
	}
}
