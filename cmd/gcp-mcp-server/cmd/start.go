package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"github.com/gcp-mcp/gcp-mcp-server/internal/adapter/inbound/gateway"
	"github.com/gcp-mcp/gcp-mcp-server/internal/adapter/inbound/http"
	"github.com/gcp-mcp/gcp-mcp-server/internal/adapter/outbound/mcpserver"
	"github.com/gcp-mcp/gcp-mcp-server/internal/adapter/outbound/memory"
	redisstore "github.com/gcp-mcp/gcp-mcp-server/internal/adapter/outbound/redis"
	"github.com/gcp-mcp/gcp-mcp-server/internal/config"
	"github.com/gcp-mcp/gcp-mcp-server/internal/domain/security"
	"github.com/gcp-mcp/gcp-mcp-server/internal/domain/session"
	"github.com/gcp-mcp/gcp-mcp-server/internal/service"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gateway",
	Long: `Start the gcp-mcp-server gateway.

Transports are selected in the config file (transport.stdio, transport.http,
transport.sse) or with flags. Passing any of --stdio, --http or --sse replaces
the configured selection with exactly the flags given.

Examples:
  # HTTP and SSE on the configured address
  gcp-mcp-server start

  # stdio only, for an MCP client that spawns the server
  gcp-mcp-server start --stdio

  # HTTP on all interfaces, port 9090, without SSE
  gcp-mcp-server start --http --host 0.0.0.0 --port 9090`,
	RunE: runStart,
}

var (
	devMode   bool
	flagStdio bool
	flagHTTP  bool
	flagSSE   bool
	flagHost  string
	flagPort  int
)

func init() {
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (debug logging, any origin allowed)")
	startCmd.Flags().BoolVar(&flagStdio, "stdio", false, "Serve MCP over stdin/stdout")
	startCmd.Flags().BoolVar(&flagHTTP, "http", false, "Serve MCP over HTTP POST")
	startCmd.Flags().BoolVar(&flagSSE, "sse", false, "Serve MCP over Server-Sent Events")
	startCmd.Flags().StringVar(&flagHost, "host", "", "HTTP bind address (overrides transport.host)")
	startCmd.Flags().IntVar(&flagPort, "port", 0, "HTTP port (overrides transport.port)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	// Load configuration (without validation, so CLI flags can override first)
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if devMode {
		cfg.DevMode = true
	}
	applyTransportFlags(cfg, cmd.Flags().Changed)
	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	// stop() restores default signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop()
	}()

	// stdout is reserved for the MCP stream in stdio mode.
	logger := newLogger(cfg)

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}

	logger.Info("gcp-mcp-server stopped")
	return nil
}

// applyTransportFlags overrides config with the flags the user set.
func applyTransportFlags(cfg *config.ServerConfig, changed func(name string) bool) {
	if changed("stdio") || changed("http") || changed("sse") {
		cfg.Transport.Stdio = flagStdio
		cfg.Transport.HTTP = flagHTTP
		cfg.Transport.SSE = flagSSE
	}
	if changed("host") {
		cfg.Transport.Host = flagHost
	}
	if changed("port") {
		cfg.Transport.Port = flagPort
	}
}

func newLogger(cfg *config.ServerConfig) *slog.Logger {
	level := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// run wires the gateway components and blocks until ctx is cancelled or a
// transport fails.
func run(ctx context.Context, cfg *config.ServerConfig, logger *slog.Logger) error {
	if cfg.DevMode {
		logger.Warn("development mode enabled: any Origin is accepted")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := http.NewMetrics(reg)

	var redisClient goredis.UniversalClient
	if cfg.UsesRedis() {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = client.Close() }()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		redisClient = client
		logger.Info("connected to redis", "addr", cfg.Redis.Addr, "db", cfg.Redis.DB)
	}
	keyPrefix := redisstore.WithKeyPrefix(cfg.Redis.KeyPrefix)

	// Tool handlers are registered on server before transports start.
	server := mcp.NewServer(&mcp.Implementation{Name: "gcp-mcp-server", Version: Version}, nil)
	protocol := mcpserver.New(server, mcpserver.WithLogger(logger))
	defer func() { _ = protocol.Close() }()

	var store session.SessionStore
	switch cfg.Session.Store {
	case config.StoreRedis:
		store = redisstore.NewSessionStore(redisClient, keyPrefix)
	default:
		store = memory.NewSessionStore()
	}
	sessions := session.NewSessionManager(store, cfg.ToSessionConfig(),
		session.WithLogger(logger),
		session.WithOnExpire(protocol.CloseSession),
	)
	sessions.StartCleanup(ctx)
	defer sessions.Stop()

	events := service.NewSecurityEventService(logger,
		service.WithEventMetrics(metrics.SecurityEvents, metrics.SecurityEventsDropped),
	)
	events.Start(ctx)
	defer events.Stop()

	secOpts := []security.Option{
		security.WithEventSink(events),
		security.WithLogger(logger),
	}
	if cfg.RateLimit.Enabled {
		switch cfg.RateLimit.Store {
		case config.StoreRedis:
			secOpts = append(secOpts, security.WithRateLimiter(
				redisstore.NewRateLimiter(redisClient, clock.RealClock{}, keyPrefix),
			))
		default:
			interval, maxTTL := cfg.RateLimitCleanup()
			limiter := memory.NewRateLimiterWithConfig(interval, maxTTL)
			limiter.StartCleanup(ctx)
			defer limiter.Stop()
			secOpts = append(secOpts, security.WithRateLimiter(limiter))
		}
	}
	validator := security.NewSecurityValidator(cfg.ToSecurityConfig(), secOpts...)

	transportCfg := cfg.ToTransportConfig()
	manager := gateway.New(transportCfg, protocol, validator, sessions,
		gateway.WithLogger(logger),
		gateway.WithHTTPOptions(
			http.WithMetrics(metrics, reg),
			http.WithTrustProxyHeaders(cfg.Transport.TrustProxyHeaders),
			http.WithEventBacklog(events),
			http.WithVersion(Version),
		),
	)
	defer func() { _ = manager.Close() }()

	// stdio clients often surface stderr to users.
	if transportCfg.HTTPEnabled() && !transportCfg.SupportStdio {
		printBanner(cfg, transportCfg.TLSEnabled())
	}

	if err := manager.StartTransport(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("transport failed: %w", err)
	}
	return nil
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// printBanner prints a startup summary to stderr.
func printBanner(cfg *config.ServerConfig, tlsEnabled bool) {
	const (
		reset  = "\033[0m"
		bold   = "\033[1m"
		cyan   = "\033[36m"
		green  = "\033[32m"
		yellow = "\033[33m"
		dim    = "\033[2m"
	)

	scheme := "http"
	if tlsEnabled {
		scheme = "https"
	}
	base := fmt.Sprintf("%s://%s:%d", scheme, cfg.Transport.Host, cfg.Transport.Port)

	modeStr := green + "production" + reset
	if cfg.DevMode {
		modeStr = yellow + "development" + reset + dim + " (any origin)" + reset
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  %s%s gcp-mcp-server %s%s\n", bold, cyan, Version, reset)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	if cfg.Transport.HTTP {
		fmt.Fprintf(os.Stderr, "  %-14s %s%s\n", "MCP:", base, cfg.Transport.MCPPath)
	}
	if cfg.Transport.SSE {
		fmt.Fprintf(os.Stderr, "  %-14s %s%s\n", "SSE:", base, cfg.Transport.SSEPath)
	}
	fmt.Fprintf(os.Stderr, "  %-14s %s/health\n", "Health:", base)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Mode:", modeStr)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Sessions:", cfg.Session.Store)
	if cfg.RateLimit.Enabled {
		fmt.Fprintf(os.Stderr, "  %-14s %d/%s (%s)\n", "Rate limit:", cfg.RateLimit.Rate, cfg.RateLimit.Period, cfg.RateLimit.Store)
	} else {
		fmt.Fprintf(os.Stderr, "  %-14s off\n", "Rate limit:")
	}
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "\n")
}

// pidFilePath returns the standard location for the PID file.
func pidFilePath() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".gcp-mcp-server", "server.pid")
	}
	return filepath.Join(os.TempDir(), "gcp-mcp-server.pid")
}

// writePIDFile writes the current process PID to path, creating parent
// directories as needed.
func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}
