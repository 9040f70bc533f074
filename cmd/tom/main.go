// Tom is a multi-user personal-assistant gateway: one HTTP process that
// authenticates users, runs their turns through an LLM-orchestrated
// backend, and fans tool calls out to per-module providers.
//
// Usage:
//
//	tom serve                       # start the gateway
//	tom serve --config config.yml   # specify a config file
//	tom version                     # print version information
//	tom health                      # liveness check against a running instance
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mroger/tom/internal/backend"
	"github.com/mroger/tom/internal/config"
	"github.com/mroger/tom/internal/gateway"
	"github.com/mroger/tom/internal/llmadapter"
	"github.com/mroger/tom/internal/metrics"
	"github.com/mroger/tom/internal/notify"
	"github.com/mroger/tom/internal/provider"
	"github.com/mroger/tom/internal/provider/rpc"
	"github.com/mroger/tom/internal/server"
	"github.com/mroger/tom/internal/store"
	"github.com/mroger/tom/internal/telemetry"
	"github.com/mroger/tom/modules/behavior"
	"github.com/mroger/tom/modules/cafetaria"
	"github.com/mroger/tom/modules/calendar"
	"github.com/mroger/tom/modules/gpodder"
	"github.com/mroger/tom/modules/kwyk"
	"github.com/mroger/tom/modules/news"
	"github.com/mroger/tom/modules/notifications"
	"github.com/mroger/tom/modules/todo"
	"github.com/mroger/tom/modules/transit"
	"github.com/mroger/tom/modules/weather"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "/data/config.yml", "Path to config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Global.LogLevel)
	defer logger.Sync()

	logger.Info("starting tom",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	telemetryProviders, err := telemetry.Init(cfg.Global.Telemetry, logger)
	if err != nil {
		logger.Fatal("failed to init telemetry", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetryProviders.Shutdown(ctx); err != nil {
			logger.Warn("telemetry shutdown error", zap.Error(err))
		}
	}()

	sessions, err := store.NewSessionStore(cfg.Global.Sessions)
	if err != nil {
		logger.Fatal("failed to open session store", zap.Error(err))
	}
	fcmStore, err := store.NewFCMStore(cfg.Global.AllDataDir + "/fcm.sqlite")
	if err != nil {
		logger.Fatal("failed to open fcm store", zap.Error(err))
	}
	calllog, err := store.NewCallLog(cfg.Global.AllDataDir + "/call_logs.yml")
	if err != nil {
		logger.Fatal("failed to open call log", zap.Error(err))
	}
	reminders, err := notify.OpenReminderStore(cfg.Global.AllDataDir + "/mcp/notifications/notifications.sqlite")
	if err != nil {
		logger.Fatal("failed to open reminder store", zap.Error(err))
	}

	adapter, err := llmadapter.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build llm adapter", zap.Error(err))
	}

	registry := provider.NewRegistry()
	registerModules(registry, cfg, logger, reminders)
	registerRemoteModules(registry, cfg, logger)

	be := backend.New(cfg, logger, adapter, registry, calllog)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pusher := notify.NoopPusher{}
	reminderWorker := notify.NewReminderWorker(reminders, fcmStore, pusher, logger)
	reminderWorker.Start(ctx)
	defer reminderWorker.Stop()

	aggregators := gateway.NewAggregatorRegistry(registry, logger)
	auth := gateway.NewAuth(cfg, sessions, logger)
	handlers := gateway.NewHandlers(cfg, be, aggregators, fcmStore, reminders, logger)
	metricsCollector := metrics.NewCollector("tom", logger)

	router := gateway.NewRouter(ctx, gateway.Deps{
		Cfg:         cfg,
		Auth:        auth,
		Handlers:    handlers,
		Metrics:     metricsCollector,
		AllowedCORS: nil,
		Logger:      logger,
	})

	srvCfg := server.DefaultConfig()
	srvCfg.Addr = cfg.Global.ListenAddr
	mgr := server.NewManager(router, srvCfg, logger)

	certFile := cfg.Global.TLSDir + "/cert.pem"
	keyFile := cfg.Global.TLSDir + "/key.pem"
	if _, err := os.Stat(certFile); err != nil {
		logger.Fatal("tls cert.pem missing, refusing to start", zap.String("path", certFile))
	}
	if _, err := os.Stat(keyFile); err != nil {
		logger.Fatal("tls key.pem missing, refusing to start", zap.String("path", keyFile))
	}

	if err := mgr.StartTLS(certFile, keyFile); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}

	mgr.WaitForShutdown()
	logger.Info("tom stopped")
}

// registerModules wires every tool-provider module into registry. New
// modules are added here, one Register call each, matching the static
// registry's fail-fast "registered once at startup" discipline.
func registerModules(registry *provider.Registry, cfg *config.Config, logger *zap.Logger, reminders *notify.ReminderStore) {
	registry.Register("behavior", behavior.Factory(cfg.Global.UserDataDir))
	registry.Register("calendar", calendar.Factory(cfg.Global.UserDataDir, nil))
	registry.Register("notifications", notifications.Factory(reminders))
	registry.Register("todo", todo.Factory(nil))
	registry.Register("weather", weather.Factory(cfg.Global.UserDataDir, nil))
	registry.Register("news", news.Factory(cfg.Global.UserDataDir, nil, nil))
	registry.Register("gpodder", gpodder.Factory(cfg.Global.UserDataDir, nil))
	registry.Register("transit", transit.Factory(cfg.Global.UserDataDir, nil))
	registry.Register("kwyk", kwyk.Factory(cfg.Global.UserDataDir, nil))
	registry.Register("cafetaria", cafetaria.Factory(cfg.Global.UserDataDir, nil))
}

// registerRemoteModules wires any module named in global.remote_modules as
// an rpc.Client instead of an in-process factory, per §4.3's MCP
// remote-provider path. A name already claimed by an in-process module is
// skipped with a warning rather than panicking, since Registry.Register
// panics on a duplicate name.
func registerRemoteModules(registry *provider.Registry, cfg *config.Config, logger *zap.Logger) {
	claimed := make(map[string]struct{})
	for _, n := range registry.Names() {
		claimed[n] = struct{}{}
	}
	for name, endpoint := range cfg.Global.RemoteModules {
		if endpoint == "" {
			continue
		}
		if _, exists := claimed[name]; exists {
			logger.Warn("remote module name already claimed by an in-process module, skipping",
				zap.String("name", name), zap.String("endpoint", endpoint))
			continue
		}
		client := rpc.NewClient(name, endpoint, logger)
		registry.Register(name, func(username string) (provider.ToolProvider, error) {
			return client, nil
		})
		logger.Info("registered remote module", zap.String("name", name), zap.String("endpoint", endpoint))
	}
}

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "https://localhost:443", "Server address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/healthz")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}
	fmt.Println("OK")
}

func printVersion() {
	fmt.Printf("tom %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`tom - personal assistant gateway

Usage:
  tom <command> [options]

Commands:
  serve     Start the gateway
  version   Show version information
  health    Check server liveness
  help      Show this help message

Options for 'serve':
  --config <path>   Path to configuration file (YAML), default /data/config.yml

Examples:
  tom serve
  tom serve --config /data/config.yml
  tom health --addr https://localhost:443
  tom version`)
}

func initLogger(level string) *zap.Logger {
	var lvl zapcore.Level
	switch level {
	case "DEBUG", "debug":
		lvl = zapcore.DebugLevel
	case "WARN", "warn":
		lvl = zapcore.WarnLevel
	case "ERROR", "error":
		lvl = zapcore.ErrorLevel
	default:
		lvl = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(lvl),
		Encoding:         "json",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build(zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
