package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"example.com/h2drain/internal/config"
	"example.com/h2drain/internal/handlers/fixedresponse"
	"example.com/h2drain/internal/http2"
	"example.com/h2drain/internal/logger"
	"example.com/h2drain/internal/metrics"
	"example.com/h2drain/internal/router"
	"example.com/h2drain/internal/server"
)

func main() {
	configFilePath := flag.String("config", "", "Path to the configuration file (JSON or TOML)")
	flag.Parse()

	if *configFilePath == "" {
		fmt.Fprintln(os.Stderr, "Error: Configuration file path must be provided via -config flag.")
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configFilePath)
	if err != nil {
		log.Fatalf("Failed to load configuration from %s: %v", *configFilePath, err)
	}

	appLogger, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	os.Exit(run(cfg, appLogger))
}

func run(cfg *config.Config, appLogger *logger.Logger) int {
	defer appLogger.CloseLogFiles()

	handler, err := buildHandler(cfg, appLogger)
	if err != nil {
		appLogger.Error("Failed to initialize router", logger.LogFields{"error": err.Error()})
		return 1
	}

	provider := metrics.NewProvider()
	defer func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			appLogger.Warn("Failed to shut down meter provider", logger.LogFields{"error": err.Error()})
		}
	}()
	rec, err := provider.Recorder()
	if err != nil {
		appLogger.Error("Failed to initialize metrics", logger.LogFields{"error": err.Error()})
		return 1
	}
	defer logMetricTotals(provider, appLogger)

	srv, err := server.NewServer(cfg, appLogger, handler, rec)
	if err != nil {
		appLogger.Error("Failed to initialize server", logger.LogFields{"error": err.Error()})
		return 1
	}

	appLogger.Info("Starting HTTP/2 server", logger.LogFields{
		"address":      *cfg.Server.Address,
		"grace_period": cfg.Server.GracePeriod.String(),
		"config":       cfg.OriginalFilePath,
	})
	if err := srv.Run(context.Background()); err != nil {
		appLogger.Error("Server exited with an error", logger.LogFields{"error": err.Error()})
		return 1
	}
	appLogger.Info("Server has shut down gracefully")
	return 0
}

// buildHandler registers the built-in handler types and builds the router for cfg.
func buildHandler(cfg *config.Config, lg *logger.Logger) (http2.Handler, error) {
	registry := server.NewHandlerRegistry()
	if err := registry.Register(fixedresponse.HandlerType, fixedresponse.New); err != nil {
		return nil, err
	}
	var routes []config.Route
	if cfg.Routing != nil {
		routes = cfg.Routing.Routes
	}
	return router.NewRouter(routes, registry, lg)
}

// logMetricTotals writes the final instrument totals to the error log.
func logMetricTotals(p *metrics.Provider, lg *logger.Logger) {
	totals, err := p.Totals(context.Background())
	if err != nil {
		lg.Warn("Failed to collect metrics", logger.LogFields{"error": err.Error()})
		return
	}
	fields := logger.LogFields{}
	for name, v := range totals {
		fields[name] = v
	}
	lg.Info("Metric totals", fields)
}
