package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"

	offlinegateway "github.com/offline-gateway/offline-gateway"
	"github.com/offline-gateway/offline-gateway/cache"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// CLI flags
	configFlag         string
	portFlag           int
	dbFilenameFlag     string
	checkConfigFlag    bool
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

// envOptions are the operational settings that can also be set from the
// environment. CLI flags take precedence over these.
type envOptions struct {
	ConfigPath string `env:"OFFLINE_GATEWAY_CONFIG"`
	Port       int    `env:"OFFLINE_GATEWAY_PORT"`
	DBFilename string `env:"OFFLINE_GATEWAY_DB"`
	LogFile    string `env:"OFFLINE_GATEWAY_LOG_FILE"`
}

func init() {
	flag.StringVar(&configFlag, "config", "", "Path to config file (default config.yml)")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on (default 8080)")
	flag.StringVar(&dbFilenameFlag, "db", "", "Cache DB file name (use 'memory' for in-memory db)")
	flag.BoolVar(&checkConfigFlag, "check-config", false, "Validate config and exit")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	var opts envOptions
	if err := env.Parse(&opts); err != nil {
		fmt.Fprintf(os.Stderr, "cannot parse environment: %v\n", err)
		os.Exit(1)
	}
	configPath := fallback(configFlag, opts.ConfigPath, "config.yml")
	dbFilename := fallback(dbFilenameFlag, opts.DBFilename, "cache.db")
	logFilename := fallback(logFilenameFlag, opts.LogFile, "")
	port := portFlag
	if port == 0 {
		port = opts.Port
	}
	if port == 0 {
		port = 8080
	}

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to a rotated logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilename != "" {
		logOutputs = append(logOutputs, &lumberjack.Logger{
			Filename:   logFilename,
			MaxSize:    50, // megabytes
			MaxBackups: 3,
		})
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	fileConfig, err := offlinegateway.LoadConfig(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", configPath).Msg("Could not load config")
	}
	if checkConfigFlag {
		log.Info().
			Str("config", configPath).
			Str("generation", fileConfig.Version).
			Int("shell", len(fileConfig.App.Shell)).
			Int("remotes", len(fileConfig.Remotes)).
			Msg("Config OK")
		return
	}

	// set up sqlite provider
	if dbFilename == "memory" {
		dbFilename = "file::memory:?cache=shared"
	}
	provider := cache.NewSQLiteCache(dbFilename)

	gatewayConfig, err := fileConfig.GatewayConfig(provider)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not build gateway config")
	}
	gatewayConfig.Logger = &log.Logger

	gateway := offlinegateway.CreateGateway(gatewayConfig)

	// a failed install leaves previously cached generations untouched; if
	// one survives, keep serving it in degraded form instead of exiting
	ctx := context.Background()
	if err := gateway.Install(ctx); err != nil {
		prior := priorGeneration(provider, fileConfig.Version)
		if prior == "" {
			log.Fatal().Err(err).Msg("Install failed with no generation to fall back to")
		}
		if resumeErr := gateway.Resume(prior); resumeErr != nil {
			log.Fatal().Err(resumeErr).Msg("Could not resume prior generation")
		}
		log.Error().Err(err).Str("generation", prior).Msg("Install failed, serving prior generation")
	} else if err := gateway.Activate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Activate failed")
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Handle("/*", gateway)

	log.Info().Msgf("Intercepting port %v for %s (shell origin %s)", port, fileConfig.App.Host, fileConfig.App.Origin)
	if err := http.ListenAndServe(fmt.Sprintf(":%d", port), router); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

// priorGeneration picks the generation to resume after a failed install:
// the configured version if a previous run completed it, otherwise the
// newest surviving generation. Empty when the cache holds nothing.
func priorGeneration(provider cache.CacheProvider, version string) string {
	generations, err := provider.Generations()
	if err != nil || len(generations) == 0 {
		return ""
	}
	for _, generation := range generations {
		if generation == version {
			return generation
		}
	}
	return generations[len(generations)-1]
}

func fallback(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
