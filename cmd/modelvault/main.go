package main

import (
	"context"
	"flag"
	"io"
	"net/http"
	"os"

	modelvault "github.com/modelvault/modelvault"
	"github.com/modelvault/modelvault/cache"
	"github.com/modelvault/modelvault/derivative"
	"github.com/modelvault/modelvault/token"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFlag         string
	listenFlag         string
	providerFlag       string
	dbFilenameFlag     string
	cacheNameFlag      string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFlag, "config", "modelvault.yml", "Config file to load")
	flag.StringVar(&listenFlag, "listen", "", "Listen address (overrides config)")
	flag.StringVar(&providerFlag, "provider", "", "Cache provider: memory, sqlite, leveldb or redis (overrides config)")
	flag.StringVar(&dbFilenameFlag, "db", "", "Cache DB file name for the sqlite provider (overrides config)")
	flag.StringVar(&cacheNameFlag, "cache-name", "", "Cache generation name (overrides config)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	config, err := modelvault.LoadConfig(configFlag)
	if err != nil {
		log.Fatal().Err(err).Str("file", configFlag).Msg("Cannot load config")
	}
	if listenFlag != "" {
		config.Listen = listenFlag
	}
	if providerFlag != "" {
		config.Provider.Type = providerFlag
	}
	if dbFilenameFlag != "" {
		config.Provider.File = dbFilenameFlag
	}
	if cacheNameFlag != "" {
		config.CacheName = cacheNameFlag
	}
	if err := config.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	provider, err := config.Provider.Open()
	if err != nil {
		log.Fatal().Err(err).Str("provider", config.Provider.Type).Msg("Cannot open cache provider")
	}
	defer provider.Close()
	store := cache.NewStore(provider, config.CacheName)

	client := derivative.NewClient(
		config.Upstream.DesignData, config.Upstream.Derivative, nil, log.Logger)
	service := derivative.NewService(client, log.Logger)
	tokens := token.NewProvider(config.Upstream.Token, nil, log.Logger)
	metrics := modelvault.NewMetrics()

	worker := modelvault.NewWorker(modelvault.WorkerConfig{
		Store:      store,
		Service:    service,
		StaticURLs: config.Precache.Static,
		APIURLs:    config.Precache.API,
		TokenPath:  config.TokenPath,
		Rewrites:   config.Routes,
		Metrics:    metrics,
	})
	frontend := modelvault.NewFrontend(worker, tokens, log.Logger)

	gateway, err := modelvault.NewGateway(modelvault.GatewayConfig{
		Service:   service,
		Tokens:    tokens,
		Frontend:  frontend,
		Metrics:   metrics,
		ModelsURL: config.Upstream.Models,
		StaticDir: config.Static.Dir,
		Routes:    config.Routes,
		Logger:    log.Logger,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot build gateway")
	}

	registry := modelvault.NewRegistry(gateway, log.Logger)
	if err := frontend.Register(context.Background(), registry); err != nil {
		log.Fatal().Err(err).Msg("Cannot register worker")
	}

	log.Info().Str("listen", config.Listen).Str("cache", config.CacheName).
		Msg("Serving viewer traffic through the offline cache")
	if err := http.ListenAndServe(config.Listen, registry); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}
