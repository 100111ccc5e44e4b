package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/opus67/loadout/internal/api"
	"github.com/opus67/loadout/internal/capability"
	"github.com/opus67/loadout/internal/catalog"
	"github.com/opus67/loadout/internal/command"
	"github.com/opus67/loadout/internal/config"
	"github.com/opus67/loadout/internal/feed"
	"github.com/opus67/loadout/internal/gateway"
	msgrouter "github.com/opus67/loadout/internal/router"
	"github.com/opus67/loadout/internal/score"
	"github.com/opus67/loadout/internal/session"
	pgstore "github.com/opus67/loadout/internal/store"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting Loadout...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/loadout.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// Initialize PostgreSQL store
	var store *pgstore.Store
	if cfg.Catalog.PostgresDSN != "" {
		ps, pgErr := pgstore.New(cfg.Catalog.PostgresDSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(context.Background(), "migrations"); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			store = ps
		}
	}

	// Assemble the catalog from all configured sources
	var records []*catalog.Record
	if cfg.Catalog.UseBuiltins() {
		records = append(records, catalog.Builtins()...)
	}
	if cfg.Catalog.Dir != "" {
		dirRecords, dirErr := catalog.LoadDir(cfg.Catalog.Dir)
		if dirErr != nil {
			logger.Warn("catalog dir scan failed", zap.String("dir", cfg.Catalog.Dir), zap.Error(dirErr))
		} else {
			records = append(records, dirRecords...)
		}
	}
	if store != nil {
		dbRecords, dbErr := store.LoadRecords(context.Background())
		if dbErr != nil {
			logger.Warn("catalog load from postgres failed", zap.Error(dbErr))
		} else {
			for i := range dbRecords {
				records = append(records, &dbRecords[i])
			}
		}
	}
	cat := catalog.Build(records, logger)
	if cat.Len() == 0 {
		logger.Fatal("catalog is empty, nothing to select from")
	}

	// Capability providers: configured SSE servers, static fallback
	registry := capability.NewRegistry(logger)
	registry.Register(capability.NewStaticProvider())
	endpoints := make(map[string]string)
	for _, s := range cfg.Capabilities.Servers {
		if s.URL != "" {
			endpoints[s.Name] = s.URL
		}
	}
	if len(endpoints) > 0 {
		sse := capability.NewSSEProvider(endpoints, logger)
		registry.Register(sse)
		for name := range endpoints {
			registry.Bind(name, sse.Name())
		}
	}

	weights := score.DefaultWeights()
	if cfg.Budget.RecencyWindow > 0 {
		weights.Window = cfg.Budget.RecencyWindow
	}

	manager := session.NewManager(cat, registry, cfg.Budget.Ceiling, weights, logger)

	// Redis signal feed
	var signalFeed *feed.Feed
	if cfg.Feed.RedisURL != "" {
		f, feedErr := feed.New(cfg.Feed.RedisURL, logger)
		if feedErr != nil {
			logger.Warn("Redis unavailable, running without signal feed", zap.Error(feedErr))
		} else {
			signalFeed = f
			feedCtx, feedCancel := context.WithCancel(context.Background())
			defer feedCancel()
			manager.OnCreate(func(s *session.Session) {
				signalFeed.Attach(feedCtx, s)
			})
			logger.Info("Signal feed initialized")
		}
	}

	// Slash commands
	commands := command.NewRegistry()
	command.RegisterBuiltins(commands)
	command.RegisterSearchCommand(commands)
	command.RegisterAdminCommands(commands)
	if store != nil {
		command.RegisterAuthoringCommands(commands, store.UpsertRecord, store.DeleteRecord)
	}

	// Initialize gateway
	gw := gateway.NewGateway(logger)
	broadcaster := gateway.NewBroadcaster(gw, logger)

	// Wire message router BEFORE registering adapters (Register captures handler)
	router := msgrouter.New(manager, cat, gw, commands, store, broadcaster, logger)
	gw.SetHandler(router.Handle)

	restAdapter := gateway.NewRESTAdapter(logger)
	gw.Register(restAdapter)

	if cfg.Gateway.Slack.Enabled && cfg.Gateway.Slack.BotToken != "" {
		slackAdapter := gateway.NewSlackAdapter(cfg.Gateway.Slack.BotToken, cfg.Gateway.Slack.AppToken, logger)
		gw.Register(slackAdapter)
	}

	if cfg.Gateway.Discord.Enabled && cfg.Gateway.Discord.BotToken != "" {
		discordAdapter := gateway.NewDiscordAdapter(cfg.Gateway.Discord.BotToken, logger)
		gw.Register(discordAdapter)
	}

	if err := gw.ConnectAll(context.Background()); err != nil {
		logger.Warn("some gateway adapters failed to connect", zap.Error(err))
	}

	// Build HTTP handler
	handler := api.NewHandler(manager, cat, broadcaster, restAdapter, store, logger)

	// Start server
	port := fmt.Sprintf("%d", cfg.Server.Port)
	if port == "0" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("Loadout listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Loadout...")
	srv.Shutdown(context.Background())
	manager.Close()
	if signalFeed != nil {
		signalFeed.Close()
	}
	if store != nil {
		store.Close()
	}
	gw.Close()
}
