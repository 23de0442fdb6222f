package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/snowflake"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/kkkkikiki/brewledger/internal/auth"
	"github.com/kkkkikiki/brewledger/internal/config"
	"github.com/kkkkikiki/brewledger/internal/database"
	"github.com/kkkkikiki/brewledger/internal/ledger"
	"github.com/kkkkikiki/brewledger/internal/logger"
	"github.com/kkkkikiki/brewledger/internal/menu"
	"github.com/kkkkikiki/brewledger/internal/order"
	"github.com/kkkkikiki/brewledger/internal/server"
)

func main() {
	ctx := context.Background()

	// Load configuration from environment variables
	cfg, err := config.Load(ctx)
	if err != nil {
		bootLog := logger.New("production", "info")
		bootLog.Fatal().Err(err).Msg("failed to load config")
	}

	log := logger.New(cfg.App.Environment, cfg.App.LogLevel)
	log.Info().Str("environment", cfg.App.Environment).Msg("starting brewledger")

	db, err := database.NewDB(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error().Err(err).Msg("error closing database")
		}
	}()

	if cfg.MenuSeedFile != "" {
		seed, err := menu.LoadFile(cfg.MenuSeedFile)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load menu seed")
		}
		n, err := menu.Apply(ctx, db.Conn, seed)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to apply menu seed")
		}
		log.Info().Int("items", n).Str("file", cfg.MenuSeedFile).Msg("menu seeded")
	}

	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create id generator")
	}

	policy := ledger.Policy{
		StampsPerFreeCup: cfg.Loyalty.StampsPerFreeCup,
		PointsPerUnit:    cfg.Loyalty.PointsPerUnit,
	}
	l := ledger.New(db.Conn, policy, node, log)
	orders := order.NewService(db.Conn, l, node, log)

	router := server.NewRouter(server.Deps{
		Config: cfg,
		Log:    log,
		DB:     db,
		Ledger: l,
		Orders: orders,
		Tokens: auth.NewManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL),
	})

	srv := &http.Server{
		Addr:           cfg.Server.GetServerAddr(),
		ReadTimeout:    time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
		// h2c serves HTTP/2 without TLS
		Handler: h2c.NewHandler(router, &http2.Server{
			MaxConcurrentStreams: 1000,
		}),
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server exited gracefully")
}
