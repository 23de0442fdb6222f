// Command pos-terminal runs next to the cashier UI. It keeps taking orders
// while the ledger server is unreachable and replays them when it returns.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"connectrpc.com/connect"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/kkkkikiki/brewledger/internal/api"
	"github.com/kkkkikiki/brewledger/internal/auth"
	"github.com/kkkkikiki/brewledger/internal/config"
	"github.com/kkkkikiki/brewledger/internal/database"
	"github.com/kkkkikiki/brewledger/internal/ledger"
	"github.com/kkkkikiki/brewledger/internal/logger"
	"github.com/kkkkikiki/brewledger/internal/outbox"
	"github.com/kkkkikiki/brewledger/internal/terminal"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadTerminal(ctx)
	if err != nil {
		bootLog := logger.New("production", "info")
		bootLog.Fatal().Err(err).Msg("failed to load terminal config")
	}
	log := logger.New(cfg.App.Environment, cfg.App.LogLevel)

	claims, err := terminalClaims(cfg.Token)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid POS_TOKEN")
	}
	log = log.With().Str("tenant", claims.Tenant).Str("terminal", claims.Terminal).Logger()

	db, err := database.OpenSQLite(ctx, cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open terminal database")
	}
	defer db.Close()

	store := outbox.NewStore(db.Conn)
	if err := store.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate outbox")
	}
	cache := terminal.NewCache(db.Conn)
	if err := cache.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate cache")
	}

	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	serverURL := strings.TrimRight(cfg.ServerURL, "/")
	clientOpts := connect.WithInterceptors(
		auth.NewClientInterceptor(cfg.Token),
		logger.NewInterceptor(log),
	)
	loyaltyClient := api.NewLoyaltyServiceClient(httpClient, serverURL, clientOpts)
	orderClient := api.NewOrderServiceClient(httpClient, serverURL, clientOpts)

	ob := outbox.New(store, orderClient,
		&outbox.HTTPChecker{URL: serverURL + "/health", Timeout: cfg.CheckTimeout},
		outbox.Options{
			Interval:       cfg.FlushInterval,
			RequestTimeout: cfg.RequestTimeout,
			SendsPerSecond: cfg.SendsPerSecond,
			Retention:      cfg.SyncedRetention,
		}, log)

	policy := ledger.Policy{StampsPerFreeCup: cfg.Loyalty.StampsPerFreeCup, PointsPerUnit: cfg.Loyalty.PointsPerUnit}
	term := terminal.New(claims.Terminal, loyaltyClient, orderClient, ob, cache, policy, cfg.RequestTimeout, log)

	if n, err := term.RefreshMenu(ctx); err != nil {
		log.Warn().Err(err).Msg("menu refresh failed, using cached menu")
	} else {
		log.Info().Int("items", n).Msg("menu refreshed")
	}

	go func() {
		if err := ob.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("outbox stopped")
			stop()
		}
	}()

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(logger.HTTPMiddleware(log))
	r.Mount(api.NewTerminalServiceHandler(terminal.NewServer(term, log),
		connect.WithInterceptors(logger.NewInterceptor(log))))

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		Handler:           h2c.NewHandler(r, &http2.Server{}),
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Str("server", serverURL).Msg("terminal listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("failed to start terminal service")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down terminal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("terminal forced to shutdown")
	}
}

// terminalClaims reads the tenant and terminal id from the token without
// verifying it; the server does that on every call.
func terminalClaims(token string) (*auth.Claims, error) {
	claims, err := auth.ParseUnverified(token)
	if err != nil {
		return nil, err
	}
	if claims.Terminal == "" {
		return nil, errors.New("token has no terminal id")
	}
	return claims, nil
}
