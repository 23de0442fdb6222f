// Package server wires the ledger server's HTTP surface: Connect services,
// health checks and metrics behind the shared middleware stack.
package server

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"connectrpc.com/connect"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/kkkkikiki/brewledger/internal/api"
	"github.com/kkkkikiki/brewledger/internal/auth"
	"github.com/kkkkikiki/brewledger/internal/config"
	"github.com/kkkkikiki/brewledger/internal/database"
	"github.com/kkkkikiki/brewledger/internal/ledger"
	"github.com/kkkkikiki/brewledger/internal/logger"
	"github.com/kkkkikiki/brewledger/internal/order"
	"github.com/kkkkikiki/brewledger/internal/service"
)

// AdminProcedures require a token with the admin role
var AdminProcedures = []string{
	api.LoyaltyServiceAdjustCardProcedure,
	api.LoyaltyServiceDeactivateCardProcedure,
}

// Deps are the services the router exposes
type Deps struct {
	Config *config.Config
	Log    zerolog.Logger
	DB     *database.DB
	Ledger *ledger.Ledger
	Orders *order.Service
	Tokens *auth.Manager
}

// NewRouter wires HTTP routes and middleware
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logger.HTTPMiddleware(d.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: d.Config.Server.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Authorization", "Content-Type",
			"Connect-Protocol-Version", "Connect-Timeout-Ms", api.IdempotencyKeyHeader,
		},
		ExposedHeaders: []string{api.ReasonHeader},
		MaxAge:         300,
	}))
	if limit := d.Config.Server.RateLimitPerMinute; limit > 0 {
		r.Use(httprate.LimitByIP(limit, time.Minute))
	}

	r.Get("/health", health)
	r.Get("/health/db", dbHealth(d.DB))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	interceptors := connect.WithInterceptors(
		logger.NewInterceptor(d.Log),
		auth.NewServerInterceptor(d.Tokens, AdminProcedures...),
	)
	r.Mount(api.NewLoyaltyServiceHandler(service.NewLoyaltyServer(d.Ledger, d.Orders, d.Log), interceptors))
	r.Mount(api.NewOrderServiceHandler(service.NewOrderServer(d.Orders, d.Log), interceptors))

	return r
}

func health(w http.ResponseWriter, r *http.Request) {
	hostname, _ := os.Hostname()
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"service":  "brewledger",
		"hostname": hostname,
	})
}

func dbHealth(db *database.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":  "error",
				"message": "database unavailable",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "database": db.Driver})
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
