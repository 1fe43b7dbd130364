package api

import (
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/parimutuel/internal/auth"
	"github.com/atmx/parimutuel/internal/metrics"
)

// RouterConfig holds the cross-cutting pieces the router wires around
// the handlers.
type RouterConfig struct {
	Verifier    *auth.Verifier
	Hub         *WSHub
	CORSOrigins []string
	Timeout     time.Duration
}

// NewRouter builds the HTTP handler: health and metrics at the root, the
// API under /api/v1. Every mutating route requires an authenticated caller.
func NewRouter(svc *Service, cfg RouterConfig) http.Handler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors(cfg.CORSOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"parimutuel"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time ledger events. Outside the
		// timeout middleware: connections are long-lived.
		if cfg.Hub != nil {
			r.Get("/ws", cfg.Hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.Timeout))

			// Reads.
			r.Get("/markets", svc.ListMarkets)
			r.Get("/markets/{marketID}", svc.GetMarket)
			r.Get("/markets/{marketID}/bets", svc.ListBets)
			r.Get("/markets/{marketID}/bets/{bettor}", svc.GetBet)
			r.Get("/accounts/{accountID}", svc.GetAccount)
			r.Post("/accounts/{accountID}/deposit", svc.Deposit)

			// Signed mutations.
			r.Group(func(r chi.Router) {
				r.Use(cfg.Verifier.Middleware)
				r.Post("/markets", svc.CreateMarket)
				r.Post("/markets/{marketID}/bet", svc.PlaceBet)
				r.Post("/markets/{marketID}/resolve", svc.Resolve)
				r.Post("/markets/{marketID}/claim", svc.Claim)
			})
		})
	})

	return r
}

// cors allows the configured origins ("*" for any) to call the API from
// a browser.
func cors(origins []string) func(http.Handler) http.Handler {
	wildcard := slices.Contains(origins, "*")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case wildcard:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && slices.Contains(origins, origin):
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+
				auth.HeaderTimestamp+", "+auth.HeaderSignature+", "+auth.HeaderCaller)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
