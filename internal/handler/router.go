package handler

import (
	"bufio"
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/efreitasn/predex/internal/pubsub"
	"github.com/efreitasn/predex/internal/service"
)

// Auth headers. The user address is set by an upstream gateway that has
// already authenticated the caller.
const (
	UserHeader  = "X-User-Address"
	AdminHeader = "X-Admin-Key"
)

// Options carries the router's non-service collaborators.
type Options struct {
	AdminAPIKey string
	CORSOrigins []string
	MarketCache pubsub.MarketCache
	// WebSocket serves GET /ws when set.
	WebSocket http.Handler
}

// NewRouter creates a chi router with all routes registered, request logging,
// CORS and Content-Type validation middleware.
func NewRouter(
	accountSvc *service.AccountService,
	orderSvc *service.OrderService,
	marketSvc *service.MarketService,
	settlementSvc *service.SettlementService,
	opts Options,
	logger *slog.Logger,
) chi.Router {
	r := chi.NewRouter()

	r.Use(requestLogging(logger))
	r.Use(cors(opts.CORSOrigins))

	accountH := NewAccountHandler(accountSvc, settlementSvc)
	orderH := NewOrderHandler(orderSvc)
	marketH := NewMarketHandler(marketSvc, opts.MarketCache, logger)
	adminH := NewAdminHandler(marketSvc)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.WebSocket != nil {
		r.Method(http.MethodGet, "/ws", opts.WebSocket)
	}

	r.Group(func(r chi.Router) {
		r.Use(contentTypeJSON)

		r.Post("/accounts", accountH.Register)

		r.Get("/markets", marketH.ListMarkets)
		r.Get("/markets/{market_id}", marketH.GetMarket)
		r.Get("/markets/{market_id}/book", marketH.GetBook)
		r.Get("/markets/{market_id}/quote", marketH.GetQuote)
		r.Get("/markets/{market_id}/trades", marketH.GetTrades)

		r.Group(func(r chi.Router) {
			r.Use(requireUser)

			r.Post("/orders", orderH.PlaceOrder)
			r.Get("/orders", orderH.ListOrders)
			r.Get("/orders/{order_id}", orderH.GetOrder)
			r.Delete("/orders/{order_id}", orderH.CancelOrder)

			r.Get("/account/balance", accountH.GetBalance)
			r.Get("/account/positions", accountH.GetPositions)
			r.Post("/account/settle/{market_id}", accountH.Settle)
			r.Get("/account/settle/{market_id}/status", accountH.SettlementStatus)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(requireAdmin(opts.AdminAPIKey))

			r.Post("/markets", adminH.CreateMarket)
			r.Post("/markets/{market_id}/resolve", adminH.Resolve)
			r.Post("/markets/{market_id}/cancel", adminH.Cancel)
			r.Post("/markets/{market_id}/close", adminH.Close)
			r.Post("/markets/{market_id}/reopen", adminH.Reopen)
			r.Post("/markets/{market_id}/probability", adminH.SetProbability)
			r.Post("/markets/{market_id}/refresh-probability", adminH.RefreshProbability)
			r.Post("/markets/{market_id}/external-probability", adminH.ExternalProbability)
		})
	})

	return r
}

// requestLogging returns middleware that logs each request's method, path,
// status code, and duration using slog.
func requestLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.status),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack hands the connection to the WebSocket upgrader.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// contentTypeJSON rejects POST, PUT and PATCH requests that carry a body
// which is not declared as application/json.
func contentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength != 0 && (r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch) {
			ct := r.Header.Get("Content-Type")
			if ct == "" || !strings.HasPrefix(ct, "application/json") {
				WriteError(w, http.StatusBadRequest, "invalid_request",
					"Content-Type must be application/json")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// cors answers preflight requests and sets Access-Control headers for the
// configured origins. "*" allows any origin.
func cors(origins []string) func(http.Handler) http.Handler {
	allowAll := slices.Contains(origins, "*")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowAll || slices.Contains(origins, origin)) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
				h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, "+UserHeader+", "+AdminHeader)
				if r.Method == http.MethodOptions {
					w.WriteHeader(http.StatusNoContent)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

type userKey struct{}

// requireUser rejects requests without an X-User-Address header and
// stores the address in the request context.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr := strings.TrimSpace(r.Header.Get(UserHeader))
		if addr == "" {
			WriteError(w, http.StatusUnauthorized, "unauthorized", UserHeader+" header is required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, addr)))
	})
}

func userAddress(r *http.Request) string {
	addr, _ := r.Context().Value(userKey{}).(string)
	return addr
}

// requireAdmin compares X-Admin-Key against key in constant time. An empty
// key disables the admin routes.
func requireAdmin(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" {
				WriteError(w, http.StatusForbidden, "forbidden", "admin API is disabled")
				return
			}
			got := r.Header.Get(AdminHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				WriteError(w, http.StatusUnauthorized, "unauthorized", "invalid admin key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
