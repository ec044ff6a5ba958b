package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/httprate"

	"billsync/backend/internal/analytics"
	"billsync/backend/internal/orchestrator"
	"billsync/backend/internal/realtime"
	"billsync/backend/internal/service"
)

const maxBodyBytes = 1 << 20

type Deps struct {
	Service     *service.Service
	Sync        *realtime.Manager
	Coordinator *orchestrator.Coordinator
	Analytics   *analytics.Engine
	// Hub fans notifications out to stream clients. Optional.
	Hub *Hub
}

type Options struct {
	AllowedOrigin      string
	RateLimitPerMinute int
	Logger             *slog.Logger
}

type API struct {
	service     *service.Service
	sync        *realtime.Manager
	coordinator *orchestrator.Coordinator
	analytics   *analytics.Engine
	hub         *Hub

	allowedOrigin string
	rateLimit     int
	logger        *slog.Logger
}

func New(deps Deps, opts Options) *API {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.AllowedOrigin == "" {
		opts.AllowedOrigin = "*"
	}
	logger := opts.Logger.With("component", "httpapi")
	if deps.Hub == nil {
		deps.Hub = NewHub(logger)
	}
	return &API{
		service:       deps.Service,
		sync:          deps.Sync,
		coordinator:   deps.Coordinator,
		analytics:     deps.Analytics,
		hub:           deps.Hub,
		allowedOrigin: opts.AllowedOrigin,
		rateLimit:     opts.RateLimitPerMinute,
		logger:        logger,
	}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.handleHealth)

	mux.HandleFunc("GET /api/v1/bills", a.handleListBills)
	mux.HandleFunc("POST /api/v1/bills", a.handleCreateBill)
	mux.HandleFunc("GET /api/v1/bills/drift", a.handleDrift)
	mux.HandleFunc("GET /api/v1/bills/{id}", a.handleGetBill)
	mux.HandleFunc("PATCH /api/v1/bills/{id}", a.handleUpdateBill)
	mux.HandleFunc("DELETE /api/v1/bills/{id}", a.handleDeleteBill)
	mux.HandleFunc("GET /api/v1/bills/{id}/products", a.handleBillProducts)
	mux.HandleFunc("POST /api/v1/bills/{id}/duplicate", a.handleDuplicateBill)
	mux.HandleFunc("POST /api/v1/bills/{id}/recalculate", a.handleRecalculate)
	mux.HandleFunc("GET /api/v1/bills/{id}/totals", a.handleCheckTotals)
	mux.HandleFunc("POST /api/v1/bulk/bills/{action}", a.handleBulkBills)

	mux.HandleFunc("GET /api/v1/products", a.handleListProducts)
	mux.HandleFunc("POST /api/v1/products", a.handleCreateProduct)
	mux.HandleFunc("GET /api/v1/products/grouping", a.handleGrouping)
	mux.HandleFunc("GET /api/v1/products/{id}", a.handleGetProduct)
	mux.HandleFunc("PATCH /api/v1/products/{id}", a.handleUpdateProduct)
	mux.HandleFunc("DELETE /api/v1/products/{id}", a.handleDeleteProduct)
	mux.HandleFunc("POST /api/v1/bulk/products/delete", a.handleBulkDeleteProducts)

	mux.HandleFunc("GET /api/v1/sync/status", a.handleSyncStatus)
	mux.HandleFunc("GET /api/v1/conflicts", a.handleConflicts)
	mux.HandleFunc("POST /api/v1/conflicts/{index}/ack", a.handleAcknowledgeConflict)
	mux.HandleFunc("DELETE /api/v1/conflicts/acknowledged", a.handleClearConflicts)

	mux.HandleFunc("GET /api/v1/analytics/summary", a.handleAnalyticsSummary)
	mux.HandleFunc("GET /api/v1/analytics/orphans", a.handleOrphans)

	mux.HandleFunc("GET /api/v1/stream/bills", a.handleStreamBills)
	mux.HandleFunc("GET /api/v1/stream/bills/{id}/products", a.handleStreamBillProducts)

	var handler http.Handler = mux
	if a.rateLimit > 0 {
		handler = httprate.Limit(a.rateLimit, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				a.writeServiceError(w, orchestrator.ErrRateLimited)
			}),
		)(handler)
	}
	return a.withMiddleware(handler)
}

func (a *API) Hub() *Hub { return a.hub }

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPatch {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		a.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(startedAt))
	})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

// statusFor maps an error kind onto the response status.
func statusFor(kind orchestrator.Kind) int {
	switch kind {
	case orchestrator.KindValidation:
		return http.StatusUnprocessableEntity
	case orchestrator.KindNotFound:
		return http.StatusNotFound
	case orchestrator.KindConflict:
		return http.StatusConflict
	case orchestrator.KindRateLimit:
		return http.StatusTooManyRequests
	case orchestrator.KindPermission:
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	classified := orchestrator.Classify(err)
	status := statusFor(classified.Kind)
	if status >= 500 {
		a.logger.Error("request failed", "status", status, "kind", classified.Kind, "error", err)
		writeJSON(w, status, map[string]any{"error": "internal server error", "kind": classified.Kind})
		return
	}

	body := map[string]any{"error": classified.Message, "kind": classified.Kind}
	var verr *service.ValidationError
	if errors.As(err, &verr) {
		body["fields"] = verr.Fields
	}
	writeJSON(w, status, body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
