package admin

import (
	"log/slog"
	"net/http"

	"github.com/gatewarden/gatewarden/internal/adapter/outbound/dispatch"
	"github.com/gatewarden/gatewarden/internal/domain/ratelimit"
	"github.com/gatewarden/gatewarden/internal/domain/route"
	"github.com/gatewarden/gatewarden/internal/domain/scan"
)

// Handler serves the read-only diagnostics endpoints:
//
//	GET /diagnostics/breakers      - circuit breaker snapshots
//	GET /diagnostics/limits?key=K  - one rate limit bucket
//	GET /diagnostics/routes        - the active route table
//	GET /diagnostics/actors        - the suspicious-actor table
type Handler struct {
	upstreams *dispatch.Set
	store     ratelimit.Store
	routes    *route.Table
	actors    *scan.ActorTable
	logger    *slog.Logger

	mux *http.ServeMux
}

// NewHandler wires the diagnostics endpoints. Any collaborator may be
// nil; its endpoint then answers 404.
func NewHandler(upstreams *dispatch.Set, store ratelimit.Store, routes *route.Table, actors *scan.ActorTable, logger *slog.Logger) *Handler {
	h := &Handler{
		upstreams: upstreams,
		store:     store,
		routes:    routes,
		actors:    actors,
		logger:    logger,
		mux:       http.NewServeMux(),
	}
	h.mux.HandleFunc("GET /diagnostics/breakers", h.handleBreakers)
	h.mux.HandleFunc("GET /diagnostics/limits", h.handleLimits)
	h.mux.HandleFunc("GET /diagnostics/routes", h.handleRoutes)
	h.mux.HandleFunc("GET /diagnostics/actors", h.handleActors)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleBreakers(w http.ResponseWriter, r *http.Request) {
	if h.upstreams == nil {
		respondError(w, http.StatusNotFound, "no upstreams configured")
		return
	}
	respondJSON(w, http.StatusOK, h.upstreams.BreakerSnapshots())
}

func (h *Handler) handleLimits(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		respondError(w, http.StatusNotFound, "no counter store configured")
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		respondError(w, http.StatusBadRequest, "missing key parameter")
		return
	}
	view, err := h.store.Peek(r.Context(), key)
	if err != nil {
		h.logger.Warn("limit peek failed", "key", key, "error", err)
		respondError(w, http.StatusBadGateway, "counter store unavailable")
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// routeInfo is the wire shape of one route table entry.
type routeInfo struct {
	Template      string   `json:"template"`
	Methods       []string `json:"methods,omitempty"`
	Upstream      string   `json:"upstream"`
	RequiredRoles []string `json:"required_roles,omitempty"`
	RatePolicy    string   `json:"rate_policy,omitempty"`
	Public        bool     `json:"public,omitempty"`
	Condition     string   `json:"condition,omitempty"`
}

func (h *Handler) handleRoutes(w http.ResponseWriter, r *http.Request) {
	if h.routes == nil {
		respondError(w, http.StatusNotFound, "no route table configured")
		return
	}
	routes := h.routes.Routes()
	out := make([]routeInfo, 0, len(routes))
	for _, rt := range routes {
		out = append(out, routeInfo{
			Template:      rt.Template,
			Methods:       rt.Methods,
			Upstream:      rt.Upstream,
			RequiredRoles: rt.RequiredRoles,
			RatePolicy:    rt.RatePolicy,
			Public:        rt.Public,
			Condition:     rt.Condition,
		})
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *Handler) handleActors(w http.ResponseWriter, r *http.Request) {
	if h.actors == nil {
		respondError(w, http.StatusNotFound, "actor tracking disabled")
		return
	}
	respondJSON(w, http.StatusOK, h.actors.Snapshot())
}
