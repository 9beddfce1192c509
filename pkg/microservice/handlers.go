package microservice

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/illmade-knight/go-batchresolver/pkg/resolver"
	"github.com/rs/zerolog"
)

// ResolverAPI is the part of a string-keyed resolver the HTTP handlers use.
type ResolverAPI[V any] interface {
	LoadMany(ctx context.Context, keys []string) (map[string]V, map[string]error)
	Get(key string) (resolver.Entry[string, V], bool)
	ClearCache(keys ...string) error
	RefreshCache(keys ...string) error
}

// ResolveResult is the outcome for one identifier of a /resolve call.
type ResolveResult[V any] struct {
	Status string `json:"status"`
	Value  *V     `json:"value,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ResolveResponse is the body of a /resolve call, keyed by identifier.
type ResolveResponse[V any] struct {
	Results map[string]ResolveResult[V] `json:"results"`
}

// EntryResponse describes one cached identifier.
type EntryResponse[V any] struct {
	ID        string     `json:"id"`
	Status    string     `json:"status"`
	Value     *V         `json:"value,omitempty"`
	Error     string     `json:"error,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// CacheRequest is the optional body of the cache-control endpoints. No ids
// means every identifier.
type CacheRequest struct {
	IDs []string `json:"ids"`
}

// ResolverHandlers serves lookups and cache control for a resolver.
type ResolverHandlers[V any] struct {
	api            ResolverAPI[V]
	logger         zerolog.Logger
	resolveTimeout time.Duration
}

// NewResolverHandlers creates handlers. A non-positive resolveTimeout leaves
// /resolve bounded only by the request context.
func NewResolverHandlers[V any](api ResolverAPI[V], resolveTimeout time.Duration, logger zerolog.Logger) *ResolverHandlers[V] {
	return &ResolverHandlers[V]{
		api:            api,
		logger:         logger.With().Str("component", "ResolverHandlers").Logger(),
		resolveTimeout: resolveTimeout,
	}
}

// Register adds the resolver routes to mux.
func (h *ResolverHandlers[V]) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /resolve", h.resolve)
	mux.HandleFunc("GET /entries/{id}", h.entry)
	mux.HandleFunc("POST /cache/clear", h.cacheControl(h.api.ClearCache))
	mux.HandleFunc("POST /cache/refresh", h.cacheControl(h.api.RefreshCache))
}

func (h *ResolverHandlers[V]) resolve(w http.ResponseWriter, r *http.Request) {
	ids := r.URL.Query()["id"]
	if len(ids) == 0 {
		http.Error(w, "missing id query parameter", http.StatusBadRequest)
		return
	}
	for _, id := range ids {
		if id == "" {
			http.Error(w, "id must not be empty", http.StatusBadRequest)
			return
		}
	}

	ctx := r.Context()
	if h.resolveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.resolveTimeout)
		defer cancel()
	}

	values, errs := h.api.LoadMany(ctx, ids)
	resp := ResolveResponse[V]{Results: make(map[string]ResolveResult[V], len(ids))}
	for id, v := range values {
		resp.Results[id] = ResolveResult[V]{Status: resolver.StatusResolved.String(), Value: &v}
	}
	for id, err := range errs {
		if errors.Is(err, resolver.ErrClosed) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			if e, ok := h.api.Get(id); ok && e.Status == resolver.StatusPending {
				resp.Results[id] = ResolveResult[V]{Status: resolver.StatusPending.String()}
				continue
			}
		}
		resp.Results[id] = ResolveResult[V]{Status: resolver.StatusFailed.String(), Error: err.Error()}
	}
	h.logger.Debug().Int("requested", len(ids)).Int("failed", len(errs)).Msg("Resolve request served.")
	writeJSON(w, http.StatusOK, resp, h.logger)
}

func (h *ResolverHandlers[V]) entry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	e, ok := h.api.Get(id)
	if !ok {
		http.Error(w, "identifier not registered", http.StatusNotFound)
		return
	}

	resp := EntryResponse[V]{ID: id, Status: e.Status.String()}
	switch e.Status {
	case resolver.StatusResolved:
		v := e.Value
		resp.Value = &v
	case resolver.StatusFailed:
		resp.Error = e.Err.Error()
	}
	if !e.UpdatedAt.IsZero() {
		t := e.UpdatedAt
		resp.UpdatedAt = &t
	}
	writeJSON(w, http.StatusOK, resp, h.logger)
}

func (h *ResolverHandlers[V]) cacheControl(op func(keys ...string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CacheRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		for _, id := range req.IDs {
			if id == "" {
				http.Error(w, "ids must not be empty", http.StatusBadRequest)
				return
			}
		}
		if err := op(req.IDs...); err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func statusFor(err error) int {
	if errors.Is(err, resolver.ErrClosed) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, body any, logger zerolog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error().Err(err).Msg("Failed to write response body.")
	}
}
