// Package handler provides the HTTP handlers of the orset admin API.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/devrev/orset/internal/client"
	"github.com/devrev/orset/internal/middleware"
	"github.com/devrev/orset/internal/model"
)

// SetClient is the part of client.Client the handlers use
type SetClient interface {
	ClusterID() string
	Topology() *model.Topology
	Add(ctx context.Context, value string) error
	Remove(ctx context.Context, value string) error
	Lookup(ctx context.Context, value string) (bool, error)
	Clear(ctx context.Context) error
	PullUpdates(ctx context.Context, remoteClusterID string, opts client.PullOptions) (*client.UpdateStats, error)
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	client      SetClient
	pullOptions client.PullOptions
	timeout     time.Duration
	logger      *zap.Logger
}

// NewHandlers creates a new Handlers instance. timeout bounds single value
// operations; pulls run under the request context only.
func NewHandlers(c SetClient, pullOptions client.PullOptions, timeout time.Duration, logger *zap.Logger) *Handlers {
	return &Handlers{
		client:      c,
		pullOptions: pullOptions,
		timeout:     timeout,
		logger:      logger,
	}
}

// ValueResponse is returned by the value endpoints
type ValueResponse struct {
	Status    string `json:"status"`
	ClusterID string `json:"cluster_id"`
	Value     string `json:"value"`
	Present   *bool  `json:"present,omitempty"`
}

// PullResponse is returned by POST /v1/pull/{cluster_id}
type PullResponse struct {
	Status          string  `json:"status"`
	ClusterID       string  `json:"cluster_id"`
	RemoteClusterID string  `json:"remote_cluster_id"`
	Rounds          int     `json:"rounds,omitempty"`
	FetchedElements int     `json:"fetched_elements"`
	AppliedElements int     `json:"applied_elements"`
	FailedApplies   int     `json:"failed_applies"`
	FetchMillis     float64 `json:"fetch_ms"`
	ApplyMillis     float64 `json:"apply_ms"`
	TotalMillis     float64 `json:"total_ms"`
}

// TopologyResponse is returned by GET /v1/topology
type TopologyResponse struct {
	ClusterID string                `json:"cluster_id"`
	Stores    []model.TopologyEntry `json:"stores"`
}

// AddValue handles PUT /v1/values/{value}.
func (h *Handlers) AddValue(w http.ResponseWriter, r *http.Request) {
	value := mux.Vars(r)["value"]

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.client.Add(ctx, value); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, ValueResponse{Status: "added", ClusterID: h.client.ClusterID(), Value: value})
}

// RemoveValue handles DELETE /v1/values/{value}.
func (h *Handlers) RemoveValue(w http.ResponseWriter, r *http.Request) {
	value := mux.Vars(r)["value"]

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.client.Remove(ctx, value); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, ValueResponse{Status: "removed", ClusterID: h.client.ClusterID(), Value: value})
}

// LookupValue handles GET /v1/values/{value}.
func (h *Handlers) LookupValue(w http.ResponseWriter, r *http.Request) {
	value := mux.Vars(r)["value"]

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	present, err := h.client.Lookup(ctx, value)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, ValueResponse{Status: "ok", ClusterID: h.client.ClusterID(), Value: value, Present: &present})
}

// Pull handles POST /v1/pull/{cluster_id}.
func (h *Handlers) Pull(w http.ResponseWriter, r *http.Request) {
	remote := mux.Vars(r)["cluster_id"]

	stats, err := h.client.PullUpdates(r.Context(), remote, h.pullOptions)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	resp := PullResponse{Status: "noop", ClusterID: h.client.ClusterID(), RemoteClusterID: remote}
	if stats != nil {
		resp.Status = "pulled"
		resp.Rounds = stats.Rounds
		resp.FetchedElements = stats.TotalFetched
		resp.AppliedElements = stats.TotalApplied
		resp.FailedApplies = stats.FailedApplies
		resp.FetchMillis = millis(stats.FetchDuration)
		resp.ApplyMillis = millis(stats.ApplyDuration)
		resp.TotalMillis = millis(stats.TotalDuration)
	}
	h.writeJSONResponse(w, http.StatusOK, resp)
}

// Clear handles POST /v1/clear.
func (h *Handlers) Clear(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.client.Clear(ctx); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, map[string]string{"status": "cleared", "cluster_id": h.client.ClusterID()})
}

// Topology handles GET /v1/topology.
func (h *Handlers) Topology(w http.ResponseWriter, r *http.Request) {
	topo := h.client.Topology()
	if topo == nil {
		h.writeErrorResponse(w, http.StatusPreconditionFailed, ErrorCodeNotBooted, "client is not booted", middleware.GetRequestID(r.Context()))
		return
	}
	h.writeJSONResponse(w, http.StatusOK, TopologyResponse{ClusterID: h.client.ClusterID(), Stores: topo.Entries()})
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
