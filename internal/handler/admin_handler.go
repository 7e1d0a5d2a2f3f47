// Package handler serves the hive admin HTTP API.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	hiveerrors "github.com/britt/hivedb-sub003/internal/errors"
	"github.com/britt/hivedb-sub003/internal/migration"
	"github.com/britt/hivedb-sub003/internal/model"
	"github.com/britt/hivedb-sub003/internal/service"
	"github.com/britt/hivedb-sub003/internal/stats"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Dimension groups the services of one partition dimension.
type Dimension struct {
	Index    *service.IndexService
	Balance  *service.BalanceService
	Migrator migration.Executor
}

// NodeStore reads nodes and sets their write lock. *store.NodeCache
// implements it, so a lock change is visible to the write path at once.
type NodeStore interface {
	GetNode(ctx context.Context, nodeID int) (*model.Node, error)
	UpdateNodeReadOnly(ctx context.Context, nodeID int, readOnly bool) error
}

// ErrorResponse is the body of every failed admin request.
type ErrorResponse struct {
	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	Phase     string `json:"phase,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// NodeResponse describes one node.
type NodeResponse struct {
	ID       int     `json:"id"`
	Name     string  `json:"name"`
	URI      string  `json:"uri"`
	Capacity float64 `json:"capacity"`
	ReadOnly bool    `json:"read_only"`
}

// KeyNodesResponse lists the nodes of a primary index key.
type KeyNodesResponse struct {
	Dimension       string         `json:"dimension"`
	PrimaryIndexKey any            `json:"primary_index_key"`
	Nodes           []NodeResponse `json:"nodes"`
}

// MigrateRequest is the body of a manual migration.
type MigrateRequest struct {
	DestinationNodeIDs []int `json:"destination_node_ids"`
}

// ReadOnlyRequest sets or clears a key or node lock.
type ReadOnlyRequest struct {
	ReadOnly *bool `json:"read_only"`
}

// PlanResponse is a balancing plan.
type PlanResponse struct {
	Dimension  string             `json:"dimension"`
	Enqueued   bool               `json:"enqueued"`
	Migrations []*model.Migration `json:"migrations"`
}

// AdminHandler handles admin API requests.
type AdminHandler struct {
	dimensions map[string]*Dimension
	nodes      NodeStore
	counters   *stats.Registry
	timeout    time.Duration
	logger     *zap.Logger
}

// NewAdminHandler creates an admin handler over the given dimensions, keyed by name
func NewAdminHandler(dimensions map[string]*Dimension, nodes NodeStore, counters *stats.Registry, timeout time.Duration, logger *zap.Logger) *AdminHandler {
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	return &AdminHandler{
		dimensions: dimensions,
		nodes:      nodes,
		counters:   counters,
		timeout:    timeout,
		logger:     logger,
	}
}

// Register mounts the admin routes on router.
func (h *AdminHandler) Register(router *mux.Router) {
	router.Use(Recovery(h.logger), RequestID, Logging(h.logger))

	router.HandleFunc("/counters", h.Counters).Methods(http.MethodGet)
	router.HandleFunc("/dimensions", h.ListDimensions).Methods(http.MethodGet)
	router.HandleFunc("/nodes/{node}/read-only", h.UpdateNodeReadOnly).Methods(http.MethodPut)

	dim := router.PathPrefix("/dimensions/{dimension}").Subrouter()
	dim.HandleFunc("/plan", h.Plan).Methods(http.MethodGet)
	dim.HandleFunc("/balance", h.Balance).Methods(http.MethodPost)
	dim.HandleFunc("/keys/{key}/nodes", h.GetKeyNodes).Methods(http.MethodGet)
	dim.HandleFunc("/keys/{key}/read-only", h.UpdateKeyReadOnly).Methods(http.MethodPut)
	dim.HandleFunc("/keys/{key}/migrate", h.MigrateKey).Methods(http.MethodPost)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.writeError(w, r, hiveerrors.NewHiveError(hiveerrors.ErrCodeInvalidArgument, "endpoint not found", nil), http.StatusNotFound)
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.writeError(w, r, hiveerrors.NewHiveError(hiveerrors.ErrCodeInvalidArgument, "method not allowed", nil), http.StatusMethodNotAllowed)
	})
}

// Counters handles GET /counters.
func (h *AdminHandler) Counters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.counters.Snapshot(), h.logger)
}

// ListDimensions handles GET /dimensions.
func (h *AdminHandler) ListDimensions(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.dimensions))
	for name := range h.dimensions {
		names = append(names, name)
	}
	sort.Strings(names)
	writeJSON(w, http.StatusOK, map[string][]string{"dimensions": names}, h.logger)
}

// GetKeyNodes handles GET /dimensions/{dimension}/keys/{key}/nodes.
func (h *AdminHandler) GetKeyNodes(w http.ResponseWriter, r *http.Request) {
	dim, key, err := h.resolveKey(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	nodes, err := dim.Index.GetNodesOfPrimaryIndexKey(r.Context(), key)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	resp := KeyNodesResponse{
		Dimension:       dim.Index.Dimension().Name,
		PrimaryIndexKey: key,
		Nodes:           make([]NodeResponse, 0, len(nodes)),
	}
	for _, n := range nodes {
		resp.Nodes = append(resp.Nodes, NodeResponse{ID: n.ID, Name: n.Name, URI: n.URI, Capacity: n.Capacity, ReadOnly: n.ReadOnly})
	}
	writeJSON(w, http.StatusOK, resp, h.logger)
}

// UpdateKeyReadOnly handles PUT /dimensions/{dimension}/keys/{key}/read-only.
// It is how an operator clears a lock left behind by an interrupted migration.
func (h *AdminHandler) UpdateKeyReadOnly(w http.ResponseWriter, r *http.Request) {
	dim, key, err := h.resolveKey(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	var req ReadOnlyRequest
	if err := decode(r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}
	if req.ReadOnly == nil {
		h.handleError(w, r, hiveerrors.InvalidArgument("read_only is required", nil))
		return
	}
	if err := dim.Index.UpdatePrimaryIndexKeyReadOnly(r.Context(), key, *req.ReadOnly); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdateNodeReadOnly handles PUT /nodes/{node}/read-only and returns the node
// as the write path now sees it.
func (h *AdminHandler) UpdateNodeReadOnly(w http.ResponseWriter, r *http.Request) {
	if h.nodes == nil {
		h.handleError(w, r, hiveerrors.InvalidArgument("node administration is not configured", nil))
		return
	}
	nodeID, err := strconv.Atoi(mux.Vars(r)["node"])
	if err != nil {
		h.handleError(w, r, hiveerrors.InvalidArgument(fmt.Sprintf("invalid node id %q", mux.Vars(r)["node"]), err))
		return
	}
	var req ReadOnlyRequest
	if err := decode(r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}
	if req.ReadOnly == nil {
		h.handleError(w, r, hiveerrors.InvalidArgument("read_only is required", nil))
		return
	}
	if err := h.nodes.UpdateNodeReadOnly(r.Context(), nodeID, *req.ReadOnly); err != nil {
		h.handleError(w, r, err)
		return
	}
	n, err := h.nodes.GetNode(r.Context(), nodeID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.logger.Info("Node lock updated",
		zap.String("node", n.Name),
		zap.Bool("read_only", n.ReadOnly))
	writeJSON(w, http.StatusOK, NodeResponse{ID: n.ID, Name: n.Name, URI: n.URI, Capacity: n.Capacity, ReadOnly: n.ReadOnly}, h.logger)
}

// MigrateKey handles POST /dimensions/{dimension}/keys/{key}/migrate. The
// migration runs synchronously and outlives a disconnected client.
func (h *AdminHandler) MigrateKey(w http.ResponseWriter, r *http.Request) {
	dim, key, err := h.resolveKey(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	var req MigrateRequest
	if err := decode(r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}
	if len(req.DestinationNodeIDs) == 0 {
		h.handleError(w, r, hiveerrors.InvalidArgument("destination_node_ids is required", nil))
		return
	}
	if dim.Migrator == nil {
		h.handleError(w, r, hiveerrors.InvalidArgument(fmt.Sprintf("migrations are not configured for dimension %s", dim.Index.Dimension().Name), nil))
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.timeout)
	defer cancel()

	if err := dim.Migrator.Migrate(ctx, key, req.DestinationNodeIDs); err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"primary_index_key":    key,
		"destination_node_ids": req.DestinationNodeIDs,
	}, h.logger)
}

// Plan handles GET /dimensions/{dimension}/plan.
func (h *AdminHandler) Plan(w http.ResponseWriter, r *http.Request) {
	dim, err := h.resolveDimension(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	moves, err := dim.Balance.Plan(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PlanResponse{Dimension: dim.Index.Dimension().Name, Migrations: moves}, h.logger)
}

// Balance handles POST /dimensions/{dimension}/balance.
func (h *AdminHandler) Balance(w http.ResponseWriter, r *http.Request) {
	dim, err := h.resolveDimension(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	moves, err := dim.Balance.Balance(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, PlanResponse{Dimension: dim.Index.Dimension().Name, Enqueued: true, Migrations: moves}, h.logger)
}

func (h *AdminHandler) resolveDimension(r *http.Request) (*Dimension, error) {
	name := mux.Vars(r)["dimension"]
	dim, ok := h.dimensions[name]
	if !ok {
		return nil, hiveerrors.KeyNotFound("partition_dimension_metadata", name)
	}
	return dim, nil
}

func (h *AdminHandler) resolveKey(r *http.Request) (*Dimension, any, error) {
	dim, err := h.resolveDimension(r)
	if err != nil {
		return nil, nil, err
	}
	key, err := dim.Index.Dimension().ColumnType.ParseKey(mux.Vars(r)["key"])
	if err != nil {
		return nil, nil, hiveerrors.InvalidArgument(err.Error(), nil)
	}
	return dim, key, nil
}

func (h *AdminHandler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := hiveerrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Admin request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	h.writeError(w, r, err, status)
}

func (h *AdminHandler) writeError(w http.ResponseWriter, r *http.Request, err error, status int) {
	writeJSON(w, status, ErrorResponse{
		Status:    "error",
		ErrorCode: hiveerrors.GetCode(err).String(),
		Message:   err.Error(),
		Phase:     hiveerrors.Phase(err),
		RequestID: r.Header.Get("X-Request-ID"),
	}, h.logger)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return hiveerrors.InvalidArgument(fmt.Sprintf("invalid request body: %v", err), nil)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
	}
}
