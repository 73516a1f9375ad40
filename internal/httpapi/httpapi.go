// Package httpapi implements the PRFC Operational HTTP Surface (C12,
// spec §4.13): read-only controller-state/health/metrics routes plus the
// two fault-injection POSTs named in spec §6. Grounded on the teacher's
// cli/cmd/ariadne main.go, which wires `http.NewServeMux` +
// `http.Server` with context-driven graceful shutdown for its own
// metrics/health endpoints — generalized here from ad-hoc inline
// handlers into a standalone, testable package.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/relaygrid/prfc/internal/errorsx"
	"github.com/relaygrid/prfc/internal/registry"
)

// PathSnapshot is one entry of StateSnapshot.Paths (spec §6 "paths: [...]").
type PathSnapshot struct {
	PathID              int                `json:"pathId"`
	NodeIDs             []int              `json:"nodeIds"`
	Ewma                float64            `json:"ewma"`
	Slope               float64            `json:"slope"`
	LoadPercentage      float64            `json:"loadPercentage"`
	OptimalDistribution float64            `json:"optimalDistribution"`
	Status              registry.Status    `json:"status"`
}

// NodeHealthSnapshot is one entry of StateSnapshot.NodeHealth.
type NodeHealthSnapshot struct {
	NodeID    int     `json:"nodeId"`
	CPU       float64 `json:"cpu"`
	BufferPct float64 `json:"bufferPct"`
	TsMs      int64   `json:"ts"`
}

// StateSnapshot is the controller-state read endpoint's response shape
// (spec §6: "{ ewma, slope, windowSize, thresholds, nodeHealth, paths,
// activePath, backupPath, mode }"), copied out of controller state under
// lock before serialization per spec §4.13.
type StateSnapshot struct {
	Ewma       float64              `json:"ewma"`
	Slope      float64              `json:"slope"`
	WindowSize int                  `json:"windowSize"`
	Thresholds registry.Thresholds  `json:"thresholds"`
	NodeHealth []NodeHealthSnapshot `json:"nodeHealth"`
	Paths      []PathSnapshot       `json:"paths"`
	ActivePath int                  `json:"activePath"`
	BackupPath int                  `json:"backupPath"`
	Mode       string               `json:"mode"`
}

// StateProvider is implemented by the controller and supplies everything
// this surface needs, without httpapi importing the controller package
// (avoids a cycle: controller imports httpapi to start the server).
type StateProvider interface {
	Snapshot() StateSnapshot
	Ready() bool
	InjectNodeLatencyFault(nodeID int, latencyMs float64) error
	RemoveNodeLatencyFault(nodeID int) error
}

// Server wires StateProvider into a *http.ServeMux. metricsHandler may be
// nil if the active metrics backend has no scrape endpoint (noop/OTel).
type Server struct {
	provider       StateProvider
	metricsHandler http.Handler
	mux            *http.ServeMux
}

// New constructs a Server with all routes registered.
func New(provider StateProvider, metricsHandler http.Handler) *Server {
	s := &Server{provider: provider, metricsHandler: metricsHandler, mux: http.NewServeMux()}
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.HandleFunc("/readyz", s.handleReadyz)
	s.mux.HandleFunc("/state", s.handleState)
	s.mux.HandleFunc("/metrics", s.handleMetrics)
	s.mux.HandleFunc("/faults/inject-node-latency", s.handleInjectFault)
	s.mux.HandleFunc("/faults/remove-node-latency", s.handleRemoveFault)
	return s
}

// Handler returns the underlying http.Handler for use with http.Server.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.provider.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	snap := s.provider.Snapshot()
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metricsHandler == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "metrics backend has no scrape endpoint"})
		return
	}
	s.metricsHandler.ServeHTTP(w, r)
}

type faultRequest struct {
	VirtualNodeID int     `json:"virtualNodeId"`
	LatencyMs     float64 `json:"latencyMs"`
}

func (s *Server) handleInjectFault(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
		return
	}
	var req faultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	if err := s.provider.InjectNodeLatencyFault(req.VirtualNodeID, req.LatencyMs); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "injected"})
}

func (s *Server) handleRemoveFault(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
		return
	}
	var req faultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	if err := s.provider.RemoveNodeLatencyFault(req.VirtualNodeID); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errorsx.Is(err, errorsx.KindUnknownNode) {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// Serve runs an *http.Server bound to addr with s as its handler,
// shutting down gracefully when ctx is cancelled (grounded on the
// teacher's cli/cmd/ariadne context-driven shutdown goroutines).
func Serve(ctx context.Context, addr string, s *Server) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
