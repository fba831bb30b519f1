package server

import (
	"encoding/json"
	"net/http"

	"github.com/quckapp/presence/internal/presence"
)

// NewHTTPHandler returns an http.Handler with all routes registered.
// When authToken is non-empty, requests (except GET /v1/health and the
// realtime websocket, which authenticates with its own JWT) must include a
// valid Authorization: Bearer <token> header.
func (s *Server) NewHTTPHandler(authToken string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status/{user}", s.handleGetStatus)
	mux.HandleFunc("GET /v1/cluster/nodes", s.handleClusterNodes)
	mux.HandleFunc("GET /v1/events/stream", s.handleEventStream)
	mux.HandleFunc("GET /v1/realtime", s.handleRealtime)
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	return AuthMiddleware(authToken, mux)
}

// handleGetStatus handles GET /v1/status/{user}. Users the cluster has never
// seen report as "unknown" rather than an error.
func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user")
	resp := map[string]any{
		"user_id": userID,
		"status":  string(presence.StatusUnknown),
	}
	if st, lastSeen, ok := s.reg.GetStatus(userID); ok {
		resp["status"] = string(st)
		resp["connections"] = s.reg.LocalConnections(userID)
		if !lastSeen.IsZero() {
			resp["last_seen"] = lastSeen.UTC()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleClusterNodes handles GET /v1/cluster/nodes.
func (s *Server) handleClusterNodes(w http.ResponseWriter, _ *http.Request) {
	nodes := s.membership.Nodes()
	writeJSON(w, http.StatusOK, map[string]any{
		"self":     s.nodeID,
		"degraded": s.membership.Degraded(),
		"nodes":    nodes,
	})
}

// handleHealth handles GET /v1/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"node_id": s.nodeID,
		"users":   s.reg.Len(),
	}

	if s.health.Backplane != nil {
		connected, lastErr := s.health.Backplane()
		bp := map[string]any{"connected": connected}
		if lastErr != nil {
			bp["error"] = lastErr.Error()
		}
		resp["backplane"] = bp
		if !connected {
			resp["status"] = "degraded"
		}
	}

	if s.membership != nil {
		resp["cluster"] = map[string]any{
			"degraded":   s.membership.Degraded(),
			"live_nodes": s.membership.LiveNodes(),
		}
		if s.membership.Degraded() {
			resp["status"] = "degraded"
		}
	}

	if s.health.IngestLag != nil {
		ingest := map[string]any{}
		if lag, err := s.health.IngestLag(r.Context()); err == nil {
			ingest["lag"] = lag
		} else {
			ingest["error"] = err.Error()
		}
		if s.health.IngestSkipped != nil {
			ingest["skipped"] = s.health.IngestSkipped()
		}
		resp["ingest"] = ingest
	}

	writeJSON(w, http.StatusOK, resp)
}

// StatusOrUnknown answers a single status lookup, shared between the HTTP
// handler and the NATS request-reply responder.
func (s *Server) StatusOrUnknown(userID string) string {
	if st, _, ok := s.reg.GetStatus(userID); ok {
		return string(st)
	}
	return string(presence.StatusUnknown)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
