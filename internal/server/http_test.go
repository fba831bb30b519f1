package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/quckapp/presence/internal/cluster"
	"github.com/quckapp/presence/internal/gatekeeper"
	"github.com/quckapp/presence/internal/presence"
)

func newTestServer(t *testing.T) (*Server, *presence.Registry) {
	t.Helper()
	reg := presence.New(presence.Config{NodeID: "node-a"})
	reaper := presence.NewReaper(reg, presence.ReaperConfig{Grace: 50 * time.Millisecond})
	t.Cleanup(reaper.Stop)
	membership := cluster.New(cluster.Config{NodeID: "node-a"})
	gate := gatekeeper.NewVerifier("test-secret", "quckapp-auth")
	return New("node-a", reg, membership, gate), reg
}

func doRequest(t *testing.T, handler http.Handler, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleGetStatus_KnownUser(t *testing.T) {
	srv, reg := newTestServer(t)
	reg.Connect("alice")
	handler := srv.NewHTTPHandler("")

	rec := doRequest(t, handler, "GET", "/v1/status/alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		UserID      string `json:"user_id"`
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Status != "online" || resp.Connections != 1 {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestHandleGetStatus_UnknownUserFallsBackToUnknown(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.NewHTTPHandler("")

	rec := doRequest(t, handler, "GET", "/v1/status/nobody", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Status != "unknown" {
		t.Errorf("expected unknown, got %s", resp.Status)
	}
}

func TestHandleHealth_Ok(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.NewHTTPHandler("")

	rec := doRequest(t, handler, "GET", "/v1/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Status string `json:"status"`
		NodeID string `json:"node_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Status != "ok" || resp.NodeID != "node-a" {
		t.Errorf("unexpected health: %+v", resp)
	}
}

func TestHandleHealth_DegradedWhenBackplaneDown(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.SetHealthSources(HealthSources{
		Backplane: func() (bool, error) { return false, errors.New("connection refused") },
	})
	handler := srv.NewHTTPHandler("")

	rec := doRequest(t, handler, "GET", "/v1/health", nil)

	var resp struct {
		Status    string `json:"status"`
		Backplane struct {
			Connected bool   `json:"connected"`
			Error     string `json:"error"`
		} `json:"backplane"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Status != "degraded" {
		t.Errorf("expected degraded, got %s", resp.Status)
	}
	if resp.Backplane.Connected || resp.Backplane.Error == "" {
		t.Errorf("unexpected backplane health: %+v", resp.Backplane)
	}
}

func TestHandleHealth_ReportsIngestLag(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.SetHealthSources(HealthSources{
		IngestLag:     func(context.Context) (uint64, error) { return 42, nil },
		IngestSkipped: func() int64 { return 7 },
	})
	handler := srv.NewHTTPHandler("")

	rec := doRequest(t, handler, "GET", "/v1/health", nil)

	var resp struct {
		Ingest struct {
			Lag     uint64 `json:"lag"`
			Skipped int64  `json:"skipped"`
		} `json:"ingest"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Ingest.Lag != 42 || resp.Ingest.Skipped != 7 {
		t.Errorf("unexpected ingest health: %+v", resp.Ingest)
	}
}

func TestHandleClusterNodes(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.NewHTTPHandler("")

	rec := doRequest(t, handler, "GET", "/v1/cluster/nodes", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Self  string            `json:"self"`
		Nodes []json.RawMessage `json:"nodes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Self != "node-a" || len(resp.Nodes) != 1 {
		t.Errorf("unexpected cluster view: self=%s nodes=%d", resp.Self, len(resp.Nodes))
	}
}

func TestAuthMiddleware_RejectsMissingToken(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.NewHTTPHandler("secret")

	rec := doRequest(t, handler, "GET", "/v1/status/alice", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthMiddleware_AcceptsBearerToken(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.NewHTTPHandler("secret")

	rec := doRequest(t, handler, "GET", "/v1/status/alice", map[string]string{
		"Authorization": "Bearer secret",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAuthMiddleware_WrongToken(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.NewHTTPHandler("secret")

	rec := doRequest(t, handler, "GET", "/v1/status/alice", map[string]string{
		"Authorization": "Bearer wrong",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthMiddleware_HealthIsExempt(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.NewHTTPHandler("secret")

	rec := doRequest(t, handler, "GET", "/v1/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for unauthenticated health check, got %d", rec.Code)
	}
}

func TestHandleRealtime_RejectsBadToken(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.NewHTTPHandler("")

	rec := doRequest(t, handler, "GET", "/v1/realtime?token=garbage", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid JWT, got %d", rec.Code)
	}
}

func TestStatusOrUnknown(t *testing.T) {
	srv, reg := newTestServer(t)

	if got := srv.StatusOrUnknown("alice"); got != "unknown" {
		t.Errorf("expected unknown, got %s", got)
	}
	reg.Connect("alice")
	if got := srv.StatusOrUnknown("alice"); got != "online" {
		t.Errorf("expected online, got %s", got)
	}
}
