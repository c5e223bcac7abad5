package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mrehwald/bigbluebutton-mr/internal/config"
	"github.com/mrehwald/bigbluebutton-mr/internal/screenshare"
)

func TestHealthEndpoint(t *testing.T) {
	cfg := &config.Config{Mode: "release"}
	router := SetupRouter(cfg, screenshare.NewManager(cfg, nil, nil))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestSessionsEndpointEmpty(t *testing.T) {
	cfg := &config.Config{Mode: "release"}
	router := SetupRouter(cfg, screenshare.NewManager(cfg, nil, nil))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Count    int               `json:"count"`
		Sessions []json.RawMessage `json:"sessions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body.Count != 0 || len(body.Sessions) != 0 {
		t.Errorf("expected an empty snapshot, got %s", w.Body.String())
	}
}
