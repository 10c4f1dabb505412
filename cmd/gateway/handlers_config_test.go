package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yuan-cloud/resofleur/pkg/models"
)

func TestCreateConfigBecomesSoleActive(t *testing.T) {
	env := newTestEnv(t)
	u, token := env.seedUser(t, "vj@test.com", "Secret123!")
	env.users.mu.Lock()
	pro := env.users.users[u.ID]
	pro.SubscriptionTier = models.TierPro
	env.users.users[u.ID] = pro
	env.users.mu.Unlock()

	rec := env.do(t, http.MethodPost, "/api/resolume/config", token, map[string]interface{}{
		"name": "studio", "host": "abc.ngrok.io", "port": 443,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var first models.Configuration
	decodeJSON(t, rec, &first)
	if !first.IsActive {
		t.Fatal("new configuration should be active")
	}

	rec = env.do(t, http.MethodPost, "/api/resolume/config", token, map[string]interface{}{
		"name": "club", "host": "def.ngrok.io", "port": 8080,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("second create: expected 201, got %d", rec.Code)
	}
	var second models.Configuration
	decodeJSON(t, rec, &second)

	active, err := env.configs.GetActive(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if active.ID != second.ID {
		t.Fatalf("expected second config active, got %s", active.Name)
	}
	configs, _ := env.configs.List(context.Background(), u.ID)
	activeCount := 0
	for _, c := range configs {
		if c.IsActive {
			activeCount++
		}
	}
	if activeCount != 1 {
		t.Fatalf("expected exactly one active config, got %d", activeCount)
	}
}

func TestCreateConfigDefaultsPort443(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.seedUser(t, "vj@test.com", "Secret123!")

	rec := env.do(t, http.MethodPost, "/api/resolume/config", token, map[string]interface{}{
		"name": "tunnel", "host": "abc.ngrok.io",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var cfg models.Configuration
	decodeJSON(t, rec, &cfg)
	if cfg.Port != 443 {
		t.Fatalf("expected default port 443, got %d", cfg.Port)
	}
}

func TestCreateConfigFreeTierLimit(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.seedUser(t, "free@test.com", "Secret123!")

	rec := env.do(t, http.MethodPost, "/api/resolume/config", token, map[string]interface{}{
		"name": "one", "host": "abc.ngrok.io",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("first create: expected 201, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/api/resolume/config", token, map[string]interface{}{
		"name": "two", "host": "def.ngrok.io",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 at free tier limit, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetActiveConfigEmptyObjectWhenNone(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.seedUser(t, "vj@test.com", "Secret123!")

	rec := env.do(t, http.MethodGet, "/api/resolume/config", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := rec.Body.String(); body != "{}\n" && body != "{}" {
		t.Fatalf("expected empty object, got %q", body)
	}
}

func TestCrossUserConfigAccessIs404(t *testing.T) {
	env := newTestEnv(t)
	owner, _ := env.seedUser(t, "owner@test.com", "Secret123!")
	_, otherToken := env.seedUser(t, "other@test.com", "Secret123!")

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	cfg := env.seedConfig(t, owner.ID, srv)

	rec := env.do(t, http.MethodDelete, "/api/resolume/config/"+cfg.ID, otherToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("cross-user delete: expected 404, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodPut, "/api/resolume/config/"+cfg.ID+"/activate", otherToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("cross-user activate: expected 404, got %d", rec.Code)
	}
	// The record must still exist for its owner.
	if _, err := env.configs.GetActive(context.Background(), owner.ID); err != nil {
		t.Fatalf("owner lost their config: %v", err)
	}
}

func TestStatusNeverErrors(t *testing.T) {
	env := newTestEnv(t)
	u, token := env.seedUser(t, "vj@test.com", "Secret123!")

	// No configuration at all.
	rec := env.do(t, http.MethodGet, "/api/resolume/status", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("no config: expected 200, got %d", rec.Code)
	}
	var status models.StatusResponse
	decodeJSON(t, rec, &status)
	if status.Connected || status.Message == "" {
		t.Fatalf("unexpected status: %+v", status)
	}

	// Reachable remote.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	env.seedConfig(t, u.ID, srv)
	rec = env.do(t, http.MethodGet, "/api/resolume/status", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reachable: expected 200, got %d", rec.Code)
	}
	decodeJSON(t, rec, &status)
	if !status.Connected || status.Config == nil {
		t.Fatalf("expected connected status, got %+v", status)
	}

	// Unreachable remote: still 200, connected=false.
	srv.Close()
	rec = env.do(t, http.MethodGet, "/api/resolume/status", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unreachable: expected 200, got %d", rec.Code)
	}
	decodeJSON(t, rec, &status)
	if status.Connected {
		t.Fatal("expected connected=false for unreachable remote")
	}
}

func TestStatusMessageWithoutConfiguration(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.seedUser(t, "vj@test.com", "Secret123!")

	rec := env.do(t, http.MethodGet, "/api/resolume/status", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var status models.StatusResponse
	decodeJSON(t, rec, &status)
	if status.Message != "No configuration set" {
		t.Fatalf("unexpected message %q", status.Message)
	}
}

func TestStatusProbeMemoized(t *testing.T) {
	env := newTestEnv(t)
	u, token := env.seedUser(t, "vj@test.com", "Secret123!")
	env.server.StatusProbeTTL = time.Minute

	var probes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		probes.Add(1)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()
	env.seedConfig(t, u.ID, srv)

	for i := 0; i < 3; i++ {
		rec := env.do(t, http.MethodGet, "/api/resolume/status", token, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("call %d: expected 200, got %d", i, rec.Code)
		}
		var status models.StatusResponse
		decodeJSON(t, rec, &status)
		if !status.Connected {
			t.Fatalf("call %d: expected connected status", i)
		}
	}
	if n := probes.Load(); n != 1 {
		t.Fatalf("expected a single upstream probe within the TTL, got %d", n)
	}
}

func TestScenesCRUD(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.seedUser(t, "vj@test.com", "Secret123!")
	_, otherToken := env.seedUser(t, "other@test.com", "Secret123!")

	rec := env.do(t, http.MethodPost, "/api/resolume/scenes", token, map[string]interface{}{
		"name":  "drop",
		"state": map[string]interface{}{"bpm": 140, "layers": []int{1, 2}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create scene: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var scene models.PresetScene
	decodeJSON(t, rec, &scene)

	rec = env.do(t, http.MethodGet, "/api/resolume/scenes", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list scenes: expected 200, got %d", rec.Code)
	}
	var scenes []models.PresetScene
	decodeJSON(t, rec, &scenes)
	if len(scenes) != 1 || scenes[0].Name != "drop" {
		t.Fatalf("unexpected scenes: %+v", scenes)
	}

	rec = env.do(t, http.MethodDelete, "/api/resolume/scenes/"+scene.ID, otherToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("cross-user scene delete: expected 404, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodDelete, "/api/resolume/scenes/"+scene.ID, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("scene delete: expected 200, got %d", rec.Code)
	}
}

func TestSceneValidation(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.seedUser(t, "vj@test.com", "Secret123!")

	rec := env.do(t, http.MethodPost, "/api/resolume/scenes", token, map[string]interface{}{
		"state": map[string]int{"bpm": 120},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing name: expected 400, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/api/resolume/scenes", token, map[string]interface{}{
		"name": "empty",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing state: expected 400, got %d", rec.Code)
	}
}
