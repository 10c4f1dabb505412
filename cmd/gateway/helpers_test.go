package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yuan-cloud/resofleur/pkg/audit"
	"github.com/yuan-cloud/resofleur/pkg/auth"
	"github.com/yuan-cloud/resofleur/pkg/metrics"
	"github.com/yuan-cloud/resofleur/pkg/models"
	"github.com/yuan-cloud/resofleur/pkg/resolume"
	"github.com/yuan-cloud/resofleur/pkg/store"
	"github.com/yuan-cloud/resofleur/pkg/stream"
)

const testJWTSecret = "unit-test-signing-secret"

type fakeUsers struct {
	mu    sync.Mutex
	users map[string]models.User // keyed by id
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{users: map[string]models.User{}}
}

func (f *fakeUsers) Create(ctx context.Context, u models.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.users {
		if existing.Email == u.Email {
			return store.ErrEmailTaken
		}
	}
	f.users[u.ID] = u
	return nil
}

func (f *fakeUsers) GetByEmail(ctx context.Context, email string) (models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Email == email {
			return u, nil
		}
	}
	return models.User{}, store.ErrNotFound
}

func (f *fakeUsers) GetByID(ctx context.Context, id string) (models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return models.User{}, store.ErrNotFound
	}
	return u, nil
}

type fakeConfigs struct {
	mu      sync.Mutex
	configs map[string]models.Configuration
}

func newFakeConfigs() *fakeConfigs {
	return &fakeConfigs{configs: map[string]models.Configuration{}}
}

func (f *fakeConfigs) List(ctx context.Context, userID string) ([]models.Configuration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Configuration
	for _, c := range f.configs {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeConfigs) GetActive(ctx context.Context, userID string) (models.Configuration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.configs {
		if c.UserID == userID && c.IsActive {
			return c, nil
		}
	}
	return models.Configuration{}, store.ErrNotFound
}

func (f *fakeConfigs) GetAnyActive(ctx context.Context) (models.Configuration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.configs {
		if c.IsActive {
			return c, nil
		}
	}
	return models.Configuration{}, store.ErrNotFound
}

func (f *fakeConfigs) Create(ctx context.Context, cfg models.Configuration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, c := range f.configs {
		if c.UserID == cfg.UserID {
			c.IsActive = false
			f.configs[id] = c
		}
	}
	cfg.IsActive = true
	f.configs[cfg.ID] = cfg
	return nil
}

func (f *fakeConfigs) Activate(ctx context.Context, userID, configID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	target, ok := f.configs[configID]
	if !ok || target.UserID != userID {
		return store.ErrNotFound
	}
	for id, c := range f.configs {
		if c.UserID == userID {
			c.IsActive = id == configID
			f.configs[id] = c
		}
	}
	return nil
}

func (f *fakeConfigs) Delete(ctx context.Context, userID, configID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.configs[configID]
	if !ok || c.UserID != userID {
		return store.ErrNotFound
	}
	delete(f.configs, configID)
	return nil
}

func (f *fakeConfigs) CountForUser(ctx context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.configs {
		if c.UserID == userID {
			n++
		}
	}
	return n, nil
}

type fakeScenes struct {
	mu     sync.Mutex
	scenes map[string]models.PresetScene
}

func newFakeScenes() *fakeScenes {
	return &fakeScenes{scenes: map[string]models.PresetScene{}}
}

func (f *fakeScenes) List(ctx context.Context, userID string) ([]models.PresetScene, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.PresetScene, 0, len(f.scenes))
	for _, sc := range f.scenes {
		if sc.UserID == userID {
			out = append(out, sc)
		}
	}
	return out, nil
}

func (f *fakeScenes) Create(ctx context.Context, sc models.PresetScene) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scenes[sc.ID] = sc
	return nil
}

func (f *fakeScenes) Delete(ctx context.Context, userID, sceneID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sc, ok := f.scenes[sceneID]
	if !ok || sc.UserID != userID {
		return store.ErrNotFound
	}
	delete(f.scenes, sceneID)
	return nil
}

type fakeAudit struct {
	mu        sync.Mutex
	entries   []audit.Entry
	appendErr error
}

func (f *fakeAudit) Append(ctx context.Context, e audit.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeAudit) ListForUser(ctx context.Context, userID string, limit int) ([]audit.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []audit.Entry
	for _, e := range f.entries {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

type testEnv struct {
	server  *Server
	handler http.Handler
	users   *fakeUsers
	configs *fakeConfigs
	scenes  *fakeScenes
	audit   *fakeAudit
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	users := newFakeUsers()
	configs := newFakeConfigs()
	scenes := newFakeScenes()
	trail := &fakeAudit{}
	s := &Server{
		Users:   users,
		Configs: configs,
		Scenes:  scenes,
		Audit:   trail,
		Engine: &resolume.Engine{
			Resolver: &resolume.Resolver{Configs: configs},
			Client:   resolume.NewClient(2 * time.Second),
		},
		Cache:               store.NewMemoryCache(),
		Metrics:             metrics.NewRegistry(),
		Events:              stream.NewHub(),
		JWTSecret:           testJWTSecret,
		TokenTTL:            time.Hour,
		MaxRequestBodyBytes: 1 << 20,
	}
	return &testEnv{
		server:  s,
		handler: s.routes(),
		users:   users,
		configs: configs,
		scenes:  scenes,
		audit:   trail,
	}
}

// seedUser registers a user directly in the fake store and returns a valid
// bearer token for it.
func (e *testEnv) seedUser(t *testing.T, email, password string) (models.User, string) {
	t.Helper()
	hashed, err := auth.HashPassword(password)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	now := time.Now().UTC()
	u := models.User{
		ID:               uuid.New().String(),
		Email:            email,
		HashedPassword:   hashed,
		IsActive:         true,
		SubscriptionTier: models.TierFree,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.users.Create(context.Background(), u); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	token, err := auth.SignToken(testJWTSecret, u.ID, u.Email, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return u, token
}

// seedConfig points the user's active configuration at an httptest server.
func (e *testEnv) seedConfig(t *testing.T, userID string, srv *httptest.Server) models.Configuration {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse server port: %v", err)
	}
	cfg := models.Configuration{
		ID:        uuid.New().String(),
		UserID:    userID,
		Name:      "test",
		Host:      u.Hostname(),
		Port:      port,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.configs.Create(context.Background(), cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	return cfg
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}
