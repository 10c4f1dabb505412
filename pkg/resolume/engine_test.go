package resolume

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/yuan-cloud/resofleur/pkg/fault"
	"github.com/yuan-cloud/resofleur/pkg/models"
	"github.com/yuan-cloud/resofleur/pkg/store"
)

// fakeRemote records every request the engine issues against the controlled
// application and serves canned composition trees.
type fakeRemote struct {
	t        *testing.T
	srv      *httptest.Server
	requests []string
	handler  func(w http.ResponseWriter, r *http.Request)
}

func newFakeRemote(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *fakeRemote {
	f := &fakeRemote{t: t, handler: handler}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.requests = append(f.requests, r.Method+" "+r.URL.Path)
		f.handler(w, r)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRemote) engine(t *testing.T) *Engine {
	ep := epForServer(t, f.srv)
	return &Engine{
		Resolver: &Resolver{Configs: &fakeConfigs{
			active: models.Configuration{Host: ep.Host, Port: ep.Port},
			any:    models.Configuration{Host: ep.Host, Port: ep.Port},
		}},
		Client: NewClient(time.Second),
	}
}

func (f *fakeRemote) sawWrite() bool {
	for _, req := range f.requests {
		if req == "PUT /api/v1/parameter/by-id/12345" {
			return true
		}
	}
	return false
}

func compositionWithTempo(id interface{}, value interface{}) string {
	raw, _ := json.Marshal(map[string]interface{}{
		"tempocontroller": map[string]interface{}{
			"tempo": map[string]interface{}{"id": id, "value": value},
		},
	})
	return string(raw)
}

func TestSetTempoResolvesThenWrites(t *testing.T) {
	var written map[string]float64
	remote := newFakeRemote(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/composition":
			w.Write([]byte(compositionWithTempo(12345, 120)))
		case r.Method == http.MethodPut && r.URL.Path == "/api/v1/parameter/by-id/12345":
			_ = json.NewDecoder(r.Body).Decode(&written)
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	})

	if err := remote.engine(t).SetTempo(context.Background(), "u1", 128); err != nil {
		t.Fatalf("set tempo: %v", err)
	}
	if written["value"] != 128 {
		t.Fatalf("expected value 128 written, got %v", written)
	}
	if len(remote.requests) != 2 || remote.requests[0] != "GET /api/v1/composition" {
		t.Fatalf("expected read-then-write, got %v", remote.requests)
	}
}

func TestSetTempoMissingIDFailsWithoutWrite(t *testing.T) {
	remote := newFakeRemote(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tempocontroller":{"tempo":{"value":120}}}`))
	})

	err := remote.engine(t).SetTempo(context.Background(), "u1", 128)
	if fault.KindOf(err) != fault.KindParameterNotFound {
		t.Fatalf("expected ParameterNotFound, got %v", err)
	}
	if remote.sawWrite() {
		t.Fatalf("write issued despite missing id: %v", remote.requests)
	}
}

func TestSetTempoNullIDFailsWithoutWrite(t *testing.T) {
	remote := newFakeRemote(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tempocontroller":{"tempo":{"id":null,"value":120}}}`))
	})

	err := remote.engine(t).SetTempo(context.Background(), "u1", 128)
	if fault.KindOf(err) != fault.KindParameterNotFound {
		t.Fatalf("expected ParameterNotFound for null id, got %v", err)
	}
	if remote.sawWrite() {
		t.Fatal("write issued despite null id")
	}
}

func TestSetOpacityReadFailureNeverWrites(t *testing.T) {
	remote := newFakeRemote(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	err := remote.engine(t).SetOpacity(context.Background(), "u1", 1, 0.5)
	if fault.KindOf(err) != fault.KindUpstreamRejected {
		t.Fatalf("expected rejection from read step, got %v", err)
	}
	for _, req := range remote.requests {
		if req[:3] == "PUT" {
			t.Fatalf("write issued after failed read: %v", remote.requests)
		}
	}
}

func TestSetOpacityWritesAgainstDiscoveredID(t *testing.T) {
	remote := newFakeRemote(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/composition/layers/2":
			w.Write([]byte(`{"video":{"opacity":{"id":"777","value":0.8}}}`))
		case "/api/v1/parameter/by-id/777":
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	})

	if err := remote.engine(t).SetOpacity(context.Background(), "u1", 2, 0.5); err != nil {
		t.Fatalf("set opacity: %v", err)
	}
	if remote.requests[len(remote.requests)-1] != "PUT /api/v1/parameter/by-id/777" {
		t.Fatalf("expected write to discovered id, got %v", remote.requests)
	}
}

func TestGetTempoDefaultsWhenValueMissing(t *testing.T) {
	remote := newFakeRemote(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tempocontroller":{}}`))
	})
	if got := remote.engine(t).GetTempo(context.Background(), "u1"); got != 120 {
		t.Fatalf("expected default 120, got %v", got)
	}
}

func TestGetTempoDefaultsWhenUnreachable(t *testing.T) {
	remote := newFakeRemote(t, func(w http.ResponseWriter, r *http.Request) {})
	e := remote.engine(t)
	remote.srv.Close()
	if got := e.GetTempo(context.Background(), "u1"); got != 120 {
		t.Fatalf("expected default 120 when unreachable, got %v", got)
	}
}

func TestGetTempoDefaultsWithoutConfiguration(t *testing.T) {
	e := &Engine{
		Resolver: &Resolver{Configs: &fakeConfigs{activeErr: store.ErrNotFound}},
		Client:   NewClient(time.Second),
	}
	if got := e.GetTempo(context.Background(), "u1"); got != 120 {
		t.Fatalf("expected default 120 without configuration, got %v", got)
	}
}

func TestGetTempoReadsValue(t *testing.T) {
	remote := newFakeRemote(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(compositionWithTempo(1, 93.5)))
	})
	if got := remote.engine(t).GetTempo(context.Background(), "u1"); got != 93.5 {
		t.Fatalf("expected 93.5, got %v", got)
	}
}

func TestGetOpacityDefaultsWhenValueMissing(t *testing.T) {
	remote := newFakeRemote(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"video":{}}`))
	})
	got, err := remote.engine(t).GetOpacity(context.Background(), "u1", 1)
	if err != nil {
		t.Fatalf("get opacity: %v", err)
	}
	if got != 1.0 {
		t.Fatalf("expected default 1.0, got %v", got)
	}
}

func TestListClipsNormalization(t *testing.T) {
	remote := newFakeRemote(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"clips":[
			{"name":{"value":"intro"},"connected":{"value":true},"transport":{"position":{"value":0.25}}},
			{"name":{"value":"drop"},"connected":{"value":"Connected & previewing"}},
			{"name":{"value":"outro"},"connected":{"value":"Empty"}},
			{}
		]}`))
	})

	clips, err := remote.engine(t).ListClips(context.Background(), "u1", 1)
	if err != nil {
		t.Fatalf("list clips: %v", err)
	}
	if len(clips) != 4 {
		t.Fatalf("expected 4 clips, got %d", len(clips))
	}
	if clips[0].ID != 1 || !clips[0].IsConnected || clips[0].Name != "intro" {
		t.Fatalf("boolean connected mishandled: %#v", clips[0])
	}
	if clips[0].Transport == nil {
		t.Fatal("transport substate dropped")
	}
	if !clips[1].IsConnected {
		t.Fatalf("string connected-state mishandled: %#v", clips[1])
	}
	if clips[2].IsConnected {
		t.Fatalf("Empty state should not be connected: %#v", clips[2])
	}
	if clips[3].IsConnected || clips[3].Name != "" {
		t.Fatalf("empty slot mishandled: %#v", clips[3])
	}
}

func TestListClipsBoundedToNineSlots(t *testing.T) {
	slots := make([]string, 12)
	for i := range slots {
		slots[i] = `{"name":{"value":"c"}}`
	}
	body := `{"clips":[`
	for i, s := range slots {
		if i > 0 {
			body += ","
		}
		body += s
	}
	body += `]}`
	remote := newFakeRemote(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	})

	clips, err := remote.engine(t).ListClips(context.Background(), "u1", 1)
	if err != nil {
		t.Fatalf("list clips: %v", err)
	}
	if len(clips) != 9 {
		t.Fatalf("expected 9 clips, got %d", len(clips))
	}
	if clips[8].ID != 9 {
		t.Fatalf("expected 1-based ids, last id %d", clips[8].ID)
	}
}

func TestConnectClipUsesStructuralPath(t *testing.T) {
	remote := newFakeRemote(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	if err := remote.engine(t).ConnectClip(context.Background(), "u1", 2, 3); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if remote.requests[0] != "POST /api/v1/composition/layers/2/clips/3/connect" {
		t.Fatalf("unexpected request %v", remote.requests)
	}
}

func TestClearLayer(t *testing.T) {
	remote := newFakeRemote(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	if err := remote.engine(t).ClearLayer(context.Background(), "u1", 4); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if remote.requests[0] != "POST /api/v1/composition/layers/4/clear" {
		t.Fatalf("unexpected request %v", remote.requests)
	}
}

func TestSetClipPositionResolvesTransportID(t *testing.T) {
	remote := newFakeRemote(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/composition/layers/1/clips/2":
			w.Write([]byte(`{"transport":{"position":{"id":314,"value":0}}}`))
		case "/api/v1/parameter/by-id/314":
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	})
	if err := remote.engine(t).SetClipPosition(context.Background(), "u1", 1, 2, 0.75); err != nil {
		t.Fatalf("set position: %v", err)
	}
	if remote.requests[len(remote.requests)-1] != "PUT /api/v1/parameter/by-id/314" {
		t.Fatalf("expected write to position id, got %v", remote.requests)
	}
}

func TestThumbnailUsesStoreWideActiveConfig(t *testing.T) {
	remote := newFakeRemote(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("png-bytes"))
	})
	ep := epForServer(t, remote.srv)
	e := &Engine{
		// No per-user active config at all; only the store-wide one.
		Resolver: &Resolver{Configs: &fakeConfigs{
			activeErr: store.ErrNotFound,
			any:       models.Configuration{Host: ep.Host, Port: ep.Port},
		}},
		Client: NewClient(time.Second),
	}
	data, contentType, err := e.Thumbnail(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("thumbnail: %v", err)
	}
	if contentType != "image/png" || string(data) != "png-bytes" {
		t.Fatalf("unexpected passthrough: %q %q", contentType, data)
	}
}

func TestProbeNeverErrors(t *testing.T) {
	remote := newFakeRemote(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	e := remote.engine(t)
	ep := epForServer(t, remote.srv)
	if !e.Probe(context.Background(), ep) {
		t.Fatal("expected connected")
	}
	remote.srv.Close()
	if e.Probe(context.Background(), ep) {
		t.Fatal("expected not connected after close")
	}
}
