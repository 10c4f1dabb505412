// Command resolume-mock serves a small in-memory imitation of the Resolume
// Arena REST API for local development. It exposes the composition tree,
// by-id parameter writes, clip connect/clear and thumbnails, so a gateway
// pointed at it behaves as if a real instance were reachable.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/yuan-cloud/resofleur/pkg/httpx"
	"github.com/yuan-cloud/resofleur/pkg/telemetry"
)

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runMock(initTelemetryFn, listenFn); err != nil {
		logFatalf("resolume-mock: %v", err)
	}
}

// thumbnailPNG is a valid 1x1 transparent PNG.
var thumbnailPNG = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0a, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

type mockParam struct {
	id    int
	value float64
}

func (p *mockParam) node() map[string]interface{} {
	return map[string]interface{}{"id": p.id, "value": p.value}
}

type mockClip struct {
	name      string
	connected bool
	position  *mockParam
}

type mockLayer struct {
	opacity *mockParam
	clips   []*mockClip
}

// mockComposition holds the mutable document the API serves. Parameter ids
// are assigned once at startup and stay stable for the process lifetime,
// which matches how the real application keeps ids valid between calls.
type mockComposition struct {
	mu     sync.Mutex
	nextID int
	tempo  *mockParam
	layers []*mockLayer
	params map[int]*mockParam
}

func newMockComposition(layers, clipsPerLayer int) *mockComposition {
	c := &mockComposition{params: make(map[int]*mockParam)}
	c.tempo = c.newParam(120)
	for i := 0; i < layers; i++ {
		layer := &mockLayer{opacity: c.newParam(1.0)}
		for j := 0; j < clipsPerLayer; j++ {
			layer.clips = append(layer.clips, &mockClip{
				name:     fmt.Sprintf("Clip %d-%d", i+1, j+1),
				position: c.newParam(0),
			})
		}
		c.layers = append(c.layers, layer)
	}
	return c
}

func (c *mockComposition) newParam(value float64) *mockParam {
	c.nextID++
	p := &mockParam{id: c.nextID, value: value}
	c.params[p.id] = p
	return p
}

// layer returns the 1-based layer, nil when out of range.
func (c *mockComposition) layer(n int) *mockLayer {
	if n < 1 || n > len(c.layers) {
		return nil
	}
	return c.layers[n-1]
}

func (l *mockLayer) clip(n int) *mockClip {
	if l == nil || n < 1 || n > len(l.clips) {
		return nil
	}
	return l.clips[n-1]
}

func (c *mockClip) node() map[string]interface{} {
	state := "Disconnected"
	if c.connected {
		state = "Connected"
	}
	return map[string]interface{}{
		"name":      map[string]interface{}{"value": c.name},
		"connected": map[string]interface{}{"value": state},
		"transport": map[string]interface{}{"position": c.position.node()},
	}
}

func (l *mockLayer) node() map[string]interface{} {
	clips := make([]interface{}, 0, len(l.clips))
	for _, clip := range l.clips {
		clips = append(clips, clip.node())
	}
	return map[string]interface{}{
		"video": map[string]interface{}{"opacity": l.opacity.node()},
		"clips": clips,
	}
}

func (c *mockComposition) compositionNode() map[string]interface{} {
	layers := make([]interface{}, 0, len(c.layers))
	for _, layer := range c.layers {
		layers = append(layers, layer.node())
	}
	return map[string]interface{}{
		"tempocontroller": map[string]interface{}{"tempo": c.tempo.node()},
		"layers":          layers,
	}
}

func (c *mockComposition) routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/composition", func(w http.ResponseWriter, req *http.Request) {
		c.mu.Lock()
		defer c.mu.Unlock()
		httpx.WriteJSON(w, http.StatusOK, c.compositionNode())
	})

	r.Get("/composition/layers/{layer}", func(w http.ResponseWriter, req *http.Request) {
		c.mu.Lock()
		defer c.mu.Unlock()
		layer := c.layer(pathInt(req, "layer"))
		if layer == nil {
			http.Error(w, "Layer not found", http.StatusNotFound)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, layer.node())
	})

	r.Get("/composition/layers/{layer}/clips/{clip}", func(w http.ResponseWriter, req *http.Request) {
		c.mu.Lock()
		defer c.mu.Unlock()
		clip := c.layer(pathInt(req, "layer")).clip(pathInt(req, "clip"))
		if clip == nil {
			http.Error(w, "Clip not found", http.StatusNotFound)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, clip.node())
	})

	r.Get("/composition/layers/{layer}/clips/{clip}/thumbnail", func(w http.ResponseWriter, req *http.Request) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.layer(pathInt(req, "layer")).clip(pathInt(req, "clip")) == nil {
			http.Error(w, "Clip not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(thumbnailPNG)
	})

	r.Put("/parameter/by-id/{id}", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Value *float64 `json:"value"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Value == nil {
			http.Error(w, "Missing value", http.StatusBadRequest)
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		id, _ := strconv.Atoi(chi.URLParam(req, "id"))
		param, ok := c.params[id]
		if !ok {
			http.Error(w, "Parameter not found", http.StatusNotFound)
			return
		}
		param.value = *body.Value
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/composition/layers/{layer}/clips/{clip}/connect", func(w http.ResponseWriter, req *http.Request) {
		c.mu.Lock()
		defer c.mu.Unlock()
		layer := c.layer(pathInt(req, "layer"))
		clip := layer.clip(pathInt(req, "clip"))
		if clip == nil {
			http.Error(w, "Clip not found", http.StatusNotFound)
			return
		}
		// One active clip per layer, like the real deck.
		for _, other := range layer.clips {
			other.connected = false
		}
		clip.connected = true
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/composition/layers/{layer}/clear", func(w http.ResponseWriter, req *http.Request) {
		c.mu.Lock()
		defer c.mu.Unlock()
		layer := c.layer(pathInt(req, "layer"))
		if layer == nil {
			http.Error(w, "Layer not found", http.StatusNotFound)
			return
		}
		for _, clip := range layer.clips {
			clip.connected = false
		}
		w.WriteHeader(http.StatusNoContent)
	})

	return r
}

func pathInt(r *http.Request, key string) int {
	n, _ := strconv.Atoi(chi.URLParam(r, key))
	return n
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func runMock(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	shutdown, err := initTelemetry(context.Background(), "resolume-mock")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	comp := newMockComposition(envInt("MOCK_LAYERS", 4), envInt("MOCK_CLIPS", 3))

	r := chi.NewRouter()
	r.Use(telemetry.HTTPMiddleware("resolume-mock"))
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "resolume-mock"})
	})
	r.Mount("/api/v1", comp.routes())

	addr := env("ADDR", ":8080")
	log.Printf("resolume-mock listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}
