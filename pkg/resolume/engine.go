package resolume

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/yuan-cloud/resofleur/pkg/fault"
	"github.com/yuan-cloud/resofleur/pkg/models"
)

const (
	// Defaults reported when a read cannot produce a value. A transient
	// inability to read current state should not block the UI.
	DefaultTempo   = 120.0
	DefaultOpacity = 1.0

	maxClipSlots = 9
)

// clipActiveStates are the string forms of "currently playing" the remote
// emits. The connected field appears as either a boolean or one of these
// strings depending on the Resolume version; both must be accepted.
var clipActiveStates = map[string]struct{}{
	"Connected":              {},
	"Connected & previewing": {},
}

// Engine translates the gateway's simplified verbs into the remote's
// parameter-by-id protocol. Every "set" verb is a resolve-then-write pair:
// a structural read discovers the opaque parameter id, then the value is
// written against that id. Ids are never cached; remote state can change
// between calls (layers reordered, composition reloaded), so each write
// pays one extra round trip for a fresh id.
type Engine struct {
	Resolver *Resolver
	Client   *Client
}

// EndpointFor maps a stored configuration to its endpoint.
func EndpointFor(cfg models.Configuration) Endpoint {
	return endpointOf(cfg)
}

func (e *Engine) tree(ctx context.Context, ep Endpoint, path string) (map[string]interface{}, error) {
	raw, err := e.Client.Do(ctx, http.MethodGet, ep, path, nil)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]interface{}
	if err := dec.Decode(&out); err != nil {
		return nil, fault.Wrap(fault.KindParameterNotFound, "Unexpected composition shape", err)
	}
	return out, nil
}

func (e *Engine) writeParam(ctx context.Context, ep Endpoint, id string, value interface{}) error {
	_, err := e.Client.Do(ctx, http.MethodPut, ep, "/parameter/by-id/"+id, map[string]interface{}{"value": value})
	return err
}

// GetTempo reads the current BPM, degrading to DefaultTempo on any failure.
func (e *Engine) GetTempo(ctx context.Context, userID string) float64 {
	ep, err := e.Resolver.Resolve(ctx, userID)
	if err != nil {
		return DefaultTempo
	}
	comp, err := e.tree(ctx, ep, "/composition")
	if err != nil {
		return DefaultTempo
	}
	return floatAt(comp, DefaultTempo, "tempocontroller", "tempo", "value")
}

// SetTempo resolves the tempo parameter id from the composition tree and
// writes the new BPM against it. A missing id fails before any write is
// attempted.
func (e *Engine) SetTempo(ctx context.Context, userID string, bpm float64) error {
	ep, err := e.Resolver.Resolve(ctx, userID)
	if err != nil {
		return err
	}
	comp, err := e.tree(ctx, ep, "/composition")
	if err != nil {
		return err
	}
	id, ok := paramID(comp, "tempocontroller", "tempo")
	if !ok {
		return fault.New(fault.KindParameterNotFound, "Cannot find tempo parameter")
	}
	return e.writeParam(ctx, ep, id, bpm)
}

// GetOpacity reads a layer's opacity, defaulting to DefaultOpacity when the
// value is absent from the tree.
func (e *Engine) GetOpacity(ctx context.Context, userID string, layer int) (float64, error) {
	ep, err := e.Resolver.Resolve(ctx, userID)
	if err != nil {
		return 0, err
	}
	tree, err := e.tree(ctx, ep, fmt.Sprintf("/composition/layers/%d", layer))
	if err != nil {
		return 0, err
	}
	return floatAt(tree, DefaultOpacity, "video", "opacity", "value"), nil
}

func (e *Engine) SetOpacity(ctx context.Context, userID string, layer int, opacity float64) error {
	ep, err := e.Resolver.Resolve(ctx, userID)
	if err != nil {
		return err
	}
	tree, err := e.tree(ctx, ep, fmt.Sprintf("/composition/layers/%d", layer))
	if err != nil {
		return err
	}
	id, ok := paramID(tree, "video", "opacity")
	if !ok {
		return fault.New(fault.KindParameterNotFound, "Cannot find opacity parameter")
	}
	return e.writeParam(ctx, ep, id, opacity)
}

func (e *Engine) SetClipPosition(ctx context.Context, userID string, layer, clip int, position float64) error {
	ep, err := e.Resolver.Resolve(ctx, userID)
	if err != nil {
		return err
	}
	tree, err := e.tree(ctx, ep, fmt.Sprintf("/composition/layers/%d/clips/%d", layer, clip))
	if err != nil {
		return err
	}
	id, ok := paramID(tree, "transport", "position")
	if !ok {
		return fault.New(fault.KindParameterNotFound, "Cannot find position parameter")
	}
	return e.writeParam(ctx, ep, id, position)
}

// ListClips reads up to the first maxClipSlots clip slots of a layer and
// normalizes each into a stable record.
func (e *Engine) ListClips(ctx context.Context, userID string, layer int) ([]models.Clip, error) {
	ep, err := e.Resolver.Resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	tree, err := e.tree(ctx, ep, fmt.Sprintf("/composition/layers/%d", layer))
	if err != nil {
		return nil, err
	}
	rawClips, _ := tree["clips"].([]interface{})
	if len(rawClips) > maxClipSlots {
		rawClips = rawClips[:maxClipSlots]
	}
	clips := make([]models.Clip, 0, len(rawClips))
	for i, rc := range rawClips {
		node, _ := rc.(map[string]interface{})
		clip := models.Clip{ID: i + 1}
		if name, ok := dig(node, "name", "value"); ok {
			if s, ok := name.(string); ok {
				clip.Name = s
			}
		}
		if state, ok := dig(node, "connected", "value"); ok {
			clip.IsConnected = clipConnected(state)
		}
		if transport, ok := node["transport"]; ok {
			if raw, err := json.Marshal(transport); err == nil {
				clip.Transport = raw
			}
		}
		clips = append(clips, clip)
	}
	return clips, nil
}

// ConnectClip triggers a clip. The remote addresses this by structural path
// directly, so no id resolution is needed.
func (e *Engine) ConnectClip(ctx context.Context, userID string, layer, clip int) error {
	ep, err := e.Resolver.Resolve(ctx, userID)
	if err != nil {
		return err
	}
	_, err = e.Client.Do(ctx, http.MethodPost, ep, fmt.Sprintf("/composition/layers/%d/clips/%d/connect", layer, clip), nil)
	return err
}

// ClearLayer disconnects all clips on a layer.
func (e *Engine) ClearLayer(ctx context.Context, userID string, layer int) error {
	ep, err := e.Resolver.Resolve(ctx, userID)
	if err != nil {
		return err
	}
	_, err = e.Client.Do(ctx, http.MethodPost, ep, fmt.Sprintf("/composition/layers/%d/clear", layer), nil)
	return err
}

// Thumbnail proxies a clip's thumbnail image. It deliberately skips per-user
// endpoint resolution and uses whatever configuration is active store-wide.
func (e *Engine) Thumbnail(ctx context.Context, layer, clip int) ([]byte, string, error) {
	ep, err := e.Resolver.ResolveAnyActive(ctx)
	if err != nil {
		return nil, "", err
	}
	return e.Client.Fetch(ctx, ep, fmt.Sprintf("/composition/layers/%d/clips/%d/thumbnail", layer, clip))
}

// Probe checks reachability of an endpoint. It never returns an error:
// any failure is simply "not connected".
func (e *Engine) Probe(ctx context.Context, ep Endpoint) bool {
	_, err := e.Client.Do(ctx, http.MethodGet, ep, "/composition", nil)
	return err == nil
}

func clipConnected(v interface{}) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		_, active := clipActiveStates[val]
		return active
	}
	return false
}

// dig walks nested objects by key, failing on any missing step or null leaf.
func dig(tree map[string]interface{}, keys ...string) (interface{}, bool) {
	var cur interface{} = tree
	for _, k := range keys {
		node, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = node[k]
		if !ok {
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

// paramID extracts the opaque parameter id at the given key path. Ids arrive
// as JSON numbers or strings depending on remote version; both are passed
// through verbatim.
func paramID(tree map[string]interface{}, keys ...string) (string, bool) {
	v, ok := dig(tree, append(keys, "id")...)
	if !ok {
		return "", false
	}
	switch id := v.(type) {
	case json.Number:
		return id.String(), true
	case string:
		if id == "" {
			return "", false
		}
		return id, true
	}
	return "", false
}

func floatAt(tree map[string]interface{}, def float64, keys ...string) float64 {
	v, ok := dig(tree, keys...)
	if !ok {
		return def
	}
	switch val := v.(type) {
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
	case float64:
		return val
	}
	return def
}
