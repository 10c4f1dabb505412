package main

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/yuan-cloud/resofleur/pkg/audit"
	"github.com/yuan-cloud/resofleur/pkg/auth"
	"github.com/yuan-cloud/resofleur/pkg/fault"
	"github.com/yuan-cloud/resofleur/pkg/httpx"
	"github.com/yuan-cloud/resofleur/pkg/stream"
)

func (s *Server) handleGetTempo(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	bpm := s.Engine.GetTempo(r.Context(), principal.UserID)
	s.Metrics.IncProxyOutcome("ok")
	httpx.WriteJSON(w, http.StatusOK, map[string]float64{"bpm": bpm})
}

func (s *Server) handleSetTempo(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	bpm, ok := controlValue(w, r, "bpm")
	if !ok {
		return
	}
	began := time.Now()
	err := s.Engine.SetTempo(r.Context(), principal.UserID, bpm)
	s.recordControl(r, "set_tempo", 0, 0, bpm, began, err)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.publishEvent(stream.EventTempoChanged, map[string]float64{"bpm": bpm})
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"success": true, "bpm": bpm})
}

func (s *Server) handleGetOpacity(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	layer, ok := pathInt(w, r, "layer")
	if !ok {
		return
	}
	opacity, err := s.Engine.GetOpacity(r.Context(), principal.UserID, layer)
	if err != nil {
		s.Metrics.IncProxyOutcome(outcomeOf(err))
		s.writeFault(w, err)
		return
	}
	s.Metrics.IncProxyOutcome("ok")
	httpx.WriteJSON(w, http.StatusOK, map[string]float64{"opacity": opacity})
}

func (s *Server) handleSetOpacity(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	layer, ok := pathInt(w, r, "layer")
	if !ok {
		return
	}
	opacity, ok := controlValue(w, r, "opacity")
	if !ok {
		return
	}
	if opacity < 0 || opacity > 1 {
		httpx.ErrorKind(w, 400, string(fault.KindInvalidRequest), "opacity must be between 0 and 1")
		return
	}
	began := time.Now()
	err := s.Engine.SetOpacity(r.Context(), principal.UserID, layer, opacity)
	s.recordControl(r, "set_opacity", layer, 0, opacity, began, err)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.publishEvent(stream.EventOpacityChanged, map[string]interface{}{"layer": layer, "opacity": opacity})
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"success": true, "opacity": opacity})
}

func (s *Server) handleListClips(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	layer, ok := pathInt(w, r, "layer")
	if !ok {
		return
	}
	clips, err := s.Engine.ListClips(r.Context(), principal.UserID, layer)
	if err != nil {
		s.Metrics.IncProxyOutcome(outcomeOf(err))
		s.writeFault(w, err)
		return
	}
	s.Metrics.IncProxyOutcome("ok")
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"clips": clips})
}

func (s *Server) handleConnectClip(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	layer, ok := pathInt(w, r, "layer")
	if !ok {
		return
	}
	clip, ok := pathInt(w, r, "clip")
	if !ok {
		return
	}
	began := time.Now()
	err := s.Engine.ConnectClip(r.Context(), principal.UserID, layer, clip)
	s.recordControl(r, "connect_clip", layer, clip, 0, began, err)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.publishEvent(stream.EventClipConnected, map[string]int{"layer": layer, "clip": clip})
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleSetClipPosition(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	layer, ok := pathInt(w, r, "layer")
	if !ok {
		return
	}
	clip, ok := pathInt(w, r, "clip")
	if !ok {
		return
	}
	position, ok := controlValue(w, r, "position")
	if !ok {
		return
	}
	began := time.Now()
	err := s.Engine.SetClipPosition(r.Context(), principal.UserID, layer, clip, position)
	s.recordControl(r, "set_clip_position", layer, clip, position, began, err)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.publishEvent(stream.EventClipPositionSet, map[string]interface{}{"layer": layer, "clip": clip, "position": position})
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"success": true, "position": position})
}

func (s *Server) handleClearLayer(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	layer, ok := pathInt(w, r, "layer")
	if !ok {
		return
	}
	began := time.Now()
	err := s.Engine.ClearLayer(r.Context(), principal.UserID, layer)
	s.recordControl(r, "clear_layer", layer, 0, 0, began, err)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.publishEvent(stream.EventLayerCleared, map[string]int{"layer": layer})
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleClipThumbnail streams the clip's thumbnail image. The route is
// unauthenticated and resolves against whichever configuration is active
// store-wide, because browsers load it from bare <img> tags with no way to
// attach a token.
func (s *Server) handleClipThumbnail(w http.ResponseWriter, r *http.Request) {
	layer, ok := pathInt(w, r, "layer")
	if !ok {
		return
	}
	clip, ok := pathInt(w, r, "clip")
	if !ok {
		return
	}
	data, contentType, err := s.Engine.Thumbnail(r.Context(), layer, clip)
	if err != nil {
		s.Metrics.IncProxyOutcome(outcomeOf(err))
		s.writeFault(w, err)
		return
	}
	s.Metrics.IncProxyOutcome("ok")
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(data)
}

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.Audit.ListForUser(r.Context(), principal.UserID, limit)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// recordControl captures the write in metrics and the audit trail. Audit
// persistence is best-effort: a failed insert is logged and never fails the
// control call.
func (s *Server) recordControl(r *http.Request, verb string, layer, clip int, value float64, began time.Time, opErr error) {
	outcome := outcomeOf(opErr)
	s.Metrics.IncControlVerb(verb)
	s.Metrics.IncProxyOutcome(outcome)
	s.Metrics.ObserveUpstreamLatency(time.Since(began))
	if s.Audit == nil {
		return
	}
	principal, _ := auth.PrincipalFromContext(r.Context())
	if err := s.Audit.Append(r.Context(), audit.Entry{
		UserID:    principal.UserID,
		Verb:      verb,
		Layer:     layer,
		Clip:      clip,
		Value:     value,
		Outcome:   outcome,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		log.Printf("[audit] append %s: %v", verb, err)
	}
}

func outcomeOf(err error) string {
	if err == nil {
		return "ok"
	}
	switch fault.KindOf(err) {
	case fault.KindUpstreamRejected:
		return "rejected"
	case fault.KindUpstreamUnreachable:
		return "unreachable"
	case fault.KindParameterNotFound:
		return "parameter_missing"
	case fault.KindNoConfiguration:
		return "no_configuration"
	default:
		return "error"
	}
}

// controlValue reads the float payload of a control write: a JSON body
// {"value": x} when present, otherwise the named query parameter.
func controlValue(w http.ResponseWriter, r *http.Request, queryKey string) (float64, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpx.ErrorKind(w, http.StatusBadRequest, string(fault.KindInvalidRequest), "invalid request body")
		return 0, false
	}
	if len(body) > 0 {
		var payload struct {
			Value *float64 `json:"value"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			httpx.ErrorKind(w, http.StatusBadRequest, string(fault.KindInvalidRequest), "invalid json")
			return 0, false
		}
		if payload.Value != nil {
			return *payload.Value, true
		}
	}
	if raw := r.URL.Query().Get(queryKey); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			httpx.ErrorKind(w, http.StatusBadRequest, string(fault.KindInvalidRequest), queryKey+" must be a number")
			return 0, false
		}
		return v, true
	}
	httpx.ErrorKind(w, http.StatusBadRequest, string(fault.KindInvalidRequest), queryKey+" value required")
	return 0, false
}

func pathInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	v, err := strconv.Atoi(chi.URLParam(r, name))
	if err != nil || v < 1 {
		httpx.ErrorKind(w, http.StatusBadRequest, string(fault.KindInvalidRequest), name+" must be a positive integer")
		return 0, false
	}
	return v, true
}
