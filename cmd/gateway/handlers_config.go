package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/yuan-cloud/resofleur/pkg/auth"
	"github.com/yuan-cloud/resofleur/pkg/fault"
	"github.com/yuan-cloud/resofleur/pkg/httpx"
	"github.com/yuan-cloud/resofleur/pkg/models"
	"github.com/yuan-cloud/resofleur/pkg/resolume"
	"github.com/yuan-cloud/resofleur/pkg/store"
	"github.com/yuan-cloud/resofleur/pkg/stream"
)

type configRequest struct {
	Name string `json:"name"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (s *Server) handleGetActiveConfig(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	cfg, err := s.Configs.GetActive(r.Context(), principal.UserID)
	if errors.Is(err, store.ErrNotFound) {
		httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{})
		return
	}
	if err != nil {
		s.writeFault(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleListConfigs(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	configs, err := s.Configs.List(r.Context(), principal.UserID)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, configs)
}

func (s *Server) handleCreateConfig(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	var req configRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.ErrorKind(w, 400, string(fault.KindInvalidRequest), "invalid json")
		return
	}
	req.Host = strings.TrimSpace(req.Host)
	if req.Host == "" {
		httpx.ErrorKind(w, 400, string(fault.KindInvalidRequest), "host is required")
		return
	}
	if req.Port == 0 {
		req.Port = 443
	}
	if req.Port < 1 || req.Port > 65535 {
		httpx.ErrorKind(w, 400, string(fault.KindInvalidRequest), "port out of range")
		return
	}
	user, err := s.Users.GetByID(r.Context(), principal.UserID)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	count, err := s.Configs.CountForUser(r.Context(), principal.UserID)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	if count >= models.MaxConfigs(user.SubscriptionTier) {
		httpx.ErrorKind(w, 400, string(fault.KindInvalidRequest),
			"Configuration limit reached for your plan. Upgrade to add more.")
		return
	}
	cfg := models.Configuration{
		ID:        uuid.New().String(),
		UserID:    principal.UserID,
		Name:      strings.TrimSpace(req.Name),
		Host:      req.Host,
		Port:      req.Port,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.Configs.Create(r.Context(), cfg); err != nil {
		s.writeFault(w, err)
		return
	}
	s.publishEvent(stream.EventConfigActivated, map[string]string{"config_id": cfg.ID})
	httpx.WriteJSON(w, http.StatusCreated, cfg)
}

func (s *Server) handleActivateConfig(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	configID := chi.URLParam(r, "id")
	if err := s.Configs.Activate(r.Context(), principal.UserID, configID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Missing and not-yours are indistinguishable on purpose.
			s.writeFault(w, fault.New(fault.KindNotFound, "Configuration not found"))
			return
		}
		s.writeFault(w, err)
		return
	}
	s.publishEvent(stream.EventConfigActivated, map[string]string{"config_id": configID})
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleDeleteConfig(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	configID := chi.URLParam(r, "id")
	if err := s.Configs.Delete(r.Context(), principal.UserID, configID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeFault(w, fault.New(fault.KindNotFound, "Configuration not found"))
			return
		}
		s.writeFault(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleStatus reports reachability of the user's active endpoint. It always
// answers 200: no configuration and unreachable remotes are payload states,
// not errors.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	cfg, err := s.Configs.GetActive(r.Context(), principal.UserID)
	if err != nil {
		msg := "No configuration set"
		if !errors.Is(err, store.ErrNotFound) {
			msg = "Configuration store unavailable"
		}
		httpx.WriteJSON(w, http.StatusOK, models.StatusResponse{Connected: false, Message: msg})
		return
	}
	if s.probeStatus(r.Context(), cfg) {
		httpx.WriteJSON(w, http.StatusOK, models.StatusResponse{Connected: true, Config: &cfg, Message: "Connected to Resolume"})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, models.StatusResponse{Connected: false, Config: &cfg, Message: "Cannot reach Resolume"})
}

// probeStatus answers whether the configured endpoint is reachable, memoizing
// the answer in the cache so rapid status polling does not hammer the tunnel.
// Memoization is off when StatusProbeTTL is zero; cache failures fall through
// to a live probe.
func (s *Server) probeStatus(ctx context.Context, cfg models.Configuration) bool {
	if s.Cache == nil || s.StatusProbeTTL <= 0 {
		return s.Engine.Probe(ctx, resolume.EndpointFor(cfg))
	}
	key := "status:" + cfg.ID
	if cached, err := s.Cache.Get(ctx, key); err == nil {
		return cached == "up"
	}
	up := s.Engine.Probe(ctx, resolume.EndpointFor(cfg))
	state := "down"
	if up {
		state = "up"
	}
	if err := s.Cache.Set(ctx, key, state, s.StatusProbeTTL); err != nil {
		log.Printf("[cache] status memo for %s: %v", cfg.ID, err)
	}
	return up
}

func (s *Server) publishEvent(eventType string, data interface{}) {
	if s.Events == nil {
		return
	}
	s.Events.Publish(stream.NewEvent(eventType, data))
}
