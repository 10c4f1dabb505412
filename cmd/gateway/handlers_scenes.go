package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/yuan-cloud/resofleur/pkg/auth"
	"github.com/yuan-cloud/resofleur/pkg/fault"
	"github.com/yuan-cloud/resofleur/pkg/httpx"
	"github.com/yuan-cloud/resofleur/pkg/models"
	"github.com/yuan-cloud/resofleur/pkg/store"
)

type sceneRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	State       json.RawMessage `json:"state"`
}

func (s *Server) handleListScenes(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	scenes, err := s.Scenes.List(r.Context(), principal.UserID)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, scenes)
}

func (s *Server) handleCreateScene(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	var req sceneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.ErrorKind(w, 400, string(fault.KindInvalidRequest), "invalid json")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		httpx.ErrorKind(w, 400, string(fault.KindInvalidRequest), "name is required")
		return
	}
	if len(req.State) == 0 || !json.Valid(req.State) {
		httpx.ErrorKind(w, 400, string(fault.KindInvalidRequest), "state must be a JSON object")
		return
	}
	scene := models.PresetScene{
		ID:          uuid.New().String(),
		UserID:      principal.UserID,
		Name:        req.Name,
		Description: strings.TrimSpace(req.Description),
		State:       req.State,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.Scenes.Create(r.Context(), scene); err != nil {
		s.writeFault(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, scene)
}

func (s *Server) handleDeleteScene(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	sceneID := chi.URLParam(r, "id")
	if err := s.Scenes.Delete(r.Context(), principal.UserID, sceneID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeFault(w, fault.New(fault.KindNotFound, "Scene not found"))
			return
		}
		s.writeFault(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}
