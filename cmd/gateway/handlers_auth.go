package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yuan-cloud/resofleur/pkg/auth"
	"github.com/yuan-cloud/resofleur/pkg/fault"
	"github.com/yuan-cloud/resofleur/pkg/httpx"
	"github.com/yuan-cloud/resofleur/pkg/models"
	"github.com/yuan-cloud/resofleur/pkg/store"
)

const minPasswordLen = 8

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.ErrorKind(w, 400, string(fault.KindInvalidRequest), "invalid json")
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if _, err := mail.ParseAddress(email); err != nil {
		httpx.ErrorKind(w, 400, string(fault.KindInvalidRequest), "A valid email is required")
		return
	}
	if len(req.Password) < minPasswordLen {
		httpx.ErrorKind(w, 400, string(fault.KindInvalidRequest), "Password must be at least 8 characters")
		return
	}
	hashed, err := auth.HashPassword(req.Password)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	now := time.Now().UTC()
	user := models.User{
		ID:               uuid.New().String(),
		Email:            email,
		HashedPassword:   hashed,
		FullName:         strings.TrimSpace(req.FullName),
		IsActive:         true,
		SubscriptionTier: models.TierFree,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.Users.Create(r.Context(), user); err != nil {
		if errors.Is(err, store.ErrEmailTaken) {
			s.writeFault(w, fault.New(fault.KindConflict, "Email already registered"))
			return
		}
		s.writeFault(w, err)
		return
	}
	token, err := auth.SignToken(s.JWTSecret, user.ID, user.Email, s.TokenTTL)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, models.AuthResponse{
		AccessToken: token,
		TokenType:   "bearer",
		User:        user.Public(),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.ErrorKind(w, 400, string(fault.KindInvalidRequest), "invalid json")
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	user, err := s.Users.GetByEmail(r.Context(), email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeFault(w, fault.New(fault.KindAuthentication, "Invalid credentials"))
			return
		}
		s.writeFault(w, err)
		return
	}
	if !user.IsActive || !auth.CheckPassword(req.Password, user.HashedPassword) {
		s.writeFault(w, fault.New(fault.KindAuthentication, "Invalid credentials"))
		return
	}
	token, err := auth.SignToken(s.JWTSecret, user.ID, user.Email, s.TokenTTL)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, models.AuthResponse{
		AccessToken: token,
		TokenType:   "bearer",
		User:        user.Public(),
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		s.writeFault(w, fault.New(fault.KindAuthentication, "Not authenticated"))
		return
	}
	user, err := s.Users.GetByID(r.Context(), principal.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// The token outlived the account.
			s.writeFault(w, fault.New(fault.KindNotFound, "User not found"))
			return
		}
		s.writeFault(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, user.Public())
}
