package models

import (
	"encoding/json"
	"time"
)

const (
	TierFree = "free"
	TierPro  = "pro"
)

// MaxConfigs returns how many saved Resolume configurations a tier allows.
func MaxConfigs(tier string) int {
	if tier == TierPro {
		return 100
	}
	return 1
}

type User struct {
	ID               string    `json:"id"`
	Email            string    `json:"email"`
	HashedPassword   string    `json:"-"`
	FullName         string    `json:"full_name,omitempty"`
	IsActive         bool      `json:"is_active"`
	SubscriptionTier string    `json:"subscription_tier"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Public strips credential material for client responses.
func (u User) Public() User {
	u.HashedPassword = ""
	return u
}

type Configuration struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// PresetScene is a named snapshot of control state a user can recall.
type PresetScene struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	State       json.RawMessage `json:"state"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Clip is the normalized view of one clip slot in a layer.
type Clip struct {
	ID           int             `json:"id"`
	Name         string          `json:"name"`
	IsConnected  bool            `json:"isConnected"`
	ThumbnailURL string          `json:"thumbnailUrl"`
	Transport    json.RawMessage `json:"transport,omitempty"`
}

type AuthResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	User        User   `json:"user"`
}

type StatusResponse struct {
	Connected bool           `json:"connected"`
	Config    *Configuration `json:"config"`
	Message   string         `json:"message"`
}
