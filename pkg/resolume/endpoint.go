package resolume

import (
	"context"
	"errors"
	"fmt"

	"github.com/yuan-cloud/resofleur/pkg/fault"
	"github.com/yuan-cloud/resofleur/pkg/models"
	"github.com/yuan-cloud/resofleur/pkg/store"
)

// Endpoint is where a user's Resolume instance is currently reachable.
type Endpoint struct {
	Host string
	Port int
}

// BaseURL builds the upstream base address. Port 443 means the instance is
// reached through a secure tunnel (ngrok), so the URL is https with no
// explicit port. Any other port is direct host:port addressing over plain
// http, kept for local and dev setups.
func (e Endpoint) BaseURL() string {
	if e.Port == 443 {
		return "https://" + e.Host
	}
	return fmt.Sprintf("http://%s:%d", e.Host, e.Port)
}

// ConfigSource is the slice of the configuration store the resolver needs.
type ConfigSource interface {
	GetActive(ctx context.Context, userID string) (models.Configuration, error)
	GetAnyActive(ctx context.Context) (models.Configuration, error)
}

type Resolver struct {
	Configs ConfigSource
}

// Resolve returns the user's single active endpoint. The no-configuration
// case carries an actionable client-facing message, not a generic error,
// because the UI routes the user to Settings off the back of it.
func (r *Resolver) Resolve(ctx context.Context, userID string) (Endpoint, error) {
	cfg, err := r.Configs.GetActive(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Endpoint{}, fault.New(fault.KindNoConfiguration, "No Resolume configuration. Add one in Settings.")
		}
		return Endpoint{}, err
	}
	return endpointOf(cfg), nil
}

// ResolveAnyActive picks whatever configuration is active store-wide,
// ignoring ownership. Only the unauthenticated thumbnail path uses this.
func (r *Resolver) ResolveAnyActive(ctx context.Context) (Endpoint, error) {
	cfg, err := r.Configs.GetAnyActive(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Endpoint{}, fault.New(fault.KindNoConfiguration, "No configuration")
		}
		return Endpoint{}, err
	}
	return endpointOf(cfg), nil
}

func endpointOf(cfg models.Configuration) Endpoint {
	port := cfg.Port
	if port == 0 {
		port = 443
	}
	return Endpoint{Host: cfg.Host, Port: port}
}
