package api

import (
	"context"

	"notification-service/domain"
	"notification-service/events"
	"notification-service/registry"
	"notification-service/storage"
)

// EventService is the application surface handlers invoke.
type EventService interface {
	Create(ctx context.Context, spec events.CreateSpec) (*domain.Event, events.DispatchResult, error)
	EventsForUser(ctx context.Context, userID string, q storage.HistoryQuery) ([]domain.Event, error)
	CountEvents(ctx context.Context) (int, error)
}

// Streamer is the live-connection surface handlers invoke. Satisfied by
// *registry.Registry.
type Streamer interface {
	Register(id string, t registry.Transport, opts registry.RegisterOptions) (*registry.Connection, error)
	Deregister(id string)
	Connection(id string) (*registry.Connection, bool)
	Stats() registry.Stats
}

// Authenticator is implemented by types able to extract caller identities
// from Authorization headers.
type Authenticator interface {
	IdentityFromAuthHeader(string) (Identity, error)
}
