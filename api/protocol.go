package api

import (
	"encoding/json"

	"notification-service/domain"
	"notification-service/events"
	"notification-service/registry"
)

const postEventMaxSize = 64 * 1024 // 64 KiB

// POST /api/events request body
type publishRequest struct {
	Type       string          `json:"type"`
	Target     string          `json:"target,omitempty"`
	TargetKind string          `json:"targetKind,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Audience   audienceBody    `json:"audience"`
}

type audienceBody struct {
	Kind  string   `json:"kind"`
	Users []string `json:"users,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

func (r publishRequest) spec() events.CreateSpec {
	return events.CreateSpec{
		Type:       domain.EventType(r.Type),
		TargetID:   r.Target,
		TargetKind: domain.TargetKind(r.TargetKind),
		Data:       r.Data,
		Audience: domain.Audience{
			Kind:  domain.AudienceKind(r.Audience.Kind),
			Users: r.Audience.Users,
			Roles: r.Audience.Roles,
		},
	}
}

// POST /api/events response body
type publishResponse struct {
	Event     *domain.Event `json:"event,omitempty"`
	Delivered int           `json:"delivered"`
	Failed    int           `json:"failed"`
	Error     string        `json:"error,omitempty"`
}

// GET /api/events response body
type historyResponse struct {
	Events []domain.Event `json:"events"`
}

// GET /api/events/stats response body
type statsResponse struct {
	Registry     registry.Stats `json:"registry"`
	StoredEvents *int           `json:"storedEvents,omitempty"`
}
