package registry

import (
	"sort"
	"time"

	"notification-service/domain"
)

// Stats is an observability snapshot of the registry. It is never used as a
// correctness mechanism.
type Stats struct {
	Total       int              `json:"total"`
	ByUser      map[string]int   `json:"byUser,omitempty"`
	ByRole      map[string]int   `json:"byRole,omitempty"`
	Connections []ConnectionInfo `json:"connections,omitempty"`
}

// ConnectionInfo is the per-connection metadata exposed by Stats.
type ConnectionInfo struct {
	ID             string             `json:"id"`
	UserID         string             `json:"userId,omitempty"`
	Role           string             `json:"role,omitempty"`
	State          string             `json:"state"`
	ConnectedAt    time.Time          `json:"connectedAt"`
	LastActivityAt time.Time          `json:"lastActivityAt"`
	Filter         []domain.EventType `json:"filter,omitempty"`
}

// Stats returns a point-in-time snapshot of connection counts and metadata.
func (r *Registry) Stats() Stats {
	conns := r.snapshot()

	s := Stats{
		Total:       len(conns),
		Connections: make([]ConnectionInfo, 0, len(conns)),
	}
	for _, c := range conns {
		if c.UserID != "" {
			if s.ByUser == nil {
				s.ByUser = make(map[string]int)
			}
			s.ByUser[c.UserID]++
		}
		if c.Role != "" {
			if s.ByRole == nil {
				s.ByRole = make(map[string]int)
			}
			s.ByRole[c.Role]++
		}
		s.Connections = append(s.Connections, ConnectionInfo{
			ID:             c.ID,
			UserID:         c.UserID,
			Role:           c.Role,
			State:          c.State().String(),
			ConnectedAt:    c.ConnectedAt,
			LastActivityAt: c.LastActivity(),
			Filter:         c.Filter(),
		})
	}
	sort.Slice(s.Connections, func(i, j int) bool { return s.Connections[i].ID < s.Connections[j].ID })
	return s
}
