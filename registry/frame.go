package registry

import (
	"encoding/json"

	"github.com/bytedance/sonic"

	"notification-service/domain"
)

// eventFrame is the client-visible body of an event frame. Audience and
// processing bookkeeping stay server-side.
type eventFrame struct {
	ID         string            `json:"id"`
	Type       domain.EventType  `json:"type"`
	TargetID   string            `json:"target,omitempty"`
	TargetKind domain.TargetKind `json:"targetKind,omitempty"`
	Data       json.RawMessage   `json:"data,omitempty"`
	CreatedAt  int64             `json:"createdAt"`
}

func encodeEventFrame(ev *domain.Event) ([]byte, error) {
	return sonic.Marshal(eventFrame{
		ID:         ev.ID,
		Type:       ev.Type,
		TargetID:   ev.TargetID,
		TargetKind: ev.TargetKind,
		Data:       ev.Data,
		CreatedAt:  ev.CreatedAt,
	})
}
