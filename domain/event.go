package domain

import "encoding/json"

// EventType identifies the kind of a notification event. The set is closed;
// producers submitting an unknown type are rejected before persistence.
type EventType string

const (
	EventOrderStatusChanged EventType = "order.status-changed"
	EventCartUpdated        EventType = "cart.updated"
	EventInventoryLowStock  EventType = "inventory.low-stock"
	EventPaymentReceived    EventType = "payment.received"
	EventPaymentFailed      EventType = "payment.failed"
	EventUserNotification   EventType = "user.notification"
	EventSystemNotification EventType = "system.notification"
)

// Valid reports whether t is one of the known event kinds.
func (t EventType) Valid() bool {
	switch t {
	case EventOrderStatusChanged, EventCartUpdated, EventInventoryLowStock,
		EventPaymentReceived, EventPaymentFailed,
		EventUserNotification, EventSystemNotification:
		return true
	}
	return false
}

// TargetKind names the entity type an event optionally references.
type TargetKind string

const (
	TargetOrder   TargetKind = "order"
	TargetCart    TargetKind = "cart"
	TargetProduct TargetKind = "product"
	TargetPayment TargetKind = "payment"
	TargetUser    TargetKind = "user"
)

// Valid reports whether k is a known target kind.
func (k TargetKind) Valid() bool {
	switch k {
	case TargetOrder, TargetCart, TargetProduct, TargetPayment, TargetUser:
		return true
	}
	return false
}

// Event is a persisted notification record. It is immutable after creation
// except for Processed and DispatchError, which are set exactly once by the
// creating call after dispatch completes.
type Event struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	TargetID      string          `json:"target,omitempty"`
	TargetKind    TargetKind      `json:"targetKind,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	Audience      Audience        `json:"audience"`
	CreatedAt     int64           `json:"createdAt"`
	Processed     bool            `json:"processed"`
	DispatchError string          `json:"dispatchError,omitempty"`
}
