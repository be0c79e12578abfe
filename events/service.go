// Package events builds, persists and fans out notification events.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"notification-service/domain"
	"notification-service/registry"
	"notification-service/storage"
)

// Store is the persistence surface the service needs.
type Store interface {
	SaveEvent(ctx context.Context, ev *domain.Event) error
	MarkProcessed(ctx context.Context, ev *domain.Event, dispatchErr string) error
	EventsForUser(ctx context.Context, userID string, q storage.HistoryQuery) ([]domain.Event, error)
	CountEvents(ctx context.Context) (int, error)
}

// Notifier fans events out to live connections. Satisfied by
// *registry.Registry.
type Notifier interface {
	Broadcast(ev *domain.Event, pred func(*registry.Connection) bool) (delivered, failed int)
	SendToUsers(userIDs []string, ev *domain.Event) (delivered, failed int)
	SendToRoles(roles []string, ev *domain.Event) (delivered, failed int)
}

// Service turns producer intent into persisted, dispatched event records.
type Service struct {
	store    Store
	notifier Notifier
	logger   *log.Logger
}

// New creates the event service.
func New(store Store, notifier Notifier, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Service{store: store, notifier: notifier, logger: logger}
}

// CreateSpec describes a producer's intent to emit one event.
type CreateSpec struct {
	Type       domain.EventType
	TargetID   string
	TargetKind domain.TargetKind
	Data       json.RawMessage
	Audience   domain.Audience
}

// DispatchResult counts per-connection delivery outcomes of one create
// call. Failed counts connections that died mid-dispatch; delivery to zero
// live connections is expected and not a failure.
type DispatchResult struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// Create validates the spec, persists the event, fans it out to live
// connections by audience precedence (public first, then users, then roles)
// and marks the record processed. Validation failures are reported before
// anything is stored; dispatch failures are recovered per connection and
// never surfaced to the producer.
func (s *Service) Create(ctx context.Context, spec CreateSpec) (*domain.Event, DispatchResult, error) {
	if err := validateSpec(spec); err != nil {
		return nil, DispatchResult{}, err
	}

	ev := &domain.Event{
		ID:         uuid.NewString(),
		Type:       spec.Type,
		TargetID:   spec.TargetID,
		TargetKind: spec.TargetKind,
		Data:       spec.Data,
		Audience:   spec.Audience,
		CreatedAt:  time.Now().UnixNano(),
	}
	if err := s.store.SaveEvent(ctx, ev); err != nil {
		return nil, DispatchResult{}, fmt.Errorf("save event: %w", err)
	}

	res := s.dispatch(ev)

	dispatchErr := ""
	if res.Failed > 0 {
		dispatchErr = fmt.Sprintf("%d of %d deliveries failed", res.Failed, res.Delivered+res.Failed)
	}
	if err := s.store.MarkProcessed(ctx, ev, dispatchErr); err != nil {
		// The record is durable and dispatch already happened; the flag is
		// bookkeeping, so the producer call still succeeds.
		s.logger.WithFields(log.Fields{"event_id": ev.ID, "error": err.Error()}).Warn("mark processed failed")
	} else {
		ev.Processed = true
		ev.DispatchError = dispatchErr
	}

	s.logger.WithFields(log.Fields{
		"event_id":  ev.ID,
		"type":      ev.Type,
		"audience":  ev.Audience.Kind,
		"delivered": res.Delivered,
		"failed":    res.Failed,
	}).Info("event created")
	return ev, res, nil
}

func (s *Service) dispatch(ev *domain.Event) DispatchResult {
	var res DispatchResult
	switch ev.Audience.Kind {
	case domain.AudiencePublic:
		res.Delivered, res.Failed = s.notifier.Broadcast(ev, nil)
	case domain.AudienceUsers:
		res.Delivered, res.Failed = s.notifier.SendToUsers(ev.Audience.Users, ev)
	case domain.AudienceRoles:
		res.Delivered, res.Failed = s.notifier.SendToRoles(ev.Audience.Roles, ev)
	}
	return res
}

func validateSpec(spec CreateSpec) error {
	if !spec.Type.Valid() {
		return &domain.ValidationError{Reason: "unknown event type " + string(spec.Type)}
	}
	if len(spec.Data) == 0 {
		return &domain.ValidationError{Reason: "data payload is required"}
	}
	if !json.Valid(spec.Data) {
		return &domain.ValidationError{Reason: "data payload is not valid JSON"}
	}
	if spec.TargetKind != "" && !spec.TargetKind.Valid() {
		return &domain.ValidationError{Reason: "unknown target kind " + string(spec.TargetKind)}
	}
	if spec.TargetKind != "" && spec.TargetID == "" {
		return &domain.ValidationError{Reason: "targetKind given without target id"}
	}
	if spec.TargetID != "" && spec.TargetKind == "" {
		return &domain.ValidationError{Reason: "target id given without targetKind"}
	}
	return spec.Audience.Validate()
}

// EventsForUser is the pull-based catch-up query: public events plus events
// addressed to the user, newest first, with the page size clamped.
func (s *Service) EventsForUser(ctx context.Context, userID string, q storage.HistoryQuery) ([]domain.Event, error) {
	if userID == "" {
		return nil, &domain.ValidationError{Reason: "user id is required"}
	}
	if q.Limit <= 0 {
		q.Limit = storage.DefaultHistoryLimit
	}
	if q.Limit > storage.MaxHistoryLimit {
		q.Limit = storage.MaxHistoryLimit
	}
	if q.Skip < 0 {
		q.Skip = 0
	}
	return s.store.EventsForUser(ctx, userID, q)
}

// CountEvents reports the persisted record total for observability.
func (s *Service) CountEvents(ctx context.Context) (int, error) {
	return s.store.CountEvents(ctx)
}

func mustEncode(v any) json.RawMessage {
	data, err := sonic.Marshal(v)
	if err != nil {
		// All callers pass plain value structs.
		panic(err)
	}
	return data
}

// OrderStatusChanged notifies a customer that their order moved to a new
// status.
func (s *Service) OrderStatusChanged(ctx context.Context, userID, orderID, status string) (*domain.Event, error) {
	ev, _, err := s.Create(ctx, CreateSpec{
		Type:       domain.EventOrderStatusChanged,
		TargetID:   orderID,
		TargetKind: domain.TargetOrder,
		Data:       mustEncode(map[string]string{"orderId": orderID, "status": status}),
		Audience:   domain.UserAudience(userID),
	})
	return ev, err
}

// CartUpdated notifies a customer that their cart changed.
func (s *Service) CartUpdated(ctx context.Context, userID, cartID string, itemCount int) (*domain.Event, error) {
	ev, _, err := s.Create(ctx, CreateSpec{
		Type:       domain.EventCartUpdated,
		TargetID:   cartID,
		TargetKind: domain.TargetCart,
		Data:       mustEncode(map[string]any{"cartId": cartID, "itemCount": itemCount}),
		Audience:   domain.UserAudience(userID),
	})
	return ev, err
}

// InventoryLowStock alerts back-office staff that a product is running out.
func (s *Service) InventoryLowStock(ctx context.Context, productID string, remaining int) (*domain.Event, error) {
	ev, _, err := s.Create(ctx, CreateSpec{
		Type:       domain.EventInventoryLowStock,
		TargetID:   productID,
		TargetKind: domain.TargetProduct,
		Data:       mustEncode(map[string]any{"productId": productID, "remaining": remaining}),
		Audience:   domain.RoleAudience("admin"),
	})
	return ev, err
}

// PaymentReceived notifies a customer that their payment settled.
func (s *Service) PaymentReceived(ctx context.Context, userID, paymentID string, amountCents int64, currency string) (*domain.Event, error) {
	ev, _, err := s.Create(ctx, CreateSpec{
		Type:       domain.EventPaymentReceived,
		TargetID:   paymentID,
		TargetKind: domain.TargetPayment,
		Data:       mustEncode(map[string]any{"paymentId": paymentID, "amountCents": amountCents, "currency": currency}),
		Audience:   domain.UserAudience(userID),
	})
	return ev, err
}

// PaymentFailed notifies a customer that their payment was declined.
func (s *Service) PaymentFailed(ctx context.Context, userID, paymentID, reason string) (*domain.Event, error) {
	ev, _, err := s.Create(ctx, CreateSpec{
		Type:       domain.EventPaymentFailed,
		TargetID:   paymentID,
		TargetKind: domain.TargetPayment,
		Data:       mustEncode(map[string]string{"paymentId": paymentID, "reason": reason}),
		Audience:   domain.UserAudience(userID),
	})
	return ev, err
}

// UserNotification delivers a direct message to one user.
func (s *Service) UserNotification(ctx context.Context, userID, title, message string) (*domain.Event, error) {
	ev, _, err := s.Create(ctx, CreateSpec{
		Type:       domain.EventUserNotification,
		TargetID:   userID,
		TargetKind: domain.TargetUser,
		Data:       mustEncode(map[string]string{"title": title, "message": message}),
		Audience:   domain.UserAudience(userID),
	})
	return ev, err
}

// SystemNotification broadcasts an announcement to everyone connected.
func (s *Service) SystemNotification(ctx context.Context, title, message string) (*domain.Event, error) {
	ev, _, err := s.Create(ctx, CreateSpec{
		Type:     domain.EventSystemNotification,
		Data:     mustEncode(map[string]string{"title": title, "message": message}),
		Audience: domain.PublicAudience(),
	})
	return ev, err
}
