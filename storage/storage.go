package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"notification-service/domain"
)

// DefaultHistoryLimit is the page size of a history query when the caller
// does not ask for one.
const DefaultHistoryLimit = 50

// MaxHistoryLimit caps a caller-supplied history page size.
const MaxHistoryLimit = 200

// Storage persists event records in Azure Table Storage. Events are
// partitioned by audience kind with the event id as row key.
type Storage struct {
	events *aztables.Client
}

// New creates a Storage instance from the given connection string.
func New(connStr, eventsTable string) (*Storage, error) {
	clientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &clientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{events: svc.NewClient(eventsTable)}, nil
}

type eventEntity struct {
	aztables.Entity
	Type          string `json:"Type"`
	TargetID      string `json:"TargetId"`
	TargetKind    string `json:"TargetKind"`
	Data          string `json:"Data"`
	Recipients    string `json:"Recipients"`
	Roles         string `json:"Roles"`
	CreatedAt     int64  `json:"CreatedAt"`
	Processed     bool   `json:"Processed"`
	DispatchError string `json:"DispatchError"`
}

func encodeEventEntity(ev *domain.Event) ([]byte, error) {
	ent := eventEntity{
		Entity: aztables.Entity{
			PartitionKey: string(ev.Audience.Kind),
			RowKey:       ev.ID,
		},
		Type:          string(ev.Type),
		TargetID:      ev.TargetID,
		TargetKind:    string(ev.TargetKind),
		Data:          string(ev.Data),
		CreatedAt:     ev.CreatedAt,
		Processed:     ev.Processed,
		DispatchError: ev.DispatchError,
	}
	if len(ev.Audience.Users) > 0 {
		users, err := json.Marshal(ev.Audience.Users)
		if err != nil {
			return nil, err
		}
		ent.Recipients = string(users)
	}
	if len(ev.Audience.Roles) > 0 {
		roles, err := json.Marshal(ev.Audience.Roles)
		if err != nil {
			return nil, err
		}
		ent.Roles = string(roles)
	}
	return json.Marshal(ent)
}

func decodeEventEntity(data []byte) (domain.Event, error) {
	var ent eventEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Event{}, err
	}
	ev := domain.Event{
		ID:            ent.RowKey,
		Type:          domain.EventType(ent.Type),
		TargetID:      ent.TargetID,
		TargetKind:    domain.TargetKind(ent.TargetKind),
		CreatedAt:     ent.CreatedAt,
		Processed:     ent.Processed,
		DispatchError: ent.DispatchError,
		Audience:      domain.Audience{Kind: domain.AudienceKind(ent.PartitionKey)},
	}
	if ent.Data != "" {
		ev.Data = json.RawMessage(ent.Data)
	}
	if ent.Recipients != "" {
		if err := json.Unmarshal([]byte(ent.Recipients), &ev.Audience.Users); err != nil {
			return domain.Event{}, fmt.Errorf("decode recipients: %w", err)
		}
	}
	if ent.Roles != "" {
		if err := json.Unmarshal([]byte(ent.Roles), &ev.Audience.Roles); err != nil {
			return domain.Event{}, fmt.Errorf("decode roles: %w", err)
		}
	}
	return ev, nil
}

// SaveEvent inserts a new event record.
func (s *Storage) SaveEvent(ctx context.Context, ev *domain.Event) error {
	payload, err := encodeEventEntity(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := s.events.AddEntity(ctx, payload, nil); err != nil {
		return err
	}
	return nil
}

// MarkProcessed flips the processed flag and records the dispatch outcome.
// It is called exactly once per event, by the creating call.
func (s *Storage) MarkProcessed(ctx context.Context, ev *domain.Event, dispatchErr string) error {
	patch := map[string]any{
		"PartitionKey":  string(ev.Audience.Kind),
		"RowKey":        ev.ID,
		"Processed":     true,
		"DispatchError": dispatchErr,
	}
	payload, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	et := azcore.ETagAny
	_, err = s.events.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{
		IfMatch:    &et,
		UpdateMode: aztables.UpdateModeMerge,
	})
	return err
}

// HistoryQuery filters and paginates a pull-based history query.
type HistoryQuery struct {
	Types []domain.EventType
	Limit int
	Skip  int
}

// EventsForUser returns public events plus events addressed to the user,
// newest first. It is a catch-up query, not a delivery guarantee, and is
// independent of live connections.
func (s *Storage) EventsForUser(ctx context.Context, userID string, q HistoryQuery) ([]domain.Event, error) {
	events, err := s.listPartitions(ctx, string(domain.AudiencePublic), string(domain.AudienceUsers))
	if err != nil {
		return nil, err
	}
	return FilterHistory(events, userID, q), nil
}

func (s *Storage) listPartitions(ctx context.Context, partitions ...string) ([]domain.Event, error) {
	events := []domain.Event{}
	for _, pk := range partitions {
		filter := "PartitionKey eq '" + pk + "'"
		pager := s.events.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
		for pager.More() {
			resp, err := pager.NextPage(ctx)
			if err != nil {
				return nil, err
			}
			for _, raw := range resp.Entities {
				ev, err := decodeEventEntity(raw)
				if err != nil {
					return nil, err
				}
				events = append(events, ev)
			}
		}
	}
	return events, nil
}

// FilterHistory applies the user-visibility rule, the optional type filter
// and pagination to a set of event records.
func FilterHistory(events []domain.Event, userID string, q HistoryQuery) []domain.Event {
	matched := make([]domain.Event, 0, len(events))
	for _, ev := range events {
		if !visibleToUser(ev, userID) {
			continue
		}
		if len(q.Types) > 0 && !containsType(q.Types, ev.Type) {
			continue
		}
		matched = append(matched, ev)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt > matched[j].CreatedAt })

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	skip := q.Skip
	if skip < 0 {
		skip = 0
	}
	if skip >= len(matched) {
		return []domain.Event{}
	}
	matched = matched[skip:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched
}

func visibleToUser(ev domain.Event, userID string) bool {
	switch ev.Audience.Kind {
	case domain.AudiencePublic:
		return true
	case domain.AudienceUsers:
		for _, u := range ev.Audience.Users {
			if u == userID {
				return true
			}
		}
	}
	return false
}

func containsType(types []domain.EventType, t domain.EventType) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

// CountEvents returns the total number of persisted event records.
func (s *Storage) CountEvents(ctx context.Context) (int, error) {
	sel := "RowKey"
	pager := s.events.NewListEntitiesPager(&aztables.ListEntitiesOptions{Select: &sel})
	count := 0
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return 0, err
		}
		count += len(resp.Entities)
	}
	return count, nil
}
