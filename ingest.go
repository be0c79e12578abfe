package main

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"notification-service/domain"
	"notification-service/events"
)

const ingestDedupeScope = "ingest"

// ingestEnvelope is the queue message format other backend services use to
// emit notifications without calling the HTTP API.
type ingestEnvelope struct {
	Source         string            `json:"source"`
	IdempotencyKey string            `json:"idempotencyKey"`
	Type           domain.EventType  `json:"type"`
	Target         string            `json:"target,omitempty"`
	TargetKind     domain.TargetKind `json:"targetKind,omitempty"`
	Data           json.RawMessage   `json:"data"`
	Audience       audienceEnvelope  `json:"audience"`
}

type audienceEnvelope struct {
	Kind  domain.AudienceKind `json:"kind"`
	Users []string            `json:"users,omitempty"`
	Roles []string            `json:"roles,omitempty"`
}

// eventCreator is the slice of the event service the ingest loop needs.
type eventCreator interface {
	Create(ctx context.Context, spec events.CreateSpec) (*domain.Event, events.DispatchResult, error)
}

// messageDeduper recognizes redelivered queue messages across instances.
type messageDeduper interface {
	Add(ctx context.Context, scope, key string) (bool, error)
	Remove(ctx context.Context, scope, key string) error
}

// runIngest polls the notification queue until ctx is cancelled. Each
// message is decoded, deduplicated by idempotency key and handed to the
// event service.
func runIngest(ctx context.Context, queue *azqueue.QueueClient, svc eventCreator, dedup messageDeduper, logger *log.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}
		resp, err := queue.DequeueMessage(ctx, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.WithError(err).Warn("dequeue notification message")
			time.Sleep(time.Second)
			continue
		}
		if len(resp.Messages) == 0 {
			time.Sleep(time.Second)
			continue
		}
		msg := resp.Messages[0]
		if msg.MessageText == nil {
			if _, err := queue.DeleteMessage(ctx, *msg.MessageID, *msg.PopReceipt, nil); err != nil {
				logger.WithError(err).Warn("delete notification message")
			}
			continue
		}
		if handleIngestMessage(ctx, svc, dedup, logger, *msg.MessageText) {
			if _, err := queue.DeleteMessage(ctx, *msg.MessageID, *msg.PopReceipt, nil); err != nil {
				logger.WithError(err).Warn("delete notification message")
			}
		}
	}
}

// handleIngestMessage processes one queue message body. It reports whether
// the message should be deleted from the queue. Malformed or invalid
// messages are poison and report true; transient failures report false so
// the queue redelivers.
func handleIngestMessage(ctx context.Context, svc eventCreator, dedup messageDeduper, logger *log.Logger, text string) bool {
	var env ingestEnvelope
	if err := sonic.UnmarshalString(text, &env); err != nil {
		logger.WithError(err).Warn("drop malformed notification message")
		return true
	}

	if env.IdempotencyKey != "" && dedup != nil {
		fresh, err := dedup.Add(ctx, ingestDedupeScope, env.IdempotencyKey)
		if err != nil {
			logger.WithError(err).Warn("idempotency check failed, retrying message")
			return false
		}
		if !fresh {
			logger.WithFields(log.Fields{
				"source": env.Source,
				"key":    env.IdempotencyKey,
			}).Info("skip duplicate notification message")
			return true
		}
	}

	spec := events.CreateSpec{
		Type:       env.Type,
		TargetID:   env.Target,
		TargetKind: env.TargetKind,
		Data:       env.Data,
		Audience: domain.Audience{
			Kind:  env.Audience.Kind,
			Users: env.Audience.Users,
			Roles: env.Audience.Roles,
		},
	}

	ev, res, err := svc.Create(ctx, spec)
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			logger.WithError(err).WithField("source", env.Source).Warn("drop invalid notification message")
			return true
		}
		logger.WithError(err).Warn("create notification from queue")
		if env.IdempotencyKey != "" && dedup != nil {
			if rerr := dedup.Remove(ctx, ingestDedupeScope, env.IdempotencyKey); rerr != nil {
				logger.WithError(rerr).Warn("release idempotency key")
			}
		}
		return false
	}

	logger.WithFields(log.Fields{
		"event":     ev.ID,
		"type":      ev.Type,
		"source":    env.Source,
		"delivered": res.Delivered,
		"failed":    res.Failed,
	}).Info("notification ingested from queue")
	return true
}
