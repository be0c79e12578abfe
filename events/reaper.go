package events

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"notification-service/registry"
)

// ReaperTaskID names the stale-connection sweep on the scheduler.
const ReaperTaskID = "stale-connection-reaper"

const (
	defaultReaperInterval = 5 * time.Minute
	defaultStaleThreshold = 5 * time.Minute
)

// Scheduler registers periodic tasks. Satisfied by *scheduler.Scheduler.
type Scheduler interface {
	RegisterPeriodicTask(id string, interval time.Duration, fn func(context.Context)) bool
}

// Sweepable is the registry surface the reaper needs.
type Sweepable interface {
	Cleanup(pred func(*registry.Connection) bool) int
	Stats() registry.Stats
}

// ReaperConfig tunes the stale-connection sweep.
type ReaperConfig struct {
	Interval       time.Duration
	StaleThreshold time.Duration
}

// RegisterStaleReaper registers the periodic sweep that removes dead or idle
// connections the close callbacks missed. It is a safety net, not the
// primary cleanup path.
func RegisterStaleReaper(sched Scheduler, reg Sweepable, cfg ReaperConfig, logger *log.Logger) bool {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultReaperInterval
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = defaultStaleThreshold
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return sched.RegisterPeriodicTask(ReaperTaskID, cfg.Interval, func(context.Context) {
		before := reg.Stats().Total
		removed := reg.Cleanup(func(c *registry.Connection) bool {
			if c.State() != registry.StateOpen {
				return true
			}
			return time.Since(c.LastActivity()) > cfg.StaleThreshold
		})
		logger.WithFields(log.Fields{
			"before":  before,
			"removed": removed,
			"after":   before - removed,
		}).Info("stale connection sweep")
	})
}
