package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"notification-service/domain"
)

var (
	// ErrDuplicateConnection is returned when a connection id is already
	// registered. Registration never silently overwrites.
	ErrDuplicateConnection = errors.New("connection id already registered")
	// ErrTransportClosed is returned when the transport is already dead at
	// registration time.
	ErrTransportClosed = errors.New("transport already closed")
)

// Scheduler registers cancellable periodic tasks. It is satisfied by
// *scheduler.Scheduler.
type Scheduler interface {
	RegisterPeriodicTask(id string, interval time.Duration, fn func(context.Context)) bool
	UnregisterTask(id string) bool
}

// Options tunes registry liveness behavior.
type Options struct {
	// HeartbeatInterval is the period of the per-connection keep-alive.
	HeartbeatInterval time.Duration
	// StaleThreshold is the idle duration after which the default cleanup
	// predicate considers a connection dead.
	StaleThreshold time.Duration
}

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultStaleThreshold    = 5 * time.Minute
)

// Registry is the process-local table of live connections plus secondary
// indices by user and by role. All map mutation happens under one mutex;
// frame writes happen outside it, one goroutine per connection, so one slow
// consumer cannot stall fan-out to the rest.
type Registry struct {
	sched  Scheduler
	logger *log.Logger

	heartbeatInterval time.Duration
	staleThreshold    time.Duration

	mu     sync.Mutex
	conns  map[string]*Connection
	byUser map[string]map[string]struct{}
	byRole map[string]map[string]struct{}

	sweeping atomic.Bool
}

// New creates an empty registry. sched may be nil, in which case no
// heartbeat tasks are scheduled (callers drive Heartbeat themselves).
func New(sched Scheduler, logger *log.Logger, opts Options) *Registry {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.StaleThreshold <= 0 {
		opts.StaleThreshold = defaultStaleThreshold
	}
	return &Registry{
		sched:             sched,
		logger:            logger,
		heartbeatInterval: opts.HeartbeatInterval,
		staleThreshold:    opts.StaleThreshold,
		conns:             make(map[string]*Connection),
		byUser:            make(map[string]map[string]struct{}),
		byRole:            make(map[string]map[string]struct{}),
	}
}

// RegisterOptions carries the optional identity and subscription filter of a
// new connection.
type RegisterOptions struct {
	UserID string
	Role   string
	Filter []domain.EventType
}

// Register inserts a new connection, sends the initial acknowledgment frame
// and starts its heartbeat. It fails on a duplicate id or a transport that
// is already closed; a failed handshake write deregisters immediately.
func (r *Registry) Register(id string, t Transport, opts RegisterOptions) (*Connection, error) {
	if id == "" {
		return nil, errors.New("connection id is required")
	}
	if t == nil {
		return nil, errors.New("transport is required")
	}
	if t.Closed() {
		return nil, ErrTransportClosed
	}

	now := time.Now()
	c := &Connection{
		ID:           id,
		UserID:       opts.UserID,
		Role:         opts.Role,
		ConnectedAt:  now,
		transport:    t,
		state:        StateConnecting,
		lastActivity: now,
	}
	if len(opts.Filter) > 0 {
		c.filter = make(map[domain.EventType]struct{}, len(opts.Filter))
		for _, et := range opts.Filter {
			c.filter[et] = struct{}{}
		}
	}

	r.mu.Lock()
	if _, exists := r.conns[id]; exists {
		r.mu.Unlock()
		return nil, ErrDuplicateConnection
	}
	r.conns[id] = c
	if c.UserID != "" {
		addIndex(r.byUser, c.UserID, id)
	}
	if c.Role != "" {
		addIndex(r.byRole, c.Role, id)
	}
	r.mu.Unlock()

	ack, err := sonic.Marshal(map[string]string{"connectionId": id})
	if err != nil {
		r.Deregister(id)
		return nil, fmt.Errorf("encode ack: %w", err)
	}
	if err := t.WriteFrame("connected", ack); err != nil {
		r.Deregister(id)
		return nil, fmt.Errorf("handshake write: %w", err)
	}
	c.setState(StateOpen)
	c.touch(time.Now())

	if r.sched != nil {
		r.sched.RegisterPeriodicTask(heartbeatTaskID(id), r.heartbeatInterval, func(context.Context) {
			r.Heartbeat(id)
		})
	}

	r.logger.WithFields(log.Fields{
		"connection_id": id,
		"user_id":       c.UserID,
		"role":          c.Role,
		"filter_size":   len(c.filter),
	}).Info("connection registered")
	return c, nil
}

// Heartbeat writes a keep-alive frame on the connection. A write failure is
// treated like a dispatch failure: the connection is deregistered.
func (r *Registry) Heartbeat(id string) bool {
	c, ok := r.Connection(id)
	if !ok || c.State() != StateOpen {
		return false
	}
	if err := c.transport.WriteComment("keep-alive"); err != nil {
		c.setState(StateDraining)
		r.logger.WithFields(log.Fields{"connection_id": id, "error": err.Error()}).Debug("heartbeat write failed")
		r.Deregister(id)
		return false
	}
	c.touch(time.Now())
	return true
}

// SendToConnection writes one event frame to the connection. On any write
// failure the connection is deregistered and false is returned; the caller
// never sees an error. Dispatching to a closed or unknown id is a no-op that
// lazily cleans up leftover index entries.
func (r *Registry) SendToConnection(id string, ev *domain.Event) bool {
	c, ok := r.Connection(id)
	if !ok {
		return false
	}
	switch c.State() {
	case StateClosed:
		// Leftover id from a missed close event.
		r.Deregister(id)
		return false
	case StateOpen:
	default:
		return false
	}

	payload, err := encodeEventFrame(ev)
	if err != nil {
		r.logger.WithFields(log.Fields{"event_id": ev.ID, "error": err.Error()}).Error("encode event frame")
		return false
	}
	if err := c.transport.WriteFrame(string(ev.Type), payload); err != nil {
		c.setState(StateDraining)
		r.logger.WithFields(log.Fields{
			"connection_id": id,
			"event_id":      ev.ID,
			"error":         err.Error(),
		}).Debug("dispatch write failed, dropping connection")
		r.Deregister(id)
		return false
	}
	c.touch(time.Now())
	return true
}

// Broadcast delivers the event to every open connection whose subscription
// filter matches, after applying the optional extra predicate. Each send
// runs in its own goroutine, so a blocked consumer neither fails nor delays
// delivery to the rest.
func (r *Registry) Broadcast(ev *domain.Event, pred func(*Connection) bool) (delivered, failed int) {
	return r.fanOut(r.snapshot(), ev, pred)
}

// SendToUsers delivers the event to every open connection of the given
// users. Users with no live connection are skipped; partial-audience
// delivery is not a failure.
func (r *Registry) SendToUsers(userIDs []string, ev *domain.Event) (delivered, failed int) {
	return r.sendToIndexed(r.byUser, userIDs, ev)
}

// SendToRoles delivers the event to every open connection carrying one of
// the given roles.
func (r *Registry) SendToRoles(roles []string, ev *domain.Event) (delivered, failed int) {
	return r.sendToIndexed(r.byRole, roles, ev)
}

func (r *Registry) sendToIndexed(index map[string]map[string]struct{}, keys []string, ev *domain.Event) (delivered, failed int) {
	r.mu.Lock()
	targets := make([]*Connection, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		for id := range index[key] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if c, ok := r.conns[id]; ok {
				targets = append(targets, c)
			}
		}
	}
	r.mu.Unlock()

	return r.fanOut(targets, ev, nil)
}

// fanOut issues one send per matching connection, each in its own
// goroutine. Per-connection frame ordering is preserved by the transport's
// write serialization; the counters are aggregated once every send has
// settled.
func (r *Registry) fanOut(targets []*Connection, ev *domain.Event, pred func(*Connection) bool) (delivered, failed int) {
	var wg sync.WaitGroup
	var okCount, failCount atomic.Int64
	for _, c := range targets {
		if c.State() != StateOpen || !c.wantsType(ev.Type) {
			continue
		}
		if pred != nil && !pred(c) {
			continue
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if r.SendToConnection(id, ev) {
				okCount.Add(1)
			} else {
				failCount.Add(1)
			}
		}(c.ID)
	}
	wg.Wait()
	return int(okCount.Load()), int(failCount.Load())
}

// Connection looks up a live connection by id.
func (r *Registry) Connection(id string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	return c, ok
}

// Deregister removes the connection from the primary map and every
// secondary index referencing it, cancels its heartbeat task and closes the
// transport. It is idempotent.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, id)
	removeIndex(r.byUser, c.UserID, id)
	removeIndex(r.byRole, c.Role, id)
	r.mu.Unlock()

	if r.sched != nil {
		r.sched.UnregisterTask(heartbeatTaskID(id))
	}
	c.setState(StateClosed)
	_ = c.transport.Close()

	r.logger.WithFields(log.Fields{
		"connection_id": id,
		"user_id":       c.UserID,
		"role":          c.Role,
	}).Info("connection deregistered")
}

// Cleanup sweeps all connections and deregisters those matching the
// predicate. A nil predicate removes connections that are not open or have
// been idle longer than the stale threshold. If a sweep is already running a
// concurrent call is a no-op returning 0.
func (r *Registry) Cleanup(pred func(*Connection) bool) int {
	if !r.sweeping.CompareAndSwap(false, true) {
		return 0
	}
	defer r.sweeping.Store(false)

	if pred == nil {
		pred = r.staleOrDead
	}
	removed := 0
	for _, c := range r.snapshot() {
		if pred(c) {
			r.Deregister(c.ID)
			removed++
		}
	}
	return removed
}

func (r *Registry) staleOrDead(c *Connection) bool {
	if c.State() != StateOpen {
		return true
	}
	return time.Since(c.LastActivity()) > r.staleThreshold
}

func (r *Registry) snapshot() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

func addIndex(index map[string]map[string]struct{}, key, id string) {
	if index[key] == nil {
		index[key] = make(map[string]struct{})
	}
	index[key][id] = struct{}{}
}

func removeIndex(index map[string]map[string]struct{}, key, id string) {
	if key == "" {
		return
	}
	if ids, ok := index[key]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(index, key)
		}
	}
}

func heartbeatTaskID(connID string) string {
	return "heartbeat:" + connID
}
