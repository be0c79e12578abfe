package registry

import (
	"sync"
	"time"

	"notification-service/domain"
)

// State tracks a connection through its lifecycle. Closed is terminal.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Connection is a live client stream tracked by the registry. It is never
// persisted and is owned exclusively by the registry; producers address
// connections only through user ids, roles, or broadcasts.
type Connection struct {
	ID          string
	UserID      string
	Role        string
	ConnectedAt time.Time

	transport Transport
	filter    map[domain.EventType]struct{}

	mu           sync.Mutex
	state        State
	lastActivity time.Time
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastActivity returns the time of the last successful write.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Filter returns the subscribed event types, nil meaning all.
func (c *Connection) Filter() []domain.EventType {
	if len(c.filter) == 0 {
		return nil
	}
	types := make([]domain.EventType, 0, len(c.filter))
	for t := range c.filter {
		types = append(types, t)
	}
	return types
}

func (c *Connection) wantsType(t domain.EventType) bool {
	if len(c.filter) == 0 {
		return true
	}
	_, ok := c.filter[t]
	return ok
}

func (c *Connection) touch(now time.Time) {
	c.mu.Lock()
	c.lastActivity = now
	c.mu.Unlock()
}

// setState applies a transition. Closed is terminal: once reached, any
// further transition is ignored.
func (c *Connection) setState(next State) {
	c.mu.Lock()
	if c.state != StateClosed {
		c.state = next
	}
	c.mu.Unlock()
}
