package realtime

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/canopyhq/canopy/internal/event"
	"github.com/canopyhq/canopy/internal/logger"
)

// sendBuffer is the per-connection outbound queue depth. A full queue means
// the peer is too slow; further events are dropped for that connection only.
const sendBuffer = 64

// Conn is one live bidirectional channel plus identity metadata. Builder
// connections carry UserID/OrgID, consumer connections carry SessionID and
// participant fields. A Conn belongs to exactly one registry entry.
type Conn struct {
	ID string

	// MemberID is the identity used by SendMany exclusion: the participant
	// id for consumers, the user id for builders.
	MemberID string

	UserID        string
	OrgID         string
	SessionID     string
	ParticipantID string
	DisplayName   string
	ConnectedAt   time.Time

	send      chan event.Event
	done      chan struct{}
	closeOnce sync.Once

	subMu         sync.RWMutex
	subscriptions map[string]struct{}
}

// NewConn creates a connection with a random id.
func NewConn() *Conn {
	return &Conn{
		ID:            newConnID(),
		ConnectedAt:   time.Now(),
		send:          make(chan event.Event, sendBuffer),
		done:          make(chan struct{}),
		subscriptions: make(map[string]struct{}),
	}
}

// Close marks the connection dead. Safe to call multiple times.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Done is closed when the connection is shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Events is the outbound queue the write pump drains.
func (c *Conn) Events() <-chan event.Event {
	return c.send
}

// deliver enqueues an event, reporting false for a closed or backed-up
// connection. Delivery failure is never fatal to the caller.
func (c *Conn) deliver(ev event.Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- ev:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// Subscribe adds a channel subscription (job progress and similar feeds).
func (c *Conn) Subscribe(channel string) {
	c.subMu.Lock()
	c.subscriptions[channel] = struct{}{}
	c.subMu.Unlock()
}

// Unsubscribe removes a channel subscription.
func (c *Conn) Unsubscribe(channel string) {
	c.subMu.Lock()
	delete(c.subscriptions, channel)
	c.subMu.Unlock()
}

// Subscribed reports whether the connection listens on a channel.
func (c *Conn) Subscribed(channel string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	_, ok := c.subscriptions[channel]
	return ok
}

// Registry holds the live connections for one audience, keyed by identity
// (user id for builders, session id for consumers). It is only ever mutated
// by the owning process; cross-process visibility goes through the bridge.
type Registry struct {
	name     string
	counters *Counters
	log      *logger.Logger

	mu    sync.RWMutex
	conns map[string]map[*Conn]struct{}
}

// NewRegistry creates an empty registry. counters may be nil.
func NewRegistry(name string, counters *Counters, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Global()
	}
	return &Registry{
		name:     name,
		counters: counters,
		log:      log.WithPrefix(name),
		conns:    make(map[string]map[*Conn]struct{}),
	}
}

// Register adds a connection under a key.
func (r *Registry) Register(key string, c *Conn) {
	r.mu.Lock()
	set, ok := r.conns[key]
	if !ok {
		set = make(map[*Conn]struct{})
		r.conns[key] = set
	}
	set[c] = struct{}{}
	total := len(set)
	r.mu.Unlock()

	r.log.Debug("Connection %s registered under %s (key total: %d)", c.ID, key, total)
}

// Unregister removes a connection; the key disappears with its last
// connection so no empty sets are retained.
func (r *Registry) Unregister(key string, c *Conn) {
	r.mu.Lock()
	if set, ok := r.conns[key]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(r.conns, key)
		}
	}
	r.mu.Unlock()

	r.log.Debug("Connection %s unregistered from %s", c.ID, key)
}

// SendOne delivers an event to a single connection. Write failures are
// reported as false, never raised.
func (r *Registry) SendOne(c *Conn, ev event.Event) bool {
	ok := c.deliver(ev)
	r.count(ok, 1)
	return ok
}

// SendMany delivers an event to every connection under a key, skipping the
// connection whose MemberID equals excludeID. Returns the delivered count.
func (r *Registry) SendMany(key string, ev event.Event, excludeID string) int {
	r.mu.RLock()
	targets := make([]*Conn, 0, len(r.conns[key]))
	for c := range r.conns[key] {
		if excludeID != "" && c.MemberID == excludeID {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if ok := c.deliver(ev); ok {
			delivered++
		} else {
			r.count(false, 1)
		}
	}
	r.count(true, delivered)
	return delivered
}

// SendAll delivers an event to every connection accepted by the filter,
// across all keys. A nil filter matches everything.
func (r *Registry) SendAll(ev event.Event, filter func(*Conn) bool) int {
	r.mu.RLock()
	var targets []*Conn
	for _, set := range r.conns {
		for c := range set {
			if filter == nil || filter(c) {
				targets = append(targets, c)
			}
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if c.deliver(ev) {
			delivered++
		} else {
			r.count(false, 1)
		}
	}
	r.count(true, delivered)
	return delivered
}

// Count returns the number of live connections under a key.
func (r *Registry) Count(key string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[key])
}

// Has reports whether a key has any live connections.
func (r *Registry) Has(key string) bool {
	return r.Count(key) > 0
}

// Len returns the total number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, set := range r.conns {
		total += len(set)
	}
	return total
}

// CloseAll closes every connection. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	var all []*Conn
	for _, set := range r.conns {
		for c := range set {
			all = append(all, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range all {
		c.Close()
	}
}

func (r *Registry) count(delivered bool, n int) {
	if r.counters == nil || n == 0 {
		return
	}
	if delivered {
		r.counters.Delivered.Add(int64(n))
	} else {
		r.counters.Dropped.Add(int64(n))
	}
}

func newConnID() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		return "conn-unknown"
	}
	return hex.EncodeToString(bytes)
}
