package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/canopyhq/canopy/internal/event"
	"github.com/canopyhq/canopy/internal/logger"
)

// Broker subjects. User-targeted payloads and unscoped broadcasts each get
// one subscription per process, consumed for the process lifetime.
const (
	subjectUser      = "canopy.events.user"
	subjectBroadcast = "canopy.events.broadcast"

	// publishTimeout bounds the broker round-trip; a slow broker degrades
	// to local delivery instead of blocking the caller.
	publishTimeout = 2 * time.Second
)

// userEnvelope carries a user-targeted event across processes.
type userEnvelope struct {
	UserID string      `json:"userId"`
	Event  event.Event `json:"event"`
}

// broadcastEnvelope carries an unscoped broadcast. ExcludeUserID lets the
// originating side keep a sender out of its own organization fan-out.
type broadcastEnvelope struct {
	Event         event.Event `json:"event"`
	ExcludeUserID string      `json:"excludeUserId,omitempty"`
}

// Bridge fans events out to whichever process holds the target connection.
// With no broker configured (nc == nil) or an unhealthy broker, delivery
// degrades to the current process only. Session-scoped delivery is always
// local: consumer connections for one session live in one process.
type Bridge struct {
	nc        *nats.Conn
	builders  *Registry
	consumers *Registry
	log       *logger.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
	wg   sync.WaitGroup
}

// NewBridge creates a bridge over the given registries. nc may be nil for
// single-process deployments.
func NewBridge(nc *nats.Conn, builders, consumers *Registry, log *logger.Logger) *Bridge {
	if log == nil {
		log = logger.Global()
	}
	return &Bridge{
		nc:        nc,
		builders:  builders,
		consumers: consumers,
		log:       log.WithPrefix("bridge"),
	}
}

// Start subscribes to the broker subjects and runs one pull loop per subject
// until ctx is cancelled. A nil broker makes Start a no-op.
func (b *Bridge) Start(ctx context.Context) error {
	if b.nc == nil {
		b.log.Info("No broker configured, fan-out is process-local")
		return nil
	}

	userSub, err := b.nc.SubscribeSync(subjectUser)
	if err != nil {
		return err
	}
	broadcastSub, err := b.nc.SubscribeSync(subjectBroadcast)
	if err != nil {
		_ = userSub.Unsubscribe()
		return err
	}

	b.mu.Lock()
	b.subs = []*nats.Subscription{userSub, broadcastSub}
	b.mu.Unlock()

	b.wg.Add(2)
	go b.pullLoop(ctx, userSub, b.handleUserMsg)
	go b.pullLoop(ctx, broadcastSub, b.handleBroadcastMsg)

	b.log.Info("Broker fan-out started (subjects: %s, %s)", subjectUser, subjectBroadcast)
	return nil
}

// Stop drains the subscriptions and waits for the pull loops to exit.
func (b *Bridge) Stop() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	b.wg.Wait()
}

// pullLoop consumes one subscription for the process lifetime.
func (b *Bridge) pullLoop(ctx context.Context, sub *nats.Subscription, handle func([]byte)) {
	defer b.wg.Done()

	for {
		msg, err := sub.NextMsgWithContext(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
				errors.Is(err, nats.ErrBadSubscription) || errors.Is(err, nats.ErrConnectionClosed) {
				return
			}
			b.log.Warn("Broker receive failed: %v", err)
			continue
		}
		handle(msg.Data)
	}
}

// handleUserMsg delivers a broker-received user envelope locally only; never
// re-published, so fan-out cannot loop.
func (b *Bridge) handleUserMsg(data []byte) {
	var env userEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.log.Warn("Dropping malformed user envelope: %v", err)
		return
	}
	b.deliverUserLocal(env.UserID, env.Event)
}

func (b *Bridge) handleBroadcastMsg(data []byte) {
	var env broadcastEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.log.Warn("Dropping malformed broadcast envelope: %v", err)
		return
	}
	b.deliverBroadcastLocal(env)
}

// PublishToUser delivers an event to every connection of a builder, on any
// process. Returns whether delivery happened (broker accepted it, or at
// least one local connection received it).
func (b *Bridge) PublishToUser(userID string, ev event.Event) bool {
	if b.brokerHealthy() {
		env := userEnvelope{UserID: userID, Event: ev}
		if b.publishEnvelope(subjectUser, env) {
			return true
		}
		b.log.Warn("Broker publish failed for user %s, falling back to local delivery", userID)
	}
	return b.deliverUserLocal(userID, ev) > 0
}

// PublishBroadcast delivers an event to every matching builder connection on
// any process.
func (b *Bridge) PublishBroadcast(ev event.Event) bool {
	if b.brokerHealthy() {
		if b.publishEnvelope(subjectBroadcast, broadcastEnvelope{Event: ev}) {
			return true
		}
		b.log.Warn("Broker broadcast failed, falling back to local delivery")
	}
	b.deliverBroadcastLocal(broadcastEnvelope{Event: ev})
	return true
}

// PublishToOrg delivers an event to every member of an organization except
// excludeUserID. Org scoping rides the broadcast subject; each process
// filters by the event's OrgID.
func (b *Bridge) PublishToOrg(orgID string, ev event.Event, excludeUserID string) bool {
	ev.OrgID = orgID
	env := broadcastEnvelope{Event: ev, ExcludeUserID: excludeUserID}
	if b.brokerHealthy() {
		if b.publishEnvelope(subjectBroadcast, env) {
			return true
		}
		b.log.Warn("Broker org publish failed, falling back to local delivery")
	}
	b.deliverBroadcastLocal(env)
	return true
}

// PublishToSession delivers an event to a session's consumer connections.
// This path is local-only: no broker subject backs it, so a multi-process
// deployment gets partial delivery for sessions split across processes.
func (b *Bridge) PublishToSession(sessionID string, ev event.Event, excludeParticipantID string) bool {
	return b.consumers.SendMany(sessionID, ev, excludeParticipantID) > 0
}

func (b *Bridge) publishEnvelope(subject string, env any) bool {
	data, err := json.Marshal(env)
	if err != nil {
		b.log.Error("Failed to marshal envelope: %v", err)
		return false
	}
	if err := b.nc.Publish(subject, data); err != nil {
		return false
	}
	if err := b.nc.FlushTimeout(publishTimeout); err != nil {
		return false
	}
	return true
}

func (b *Bridge) deliverUserLocal(userID string, ev event.Event) int {
	return b.builders.SendMany(userID, ev, "")
}

// deliverBroadcastLocal fans a broadcast to local builder connections,
// honoring org scoping, channel subscriptions and sender exclusion.
func (b *Bridge) deliverBroadcastLocal(env broadcastEnvelope) int {
	return b.builders.SendAll(env.Event, func(c *Conn) bool {
		if env.Event.OrgID != "" && c.OrgID != env.Event.OrgID {
			return false
		}
		if env.ExcludeUserID != "" && c.UserID == env.ExcludeUserID {
			return false
		}
		if env.Event.Channel != "" && !c.Subscribed(env.Event.Channel) {
			return false
		}
		return true
	})
}

func (b *Bridge) brokerHealthy() bool {
	return b.nc != nil && b.nc.Status() == nats.CONNECTED
}
