package subscription

import (
	"sync"

	"github.com/alwitt/streamconsumer/core"
	"github.com/alwitt/streamconsumer/flowcontrol"
)

// TrackerState is where a subscription currently sits in its lifecycle.
type TrackerState int

// Tracker lifecycle states.
const (
	// StateActive means the subscription has a live subscription id against
	// its manager's connection and is receiving chunks.
	StateActive TrackerState = iota
	// StateRecovering means the manager's connection was lost or its
	// stream's topology changed, and the Recovery Engine is working to
	// reassign this tracker to a (possibly new) manager.
	StateRecovering
	// StateClosed means the subscription was torn down for good (by its
	// closer, by its manager closing, or by recovery giving up on it) and
	// will never recover.
	StateClosed
)

func (s TrackerState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateRecovering:
		return "recovering"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SubscriptionListener is invoked immediately before every subscribe
// attempt made for a tracker — the original one and every attempt recovery
// makes afterward — given the stream and the offset specification about to
// be sent to the broker. It may override the offset by returning a
// different one than the one passed in.
type SubscriptionListener func(stream string, offset core.OffsetSpecification) core.OffsetSpecification

// SubscribeRequest bundles everything Manager.Add needs to open a new
// subscription, mirroring the coordinator façade's own subscribe contract
// (stream, offset, consumer name, subscription listener, tracking closer,
// message handler, properties) in one value instead of a long parameter
// list.
type SubscribeRequest struct {
	Stream               string
	Offset               core.OffsetSpecification
	ConnectionTag        string
	ConsumerName         string
	Properties           map[string]string
	Listener             core.MessageListener
	SubscriptionListener SubscriptionListener
	// TrackingCloser runs exactly once, the first time the tracker is
	// closed, whether by deliberate unsubscribe or by recovery giving up.
	TrackingCloser func()
}

// Tracker is one subscription's durable identity across however many
// managers and subscription ids it occupies over its lifetime: the
// Subscription Registry's unit of bookkeeping, and the unit recovery
// reassigns as a whole.
//
// A Tracker's exported fields are set once at creation; every field that
// changes over the subscription's life is read and written only through
// its methods, which hold the tracker's own lock.
type Tracker struct {
	Stream               string
	Properties           map[string]string
	InitialOffset        core.OffsetSpecification
	ConsumerName         string
	ConnectionTag        string
	Listener             core.MessageListener
	SubscriptionListener SubscriptionListener
	TrackingCloser       func()

	mu             sync.Mutex
	state          TrackerState
	subscriptionID core.SubscriptionID
	lastOffset     uint64
	hasDelivered   bool
	manager        *Manager
	strategy       flowcontrol.Strategy
}

// NewTracker creates a Tracker in StateActive, bound to subscriptionID on
// whichever manager currently owns it. strategy is the flow-control
// strategy this tracker owns for its whole life, reused across every
// reassignment recovery performs.
func NewTracker(
	req SubscribeRequest,
	strategy flowcontrol.Strategy,
	subscriptionID core.SubscriptionID,
	manager *Manager,
) *Tracker {
	return &Tracker{
		Stream:               req.Stream,
		Properties:           req.Properties,
		InitialOffset:        req.Offset,
		ConsumerName:         req.ConsumerName,
		ConnectionTag:        req.ConnectionTag,
		Listener:             req.Listener,
		SubscriptionListener: req.SubscriptionListener,
		TrackingCloser:       req.TrackingCloser,
		state:                StateActive,
		subscriptionID:       subscriptionID,
		manager:              manager,
		strategy:             strategy,
	}
}

// Strategy returns the flow-control strategy this tracker owns. Set once at
// construction and never replaced, so it carries state (e.g. Synchronous's
// lack thereof, or a stateful strategy's counters) across every manager the
// tracker is reassigned to.
func (t *Tracker) Strategy() flowcontrol.Strategy {
	return t.strategy
}

// Manager returns the subscription manager currently holding this
// tracker's live subscription.
func (t *Tracker) Manager() *Manager {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.manager
}

// State returns the tracker's current lifecycle state.
func (t *Tracker) State() TrackerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SubscriptionID returns the subscription id this tracker currently holds
// against its manager's connection. Only meaningful while StateActive.
func (t *Tracker) SubscriptionID() core.SubscriptionID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subscriptionID
}

// Rebind moves the tracker into StateActive under a new subscription id on
// a (possibly new) manager, the step recovery takes once a reassignment
// succeeds.
func (t *Tracker) Rebind(subscriptionID core.SubscriptionID, manager *Manager) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscriptionID = subscriptionID
	t.manager = manager
	t.state = StateActive
}

// MarkRecovering transitions the tracker out of StateActive so the
// Recovery Engine can claim it; a no-op if already recovering or closed.
func (t *Tracker) MarkRecovering() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateActive {
		t.state = StateRecovering
	}
}

// Close transitions the tracker to StateClosed for good and runs
// TrackingCloser exactly once. Returns false if it was already closed.
// Close never invokes TrackingCloser while holding the tracker's lock.
func (t *Tracker) Close() bool {
	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return false
	}
	t.state = StateClosed
	closer := t.TrackingCloser
	t.mu.Unlock()

	if closer != nil {
		closer()
	}
	return true
}

// ResumeOffset computes where a reassigned subscription should resume
// reading when no consumer name is set for a stored-offset query: the last
// offset this tracker actually observed a chunk at (the broker filters
// already-delivered messages out, so this is not incremented), or its
// original InitialOffset if it never received one.
func (t *Tracker) ResumeOffset() core.OffsetSpecification {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.hasDelivered {
		return t.InitialOffset
	}
	return core.OffsetAt(t.lastOffset)
}

// ObserveChunk records a chunk this tracker received, advancing the offset
// ResumeOffset will report if the connection is later lost.
func (t *Tracker) ObserveChunk(offset uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastOffset = offset
	t.hasDelivered = true
}
