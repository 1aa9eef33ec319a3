package subscription

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/alwitt/streamconsumer/common"
	"github.com/alwitt/streamconsumer/core"
	"github.com/alwitt/streamconsumer/flowcontrol"
	"github.com/apex/log"
)

// ErrManagerFull is returned by Manager.Add when every subscription slot
// the underlying connection can carry is already occupied.
var ErrManagerFull = common.WrapIllegalState("subscription manager has no free slot")

// ConnectionLostListener is invoked once, from the Client's own shutdown
// callback, when the connection a Manager wraps is lost. It receives every
// tracker that was active at the time, so the caller (the Recovery
// Engine) can reassign them elsewhere.
type ConnectionLostListener func(mgr *Manager, lost []*Tracker)

// MetadataChangedListener is invoked when the broker pushes an unsolicited
// metadata update for a stream this manager has at least one tracker
// against.
type MetadataChangedListener func(mgr *Manager, stream string, affected []*Tracker)

// Manager is the per-connection Subscription Manager: a fixed 256-slot
// table of trackers multiplexed over one Client, dispatching chunks to
// each tracker's listener without ever holding its lock across a caller
// callback.
type Manager struct {
	common.Component

	Broker         core.Broker
	ConnectionName string

	client      core.Client
	flowControl flowcontrol.Builder

	mu    sync.RWMutex
	slots [core.MaxSubscriptionsPerClient]*Tracker
	count int

	closed atomic.Bool

	onConnectionLost ConnectionLostListener
	onMetadataUpdate MetadataChangedListener
}

// NewManager wires a Manager around an already-connected Client. The
// manager installs its own shutdown and metadata listeners on the client,
// so callers must not install their own afterward. A nil flowControl
// builder falls back to flowcontrol.SynchronousBuilder.
func NewManager(
	broker core.Broker,
	connectionName string,
	client core.Client,
	flowControl flowcontrol.Builder,
	onConnectionLost ConnectionLostListener,
	onMetadataUpdate MetadataChangedListener,
) *Manager {
	if flowControl == nil {
		flowControl = flowcontrol.SynchronousBuilder()
	}
	mgr := &Manager{
		Component: common.Component{LogTags: log.Fields{
			"module": "subscription", "component": "manager",
			"broker": broker.String(), "connection": connectionName,
		}},
		Broker:           broker,
		ConnectionName:   connectionName,
		client:           client,
		flowControl:      flowControl,
		onConnectionLost: onConnectionLost,
		onMetadataUpdate: onMetadataUpdate,
	}

	client.SetShutdownListener(func(_ core.SubscriptionID, reason core.ShutdownReason) {
		if reason != core.ShutdownReasonConnectionClosed {
			return
		}
		mgr.handleConnectionLost()
	})
	client.SetMetadataListener(func(update core.MetadataUpdate) {
		mgr.handleMetadataUpdate(update.Stream)
	})

	return mgr
}

// Count returns the number of occupied subscription slots.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count
}

// IsEmpty reports whether the manager currently holds no subscriptions,
// the condition the pool uses to decide whether an idle manager should be
// evicted.
func (m *Manager) IsEmpty() bool {
	return m.Count() == 0
}

// IsFull reports whether every subscription slot is occupied.
func (m *Manager) IsFull() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count >= core.MaxSubscriptionsPerClient
}

// Closed reports whether Close has already run.
func (m *Manager) Closed() bool {
	return m.closed.Load()
}

func (m *Manager) freeSlot() (core.SubscriptionID, bool) {
	for i := 0; i < core.MaxSubscriptionsPerClient; i++ {
		if m.slots[i] == nil {
			return core.SubscriptionID(i), true
		}
	}
	return 0, false
}

// mergeConsumerNameProperty returns a properties map with consumerName
// merged in under the "name" key, without mutating the caller's original
// map. A blank consumerName returns properties unchanged.
func mergeConsumerNameProperty(properties map[string]string, consumerName string) map[string]string {
	if consumerName == "" {
		return properties
	}
	merged := make(map[string]string, len(properties)+1)
	for k, v := range properties {
		merged[k] = v
	}
	merged["name"] = consumerName
	return merged
}

// dispatch wires a just-subscribed id to tracker, running the flow
// strategy's ChunkDelivered before handing the chunk to the caller's own
// listener, so the strategy always sees a chunk before the application
// does.
func (m *Manager) dispatch(id core.SubscriptionID, tracker *Tracker, strategy flowcontrol.Strategy) {
	m.client.SetMessageListener(id, func(chunk core.Chunk) {
		tracker.ObserveChunk(chunk.OffsetValue)
		strategy.ChunkDelivered(context.Background(), chunk.SubscriptionID, chunk, m.client.Credit)
		tracker.Listener(chunk)
	})
}

// Add opens a new subscription against this manager's connection and
// tracks it in the slot table. It returns common.ErrClosed if the manager
// has already been closed and ErrManagerFull if every slot is occupied.
func (m *Manager) Add(ctx context.Context, req SubscribeRequest) (*Tracker, error) {
	if m.closed.Load() {
		return nil, common.ErrClosed
	}

	m.mu.Lock()
	id, ok := m.freeSlot()
	if !ok {
		m.mu.Unlock()
		return nil, ErrManagerFull
	}

	offset := req.Offset
	if req.SubscriptionListener != nil {
		offset = req.SubscriptionListener(req.Stream, offset)
	}
	strategy := m.flowControl()
	credit := strategy.HandleSubscribeReturningInitialCredits(offset, true)
	properties := mergeConsumerNameProperty(req.Properties, req.ConsumerName)

	tracker := NewTracker(req, strategy, id, m)
	m.slots[id] = tracker
	m.count++
	m.mu.Unlock()

	err := m.client.Subscribe(ctx, id, core.SubscribeOptions{
		Stream: req.Stream, Offset: offset, Credit: credit, Properties: properties,
	})
	if err != nil {
		m.mu.Lock()
		m.slots[id] = nil
		m.count--
		m.mu.Unlock()
		log.WithError(err).WithFields(m.LogTags).WithField("stream", req.Stream).Warn("subscribe failed")
		return nil, err
	}

	m.dispatch(id, tracker, strategy)
	return tracker, nil
}

// Rebind installs an already-existing tracker into a fresh slot, the step
// the Recovery Engine takes once it has reassigned a tracker to this
// manager after a disruption.
func (m *Manager) Rebind(ctx context.Context, tracker *Tracker, offset core.OffsetSpecification) error {
	if m.closed.Load() {
		return common.ErrClosed
	}

	m.mu.Lock()
	id, ok := m.freeSlot()
	if !ok {
		m.mu.Unlock()
		return ErrManagerFull
	}

	if tracker.SubscriptionListener != nil {
		offset = tracker.SubscriptionListener(tracker.Stream, offset)
	}
	strategy := tracker.Strategy()
	credit := strategy.HandleSubscribeReturningInitialCredits(offset, false)
	properties := mergeConsumerNameProperty(tracker.Properties, tracker.ConsumerName)

	m.slots[id] = tracker
	m.count++
	m.mu.Unlock()

	err := m.client.Subscribe(ctx, id, core.SubscribeOptions{
		Stream: tracker.Stream, Offset: offset, Credit: credit, Properties: properties,
	})
	if err != nil {
		m.mu.Lock()
		m.slots[id] = nil
		m.count--
		m.mu.Unlock()
		return err
	}

	tracker.Rebind(id, m)
	m.dispatch(id, tracker, strategy)
	return nil
}

// Remove unsubscribes and drops the tracker occupying id. It is the
// deliberate-unsubscribe path; a connection loss instead goes through
// handleConnectionLost, which clears every slot without talking to the
// (already dead) client.
func (m *Manager) Remove(ctx context.Context, id core.SubscriptionID) error {
	m.mu.Lock()
	tracker := m.slots[id]
	if tracker == nil {
		m.mu.Unlock()
		return nil
	}
	m.slots[id] = nil
	m.count--
	m.mu.Unlock()

	tracker.Close()
	return m.client.Unsubscribe(ctx, id)
}

// Close idempotently tears down the manager: every remaining tracker is
// marked closed and the underlying Client is closed. Close is safe to call
// more than once and from multiple goroutines concurrently; only the first
// call does any work.
func (m *Manager) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	m.mu.Lock()
	var trackers []*Tracker
	for i, tracker := range m.slots {
		if tracker != nil {
			trackers = append(trackers, tracker)
			m.slots[i] = nil
		}
	}
	m.count = 0
	m.mu.Unlock()

	for _, tracker := range trackers {
		tracker.Close()
	}

	log.WithFields(m.LogTags).Info("closing subscription manager")
	return m.client.Close(ctx)
}

// handleConnectionLost collects every still-active tracker and hands them
// to onConnectionLost without holding the manager lock across the
// callback, matching the dispatch-never-blocks rule applied to recovery
// hand-off as well as message delivery.
func (m *Manager) handleConnectionLost() {
	m.mu.Lock()
	var lost []*Tracker
	for i, tracker := range m.slots {
		if tracker != nil {
			tracker.MarkRecovering()
			lost = append(lost, tracker)
			m.slots[i] = nil
		}
	}
	m.count = 0
	m.mu.Unlock()

	if len(lost) == 0 {
		return
	}
	log.WithFields(m.LogTags).WithField("count", len(lost)).Warn("connection lost, recovering trackers")
	if m.onConnectionLost != nil {
		m.onConnectionLost(m, lost)
	}
}

// handleMetadataUpdate finds every tracker subscribed to stream and hands
// them to onMetadataUpdate for the Recovery Engine to decide whether
// they need to move to a different broker.
func (m *Manager) handleMetadataUpdate(stream string) {
	m.mu.RLock()
	var affected []*Tracker
	for _, tracker := range m.slots {
		if tracker != nil && tracker.Stream == stream {
			affected = append(affected, tracker)
		}
	}
	m.mu.RUnlock()

	if len(affected) == 0 {
		return
	}
	log.WithFields(m.LogTags).WithField("stream", stream).
		WithField("count", len(affected)).Info("metadata update affecting active trackers")
	if m.onMetadataUpdate != nil {
		m.onMetadataUpdate(m, stream, affected)
	}
}
