package pool

import (
	"context"
	"fmt"
	"sync"

	"github.com/alwitt/streamconsumer/common"
	"github.com/alwitt/streamconsumer/core"
	"github.com/alwitt/streamconsumer/flowcontrol"
	"github.com/alwitt/streamconsumer/subscription"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// key identifies one pooled connection: a broker plus the logical
// connection-name tag the caller wants subscriptions grouped under (two
// subscriptions asking for the same broker under different connection
// names get two different managers, never sharing one connection).
type key struct {
	broker core.Broker
	name   string
}

// Pool is the Manager Pool: it multiplexes subscriptions onto
// subscription.Manager instances keyed by (broker, connection-name tag),
// opening a new manager only when no existing one for that key has a free
// slot, and evicting a manager once it has no active subscriptions left,
// whether its last tracker was unsubscribed or its connection was lost
// (which empties it).
//
// Pool never touches a Manager's internal lock directly: it only calls
// Manager's own exported, already-synchronized methods, preserving the
// coordinator -> pool -> manager lock order.
type Pool struct {
	common.Component

	cfg           common.Config
	clientFactory core.ClientFactory
	flowControl   flowcontrol.Builder
	onManagerLost subscription.ConnectionLostListener
	onMetadata    subscription.MetadataChangedListener

	mu       sync.Mutex
	managers map[key][]*subscription.Manager
}

// New creates an empty Pool. onManagerLost and onMetadata are forwarded
// from every Manager the pool opens, typically wired to the Recovery
// Engine.
func New(
	cfg common.Config,
	clientFactory core.ClientFactory,
	flowControl flowcontrol.Builder,
	onManagerLost subscription.ConnectionLostListener,
	onMetadata subscription.MetadataChangedListener,
) *Pool {
	return &Pool{
		Component: common.Component{LogTags: log.Fields{
			"module": "pool", "component": "manager-pool",
		}},
		cfg:           cfg,
		clientFactory: clientFactory,
		flowControl:   flowControl,
		onManagerLost: onManagerLost,
		onMetadata:    onMetadata,
		managers:      make(map[key][]*subscription.Manager),
	}
}

// SetListeners (re)wires the listeners the pool forwards from every
// manager it opens from this point on. It exists for the Recovery
// Engine's construction order: the engine needs a *Pool to acquire
// managers from recovery attempts, and the pool needs the engine's
// handlers to forward manager events to — so callers build the pool
// first with nil listeners, construct the engine against it, then call
// SetListeners with the engine's handlers.
func (p *Pool) SetListeners(
	onManagerLost subscription.ConnectionLostListener,
	onMetadata subscription.MetadataChangedListener,
) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onManagerLost = onManagerLost
	p.onMetadata = onMetadata
}

// ManagerCount returns how many managers the pool currently holds open,
// across every broker and connection-name tag.
func (p *Pool) ManagerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, managers := range p.managers {
		total += len(managers)
	}
	return total
}

// ManagerSnapshot is one pooled manager's observable state, used to build
// the coordinator's introspection tree.
type ManagerSnapshot struct {
	Broker            core.Broker `json:"broker"`
	ConnectionName    string      `json:"connection_name"`
	ConnectionTag     string      `json:"connection_tag"`
	SubscriptionCount int         `json:"subscription_count"`
}

// Snapshot returns the observable state of every manager the pool
// currently holds.
func (p *Pool) Snapshot() []ManagerSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []ManagerSnapshot
	for k, managers := range p.managers {
		for _, mgr := range managers {
			out = append(out, ManagerSnapshot{
				Broker:            mgr.Broker,
				ConnectionName:    mgr.ConnectionName,
				ConnectionTag:     k.name,
				SubscriptionCount: mgr.Count(),
			})
		}
	}
	return out
}

// Acquire returns a manager with a free slot for broker under
// connectionNameTag, reusing one of the pool's existing managers for that
// key if one has room, and opening a new connection via clientFactory
// otherwise.
//
// Acquire only checks IsFull; it does not reserve the slot it found, so two
// concurrent Acquire calls can both be handed the same single-slot-free
// manager and race on subscription.Manager.Add itself. Callers that need a
// guaranteed slot must retry Acquire (and its subsequent Add/Rebind) on
// subscription.ErrManagerFull: a retry is handed another manager with room
// or a newly opened one, since the winning Add already filled the one free
// slot this call saw.
func (p *Pool) Acquire(
	ctx context.Context, broker core.Broker, connectionNameTag string,
) (*subscription.Manager, error) {
	k := key{broker: broker, name: connectionNameTag}

	p.mu.Lock()
	for _, mgr := range p.managers[k] {
		if !mgr.Closed() && !mgr.IsFull() {
			p.mu.Unlock()
			return mgr, nil
		}
	}
	p.mu.Unlock()

	connectionName := fmt.Sprintf("%s-%s-%s", p.cfg.ConnectionNamePrefix, connectionNameTag, uuid.NewString())
	client, err := p.clientFactory(ctx, broker, connectionName)
	if err != nil {
		log.WithError(err).WithFields(p.LogTags).WithField("broker", broker.String()).
			Error("failed to open connection for new manager")
		return nil, err
	}

	p.mu.Lock()
	onManagerLost, onMetadata := p.onManagerLost, p.onMetadata
	p.mu.Unlock()

	mgr := subscription.NewManager(
		broker, connectionName, client, p.flowControl,
		func(lostMgr *subscription.Manager, lost []*subscription.Tracker) {
			p.evictIfIdle(context.Background(), k, lostMgr)
			if onManagerLost != nil {
				onManagerLost(lostMgr, lost)
			}
		},
		onMetadata,
	)

	p.mu.Lock()
	p.managers[k] = append(p.managers[k], mgr)
	p.mu.Unlock()

	log.WithFields(p.LogTags).WithField("broker", broker.String()).
		WithField("connection", connectionName).Info("opened new manager")
	return mgr, nil
}

// evictIfIdle drops mgr from the pool if it is empty, and closes its
// connection. Called after a connection loss
// (mgr is already guaranteed empty by Manager.handleConnectionLost, so
// Close here just releases the already-dead client) and from
// ReleaseIfEmpty after a deliberate unsubscribe drains the last tracker.
func (p *Pool) evictIfIdle(ctx context.Context, k key, mgr *subscription.Manager) {
	if !mgr.IsEmpty() {
		return
	}
	p.mu.Lock()
	list := p.managers[k]
	found := false
	for i, candidate := range list {
		if candidate == mgr {
			p.managers[k] = append(list[:i], list[i+1:]...)
			found = true
			break
		}
	}
	if len(p.managers[k]) == 0 {
		delete(p.managers, k)
	}
	p.mu.Unlock()

	if found {
		if err := mgr.Close(ctx); err != nil {
			log.WithError(err).WithFields(p.LogTags).WithField("broker", mgr.Broker.String()).
				Warn("error closing evicted manager")
		}
	}
}

// ReleaseIfEmpty evicts mgr from the pool if it has become empty, the path
// taken after a deliberate unsubscribe drains a manager's last tracker
// (distinct from the connection-loss path, which evicts unconditionally
// through the manager's own onConnectionLost hook).
func (p *Pool) ReleaseIfEmpty(ctx context.Context, broker core.Broker, connectionNameTag string, mgr *subscription.Manager) {
	p.evictIfIdle(ctx, key{broker: broker, name: connectionNameTag}, mgr)
}

// Close closes every manager the pool currently holds.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	var all []*subscription.Manager
	for _, managers := range p.managers {
		all = append(all, managers...)
	}
	p.managers = make(map[key][]*subscription.Manager)
	p.mu.Unlock()

	var firstErr error
	for _, mgr := range all {
		if err := mgr.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
