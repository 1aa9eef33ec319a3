package streamconsumer

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/alwitt/streamconsumer/broker"
	"github.com/alwitt/streamconsumer/common"
	"github.com/alwitt/streamconsumer/core"
	"github.com/alwitt/streamconsumer/flowcontrol"
	"github.com/alwitt/streamconsumer/pool"
	"github.com/alwitt/streamconsumer/recovery"
	"github.com/alwitt/streamconsumer/subscription"
	"github.com/apex/log"
)

// Coordinator is the single entry point this module exposes: it resolves a
// stream to a broker, acquires a pooled connection for it, and opens a
// tracked subscription against it, while the Manager Pool and Recovery
// Engine underneath keep that subscription alive across connection loss
// and topology changes without the caller doing anything further.
type Coordinator struct {
	common.Component

	cfg            common.Config
	metadataClient core.Client
	pool           *pool.Pool
	engine         *recovery.Engine

	closed atomic.Bool
}

// New builds a Coordinator. metadataClient is a connection used only to
// resolve a stream's current leader/replicas, both for the initial Subscribe
// call and for every recovery attempt afterward; it never itself carries a
// subscription. flowControl may be nil, in which case every subscription
// gets flowcontrol.SynchronousBuilder's default strategy.
func New(
	cfg common.Config,
	clientFactory core.ClientFactory,
	metadataClient core.Client,
	flowControl flowcontrol.Builder,
) *Coordinator {
	p := pool.New(cfg, clientFactory, flowControl, nil, nil)
	engine := recovery.NewEngine(
		p, metadataClient, cfg.RecoveryBackOffPolicy, cfg.TopologyBackOffPolicy,
	)
	p.SetListeners(engine.HandleConnectionLost, engine.HandleMetadataUpdate)

	return &Coordinator{
		Component: common.Component{LogTags: log.Fields{
			"module": "streamconsumer", "component": "coordinator",
		}},
		cfg:            cfg,
		metadataClient: metadataClient,
		pool:           p,
		engine:         engine,
	}
}

// CloserFunc tears down a single subscription. It never returns an error:
// a closer's own internal failures are logged, not surfaced, since by the
// time a caller wants to unsubscribe there is nothing more it can do about
// an error except log it itself anyway. CloserFunc is idempotent — only
// the first invocation does any work.
type CloserFunc func()

// Subscribe resolves stream's current leader, acquires a pooled connection
// for it under connectionTag, and opens a subscription starting at offset.
// consumerName, if non-empty, is attached to the broker subscription as
// its "name" property and used by the Recovery Engine to resume from the
// broker's server-stored offset instead of this coordinator's own
// last-observed offset after a disruption. subscriptionListener, if
// non-nil, is invoked immediately before every subscribe attempt this
// coordinator makes for the returned subscription — the original one and
// every attempt recovery makes afterward — and may override the offset
// sent to the broker. trackingCloser, if non-nil, runs exactly once, the
// first time the subscription is torn down, whether by the returned
// closer or by recovery giving up on it for good.
//
// The returned CloserFunc is the subscription's sole handle: calling it
// tears the subscription down for good, and it will not be reassigned even
// if the manager it currently sits on later loses its connection.
func (c *Coordinator) Subscribe(
	ctx context.Context,
	stream string,
	offset core.OffsetSpecification,
	connectionTag string,
	consumerName string,
	properties map[string]string,
	listener core.MessageListener,
	subscriptionListener subscription.SubscriptionListener,
	trackingCloser func(),
) (CloserFunc, error) {
	tracker, err := c.subscribe(
		ctx, stream, offset, connectionTag, consumerName, properties, listener, subscriptionListener, trackingCloser,
	)
	if err != nil {
		return nil, err
	}
	return c.closerFor(tracker), nil
}

// subscribe holds Subscribe's actual logic, returning the tracker itself
// rather than a closer. Split out so this package's own tests can assert
// on tracker state directly instead of only through the opaque CloserFunc
// the public API exposes.
func (c *Coordinator) subscribe(
	ctx context.Context,
	stream string,
	offset core.OffsetSpecification,
	connectionTag string,
	consumerName string,
	properties map[string]string,
	listener core.MessageListener,
	subscriptionListener subscription.SubscriptionListener,
	trackingCloser func(),
) (*subscription.Tracker, error) {
	if c.closed.Load() {
		return nil, common.ErrClosed
	}

	candidates, err := broker.FindBrokersForStream(ctx, c.metadataClient, stream)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).WithField("stream", stream).
			Error("failed to resolve stream topology")
		return nil, err
	}

	req := subscription.SubscribeRequest{
		Stream:               stream,
		Offset:               offset,
		ConnectionTag:        connectionTag,
		ConsumerName:         consumerName,
		Properties:           properties,
		Listener:             listener,
		SubscriptionListener: subscriptionListener,
		TrackingCloser:       trackingCloser,
	}

	var tracker *subscription.Tracker
	leaderBroker := candidates.Leader
	for attempt := 0; ; attempt++ {
		mgr, acquireErr := c.pool.Acquire(ctx, leaderBroker, connectionTag)
		if acquireErr != nil {
			return nil, acquireErr
		}

		tracker, err = mgr.Add(ctx, req)
		if err == nil {
			break
		}
		c.pool.ReleaseIfEmpty(ctx, leaderBroker, connectionTag, mgr)
		if !errors.Is(err, subscription.ErrManagerFull) || attempt >= poolAcquireRetryLimit {
			return nil, err
		}
		log.WithFields(c.LogTags).WithField("stream", stream).
			Debug("lost race for manager slot, retrying acquire")
	}

	log.WithFields(c.LogTags).WithField("stream", stream).
		WithField("broker", candidates.Leader.String()).Info("subscribed")
	return tracker, nil
}

// poolAcquireRetryLimit bounds the Acquire/Add race retry Subscribe
// performs when it loses a race for a manager's last free slot (see
// pool.Pool.Acquire's own doc comment on that race).
const poolAcquireRetryLimit = 8

// closerFor builds the idempotent CloserFunc Subscribe hands back for
// tracker. It re-reads tracker.Manager() at call time rather than
// capturing the manager Subscribe originally acquired, so a close issued
// after recovery has reassigned the tracker still tears down the right
// connection.
func (c *Coordinator) closerFor(tracker *subscription.Tracker) CloserFunc {
	return func() {
		mgr := tracker.Manager()
		if mgr == nil {
			tracker.Close()
			return
		}
		if err := mgr.Remove(context.Background(), tracker.SubscriptionID()); err != nil {
			log.WithError(err).WithFields(c.LogTags).WithField("stream", tracker.Stream).
				Warn("error unsubscribing tracker")
		}
		// Remove only closes the tracker it finds in the slot; a tracker in
		// recovery no longer occupies one, so close it here as well.
		tracker.Close()
		c.pool.ReleaseIfEmpty(context.Background(), mgr.Broker, tracker.ConnectionTag, mgr)
	}
}

// ManagerCount returns how many pooled connections the coordinator
// currently holds open.
func (c *Coordinator) ManagerCount() int {
	return c.pool.ManagerCount()
}

// Snapshot returns a JSON-serializable view of every pooled connection and
// the subscriptions it currently carries, for introspection and tests.
func (c *Coordinator) Snapshot() []pool.ManagerSnapshot {
	return c.pool.Snapshot()
}

// Close idempotently shuts the coordinator down: it stops the Recovery
// Engine first, so no reassignment races a manager being closed, then closes
// every pooled connection.
func (c *Coordinator) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.engine.Close()
	log.WithFields(c.LogTags).Info("coordinator closing")
	return c.pool.Close(ctx)
}
