package recovery

import (
	"context"
	"errors"
	"sync"

	"github.com/alwitt/streamconsumer/broker"
	"github.com/alwitt/streamconsumer/common"
	"github.com/alwitt/streamconsumer/core"
	"github.com/alwitt/streamconsumer/pool"
	"github.com/alwitt/streamconsumer/subscription"
	"github.com/apex/log"
)

// Engine is the Recovery Engine: it reacts to the two events the rest of
// the coordinator hands it — a manager's connection dying (E1) and a
// metadata update invalidating a tracker's current broker (E2) — and
// drives each affected tracker through backed-off reassignment attempts
// until it lands on a manager with a free slot again, or the stream
// itself turns out to be gone.
//
// Engine deliberately never holds a lock across a reassignment attempt:
// each tracker's recovery runs on its own common.RetryTimer goroutine, so
// a slow or stuck reassignment for one tracker never blocks another.
type Engine struct {
	common.Component

	pool            *pool.Pool
	metadataClient  core.Client
	recoveryBackOff common.BackOffPolicy
	topologyBackOff common.BackOffPolicy
	wg              sync.WaitGroup

	mu         sync.Mutex
	inProgress map[*subscription.Tracker]common.RetryTimer
}

// NewEngine creates a Recovery Engine. metadataClient is a connection used
// only to look up stream topology during recovery; it is never used to
// carry a subscription itself.
func NewEngine(
	p *pool.Pool,
	metadataClient core.Client,
	recoveryBackOff common.BackOffPolicy,
	topologyBackOff common.BackOffPolicy,
) *Engine {
	return &Engine{
		Component: common.Component{LogTags: log.Fields{
			"module": "recovery", "component": "engine",
		}},
		pool:            p,
		metadataClient:  metadataClient,
		recoveryBackOff: recoveryBackOff,
		topologyBackOff: topologyBackOff,
		inProgress:      make(map[*subscription.Tracker]common.RetryTimer),
	}
}

// HandleConnectionLost is wired as the pool/manager's ConnectionLostListener
// for event E1: every tracker that was active on the dead connection gets
// its own recovery attempt, paced by the recovery back-off policy.
func (e *Engine) HandleConnectionLost(_ *subscription.Manager, lost []*subscription.Tracker) {
	for _, tracker := range lost {
		e.scheduleRecovery(tracker, e.recoveryBackOff)
	}
}

// HandleMetadataUpdate is wired as the pool/manager's MetadataChangedListener
// for event E2: every tracker whose stream's topology changed is moved to
// StateRecovering and reassigned, paced by the topology back-off policy.
func (e *Engine) HandleMetadataUpdate(_ *subscription.Manager, _ string, affected []*subscription.Tracker) {
	for _, tracker := range affected {
		tracker.MarkRecovering()
		e.scheduleRecovery(tracker, e.topologyBackOff)
	}
}

// scheduleRecovery starts (or skips, if one is already running) the
// retry loop that reassigns tracker to a manager with a free slot.
func (e *Engine) scheduleRecovery(tracker *subscription.Tracker, policy common.BackOffPolicy) {
	e.mu.Lock()
	if _, alreadyRunning := e.inProgress[tracker]; alreadyRunning {
		e.mu.Unlock()
		log.WithFields(e.LogTags).WithField("stream", tracker.Stream).
			Debug("recovery already in progress for tracker, skipping")
		return
	}
	timer := common.NewRetryTimer("recovery-"+tracker.Stream, &e.wg)
	e.inProgress[tracker] = timer
	e.mu.Unlock()

	handler := func(ctx context.Context, attempt int) (bool, error) {
		if tracker.State() == subscription.StateClosed {
			return true, nil
		}
		return e.attemptReassign(ctx, tracker)
	}

	onExhausted := func() {
		log.WithFields(e.LogTags).WithField("stream", tracker.Stream).
			Error("recovery attempts exhausted, giving up on tracker")
		e.finishRecovery(tracker)
		tracker.Close()
	}

	if err := timer.Start(context.Background(), policy, handler, onExhausted); err != nil {
		log.WithError(err).WithFields(e.LogTags).Error("failed to start recovery timer")
		e.finishRecovery(tracker)
	}
}

func (e *Engine) finishRecovery(tracker *subscription.Tracker) {
	e.mu.Lock()
	delete(e.inProgress, tracker)
	e.mu.Unlock()
}

// attemptReassign runs one reassignment attempt: look up the stream's
// current candidates, acquire a manager for the leader, and rebind the
// tracker at its resume offset. Any error is treated as retryable except
// the stream having been deleted outright or access to it having been
// refused outright, either of which ends recovery for good.
func (e *Engine) attemptReassign(ctx context.Context, tracker *subscription.Tracker) (bool, error) {
	candidates, err := broker.FindBrokersForStream(ctx, e.metadataClient, tracker.Stream)
	if err != nil {
		if errors.Is(err, common.ErrStreamDoesNotExist) || errors.Is(err, common.ErrAccessRefused) {
			log.WithError(err).WithFields(e.LogTags).WithField("stream", tracker.Stream).
				Warn("recovery abandoned for tracker")
			e.finishRecovery(tracker)
			tracker.Close()
			return true, nil
		}
		// common.ErrIllegalState (metadata OK but no leader/replicas) and
		// every other directory error are retried: the broker's topology
		// may simply not have converged yet.
		return false, err
	}

	mgr, err := e.pool.Acquire(ctx, candidates.Leader, tracker.ConnectionTag)
	if err != nil {
		return false, err
	}

	oldMgr := tracker.Manager()
	resumeOffset, err := e.resumeOffset(ctx, tracker)
	if err != nil {
		return false, err
	}
	if err := mgr.Rebind(ctx, tracker, resumeOffset); err != nil {
		return false, err
	}

	if oldMgr != nil && oldMgr != mgr {
		e.pool.ReleaseIfEmpty(ctx, oldMgr.Broker, tracker.ConnectionTag, oldMgr)
	}

	e.finishRecovery(tracker)
	log.WithFields(e.LogTags).WithField("stream", tracker.Stream).
		WithField("broker", candidates.Leader.String()).Info("tracker reassigned")
	return true, nil
}

// resumeOffset decides where a reassignment attempt should resume reading.
// When the tracker carries a consumer name, the server-stored offset for
// that name takes precedence over the tracker's own bookkeeping: resume one
// past whatever was last stored. A query timeout or non-OK response fails
// this attempt outright rather than silently falling back to the tracker's
// own last-observed offset, since doing so could replay or skip messages
// the stored offset was specifically there to prevent.
func (e *Engine) resumeOffset(ctx context.Context, tracker *subscription.Tracker) (core.OffsetSpecification, error) {
	if tracker.ConsumerName == "" {
		return tracker.ResumeOffset(), nil
	}

	resp, err := e.metadataClient.QueryOffset(ctx, tracker.Stream, tracker.ConsumerName)
	if err != nil {
		return core.OffsetSpecification{}, err
	}
	if resp.Code != core.CodeOK {
		return core.OffsetSpecification{}, common.WrapIllegalState(
			"stored offset query for " + tracker.Stream + "/" + tracker.ConsumerName + " returned non-OK",
		)
	}
	return core.OffsetAt(resp.Offset + 1), nil
}

// Close stops every recovery attempt still in flight and waits for their
// goroutines to exit.
func (e *Engine) Close() {
	e.mu.Lock()
	timers := make([]common.RetryTimer, 0, len(e.inProgress))
	for _, timer := range e.inProgress {
		timers = append(timers, timer)
	}
	e.inProgress = make(map[*subscription.Tracker]common.RetryTimer)
	e.mu.Unlock()

	for _, timer := range timers {
		timer.Stop()
	}
	e.wg.Wait()
}
