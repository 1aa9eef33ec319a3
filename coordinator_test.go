package streamconsumer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alwitt/streamconsumer/common"
	"github.com/alwitt/streamconsumer/core"
	"github.com/alwitt/streamconsumer/subscription"
	"github.com/stretchr/testify/assert"
)

func fastCoordinatorConfig() common.Config {
	cfg := common.DefaultConfig()
	cfg.RecoveryBackOffPolicy = common.FixedBackOffPolicy{InitialDelay: time.Millisecond, Delay: time.Millisecond}
	cfg.TopologyBackOffPolicy = common.FixedBackOffPolicy{InitialDelay: time.Millisecond, Delay: time.Millisecond}
	return cfg
}

// countingFactory hands out a fresh FakeClient per call, in creation order,
// the scenario every end-to-end test here asserts against.
func countingFactory() (core.ClientFactory, func() int, func() []*core.FakeClient) {
	var mu sync.Mutex
	var created []*core.FakeClient
	factory := func(_ context.Context, _ core.Broker, _ string) (core.Client, error) {
		mu.Lock()
		defer mu.Unlock()
		c := core.NewFakeClient()
		created = append(created, c)
		return c, nil
	}
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(created)
	}
	all := func() []*core.FakeClient {
		mu.Lock()
		defer mu.Unlock()
		out := make([]*core.FakeClient, len(created))
		copy(out, created)
		return out
	}
	return factory, count, all
}

func TestSubscribeOpensExactlyOneConnection(t *testing.T) {
	assert := assert.New(t)

	leader := core.Broker{Host: "replica1", Port: 5552}
	metadataClient := core.NewFakeClient()
	metadataClient.MetadataFn = func(_ context.Context, _ string) (core.MetadataResponse, error) {
		return core.MetadataResponse{Code: core.CodeOK, Leader: &leader}, nil
	}

	factory, count, _ := countingFactory()
	coord := New(fastCoordinatorConfig(), factory, metadataClient, nil)
	defer coord.Close(context.Background())

	tracker, err := coord.subscribe(
		context.Background(), "stream", core.OffsetFirst(), "grp", "", nil, func(core.Chunk) {}, nil, nil,
	)
	assert.Nil(err)
	assert.NotNil(tracker)
	assert.Equal(1, count())
	assert.Equal(1, coord.ManagerCount())
}

// TestRedistributeOnDisconnect covers the "redistribute on disconnect"
// scenario: one tracker active, a message delivered, the connection drops,
// metadata stays empty for a couple of lookups, then returns a new leader;
// the tracker should land on a new manager and keep delivering.
func TestRedistributeOnDisconnect(t *testing.T) {
	assert := assert.New(t)

	oldLeader := core.Broker{Host: "b1", Port: 5552}
	newLeader := core.Broker{Host: "b2", Port: 5552}
	var metadataCalls int32
	metadataClient := core.NewFakeClient()
	metadataClient.MetadataFn = func(_ context.Context, _ string) (core.MetadataResponse, error) {
		n := atomic.AddInt32(&metadataCalls, 1)
		if n == 1 {
			// the initial subscribe-time lookup, which must succeed.
			return core.MetadataResponse{Code: core.CodeOK, Leader: &oldLeader}, nil
		}
		if n <= 3 {
			// empty replicas/leader a couple of times during recovery,
			// forcing retry via common.ErrIllegalState.
			return core.MetadataResponse{Code: core.CodeOK}, nil
		}
		return core.MetadataResponse{Code: core.CodeOK, Leader: &newLeader}, nil
	}

	factory, _, all := countingFactory()
	coord := New(fastCoordinatorConfig(), factory, metadataClient, nil)
	defer coord.Close(context.Background())

	var handlerCount int32
	tracker, err := coord.subscribe(
		context.Background(), "stream", core.OffsetFirst(), "grp", "", nil,
		func(core.Chunk) { atomic.AddInt32(&handlerCount, 1) }, nil, nil,
	)
	assert.Nil(err)

	oldMgr := tracker.Manager()
	oldClient := all()[0]
	oldClient.Deliver(core.Chunk{SubscriptionID: tracker.SubscriptionID(), OffsetValue: 1})
	assert.Equal(int32(1), atomic.LoadInt32(&handlerCount))

	oldClient.Disconnect()

	assert.Eventually(func() bool {
		return tracker.Manager() != nil && tracker.Manager() != oldMgr
	}, time.Second, 2*time.Millisecond, "tracker should be reassigned to a new manager")

	newClient := all()[len(all())-1]
	newClient.Deliver(core.Chunk{SubscriptionID: tracker.SubscriptionID(), OffsetValue: 2})
	assert.Equal(int32(2), atomic.LoadInt32(&handlerCount))
}

// TestStreamDeletedDuringRecoveryAbandonsTracker covers the "stream deleted
// during topology update" scenario: the connection is lost, and by the time
// recovery looks the stream up again, it is gone for good.
func TestStreamDeletedDuringRecoveryAbandonsTracker(t *testing.T) {
	assert := assert.New(t)

	leader := core.Broker{Host: "b1", Port: 5552}
	var metadataCalls int32
	metadataClient := core.NewFakeClient()
	metadataClient.MetadataFn = func(_ context.Context, _ string) (core.MetadataResponse, error) {
		n := atomic.AddInt32(&metadataCalls, 1)
		if n == 1 {
			return core.MetadataResponse{Code: core.CodeOK, Leader: &leader}, nil
		}
		return core.MetadataResponse{Code: core.CodeStreamDoesNotExist}, nil
	}

	factory, count, all := countingFactory()
	coord := New(fastCoordinatorConfig(), factory, metadataClient, nil)
	defer coord.Close(context.Background())

	var closedSeen int32
	tracker, err := coord.subscribe(
		context.Background(), "stream", core.OffsetFirst(), "grp", "", nil, func(core.Chunk) {},
		nil, func() { atomic.AddInt32(&closedSeen, 1) },
	)
	assert.Nil(err)

	all()[0].Disconnect()

	assert.Eventually(func() bool {
		return atomic.LoadInt32(&closedSeen) == 1
	}, time.Second, 2*time.Millisecond)

	assert.Equal(subscription.StateClosed, tracker.State())
	assert.Equal(1, count(), "no further connection should have been opened once the stream was gone")
}

// TestOverflowAllocationOpensSecondManager covers the "overflow allocation"
// scenario: issuing more subscriptions than one connection can carry opens
// exactly a second manager, and draining them back down evicts both.
func TestOverflowAllocationOpensSecondManager(t *testing.T) {
	assert := assert.New(t)

	leader := core.Broker{Host: "b1", Port: 5552}
	metadataClient := core.NewFakeClient()
	metadataClient.MetadataFn = func(_ context.Context, _ string) (core.MetadataResponse, error) {
		return core.MetadataResponse{Code: core.CodeOK, Leader: &leader}, nil
	}

	factory, count, _ := countingFactory()
	coord := New(fastCoordinatorConfig(), factory, metadataClient, nil)
	defer coord.Close(context.Background())

	const total = 256 + 51
	closers := make([]CloserFunc, 0, total)
	for i := 0; i < total; i++ {
		closer, err := coord.Subscribe(
			context.Background(), "stream", core.OffsetFirst(), "grp", "", nil, func(core.Chunk) {}, nil, nil,
		)
		assert.Nil(err)
		closers = append(closers, closer)
	}

	assert.Equal(2, count())
	assert.Equal(2, coord.ManagerCount())

	for i := total - 1; i >= 51; i-- {
		closers[i]()
	}
	assert.Equal(1, coord.ManagerCount())

	for i := 0; i < 51; i++ {
		closers[i]()
	}
	assert.Equal(0, coord.ManagerCount())
}

// TestResumeAtLastDeliveredOffset covers the "resume at last delivered
// offset" scenario: once a chunk has been observed, recovery resumes
// exactly at it (the broker already filters out anything already
// delivered), never one past it.
func TestResumeAtLastDeliveredOffset(t *testing.T) {
	assert := assert.New(t)

	leader := core.Broker{Host: "b1", Port: 5552}
	metadataClient := core.NewFakeClient()
	metadataClient.MetadataFn = func(_ context.Context, _ string) (core.MetadataResponse, error) {
		return core.MetadataResponse{Code: core.CodeOK, Leader: &leader}, nil
	}

	factory, _, all := countingFactory()
	coord := New(fastCoordinatorConfig(), factory, metadataClient, nil)
	defer coord.Close(context.Background())

	tracker, err := coord.subscribe(
		context.Background(), "stream", core.OffsetNext(), "grp", "", nil, func(core.Chunk) {}, nil, nil,
	)
	assert.Nil(err)

	firstClient := all()[0]
	firstClient.Deliver(core.Chunk{SubscriptionID: tracker.SubscriptionID(), OffsetValue: 10})
	firstClient.Disconnect()

	assert.Eventually(func() bool {
		return len(all()) >= 2
	}, time.Second, 2*time.Millisecond)

	secondClient := all()[1]
	assert.Eventually(func() bool {
		for _, opts := range secondClient.SubscribeCalls() {
			if opts.Offset.Kind == core.OffsetKindOffset && opts.Offset.Offset == 10 {
				return true
			}
		}
		return false
	}, time.Second, 2*time.Millisecond, "recovery should resume exactly at the last delivered offset")
}

// TestResumeAtStoredOffset covers the "resume at stored offset" scenario:
// with a consumer name set, recovery prefers the broker's server-stored
// offset over the tracker's own last-observed offset, resuming one past
// whatever was stored.
func TestResumeAtStoredOffset(t *testing.T) {
	assert := assert.New(t)

	leader := core.Broker{Host: "b1", Port: 5552}
	metadataClient := core.NewFakeClient()
	metadataClient.MetadataFn = func(_ context.Context, _ string) (core.MetadataResponse, error) {
		return core.MetadataResponse{Code: core.CodeOK, Leader: &leader}, nil
	}
	metadataClient.QueryOffsetFn = func(_ context.Context, stream, reference string) (core.QueryOffsetResponse, error) {
		assert.Equal("stream", stream)
		assert.Equal("consumer-name", reference)
		return core.QueryOffsetResponse{Code: core.CodeOK, Offset: 5}, nil
	}

	factory, _, all := countingFactory()
	coord := New(fastCoordinatorConfig(), factory, metadataClient, nil)
	defer coord.Close(context.Background())

	tracker, err := coord.subscribe(
		context.Background(), "stream", core.OffsetNext(), "grp", "consumer-name", nil, func(core.Chunk) {}, nil, nil,
	)
	assert.Nil(err)

	firstClient := all()[0]
	assert.Equal("consumer-name", firstClient.SubscribeCalls()[0].Properties["name"])

	firstClient.Deliver(core.Chunk{SubscriptionID: tracker.SubscriptionID(), OffsetValue: 10})
	firstClient.Disconnect()

	assert.Eventually(func() bool {
		return len(all()) >= 2
	}, time.Second, 2*time.Millisecond)

	secondClient := all()[1]
	assert.Eventually(func() bool {
		for _, opts := range secondClient.SubscribeCalls() {
			if opts.Offset.Kind == core.OffsetKindOffset && opts.Offset.Offset == 6 {
				return true
			}
		}
		return false
	}, time.Second, 2*time.Millisecond, "recovery should resume one past the stored offset")
}

// TestNoDeadlockConcurrentSubscribeUnsubscribe covers the "no-deadlock"
// scenario: concurrent subscribe/close cycles against the same coordinator
// complete within a bounded time.
func TestNoDeadlockConcurrentSubscribeUnsubscribe(t *testing.T) {
	assert := assert.New(t)

	leader := core.Broker{Host: "b1", Port: 5552}
	metadataClient := core.NewFakeClient()
	metadataClient.MetadataFn = func(_ context.Context, _ string) (core.MetadataResponse, error) {
		return core.MetadataResponse{Code: core.CodeOK, Leader: &leader}, nil
	}

	factory, _, _ := countingFactory()
	coord := New(fastCoordinatorConfig(), factory, metadataClient, nil)
	defer coord.Close(context.Background())

	const goroutines = 2
	const cycles = 10
	done := make(chan struct{})

	go func() {
		var wg sync.WaitGroup
		for g := 0; g < goroutines; g++ {
			wg.Add(1)
			go func(tag string) {
				defer wg.Done()
				for i := 0; i < cycles; i++ {
					closer, err := coord.Subscribe(
						context.Background(), "stream", core.OffsetFirst(), tag, "", nil, func(core.Chunk) {}, nil, nil,
					)
					if err != nil {
						continue
					}
					closer()
				}
			}(fmt.Sprintf("tag-%d", g))
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("subscribe/close cycles did not complete in time, suspect deadlock")
	}
	assert.Equal(0, coord.ManagerCount())
}

// TestCloserIsIdempotent covers the "idempotent close" property: invoking
// the returned closer more than once only unsubscribes once.
func TestCloserIsIdempotent(t *testing.T) {
	assert := assert.New(t)

	leader := core.Broker{Host: "b1", Port: 5552}
	metadataClient := core.NewFakeClient()
	metadataClient.MetadataFn = func(_ context.Context, _ string) (core.MetadataResponse, error) {
		return core.MetadataResponse{Code: core.CodeOK, Leader: &leader}, nil
	}

	factory, _, _ := countingFactory()
	coord := New(fastCoordinatorConfig(), factory, metadataClient, nil)
	defer coord.Close(context.Background())

	var closedCount int32
	closer, err := coord.Subscribe(
		context.Background(), "stream", core.OffsetFirst(), "grp", "", nil, func(core.Chunk) {},
		nil, func() { atomic.AddInt32(&closedCount, 1) },
	)
	assert.Nil(err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			closer()
		}()
	}
	wg.Wait()

	assert.Equal(int32(1), atomic.LoadInt32(&closedCount))
	assert.Equal(0, coord.ManagerCount())
}
