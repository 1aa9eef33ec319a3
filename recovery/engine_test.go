package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/streamconsumer/common"
	"github.com/alwitt/streamconsumer/core"
	"github.com/alwitt/streamconsumer/flowcontrol"
	"github.com/alwitt/streamconsumer/pool"
	"github.com/alwitt/streamconsumer/subscription"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func fastBackOff() common.BackOffPolicy {
	return common.FixedBackOffPolicy{InitialDelay: time.Millisecond, Delay: time.Millisecond}
}

func TestEngineRedistributesOnConnectionLoss(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	leader := core.Broker{Host: "b1", Port: 5552}
	metadataClient := core.NewFakeClient()
	metadataClient.MetadataFn = func(_ context.Context, _ string) (core.MetadataResponse, error) {
		return core.MetadataResponse{Code: core.CodeOK, Leader: &leader}, nil
	}

	oldClient := core.NewFakeClient()
	p := pool.New(common.DefaultConfig(), func(_ context.Context, _ core.Broker, _ string) (core.Client, error) {
		return oldClient, nil
	}, nil, nil, nil)

	engine := NewEngine(p, metadataClient, fastBackOff(), fastBackOff())
	p.SetListeners(engine.HandleConnectionLost, engine.HandleMetadataUpdate)
	defer engine.Close()

	mgr, err := p.Acquire(context.Background(), core.Broker{Host: "b0", Port: 5552}, "grp")
	assert.Nil(err)
	tracker, err := mgr.Add(context.Background(), subscription.SubscribeRequest{
		Stream: "s1", Offset: core.OffsetFirst(), ConnectionTag: "grp", Listener: func(core.Chunk) {},
	})
	assert.Nil(err)

	oldClient.Disconnect()

	assert.Eventually(func() bool {
		return tracker.State() == subscription.StateActive &&
			tracker.Manager() != nil && tracker.Manager() != mgr
	}, time.Second, 2*time.Millisecond)
}

func TestEngineSkipsRecoveryAlreadyInProgress(t *testing.T) {
	assert := assert.New(t)

	var calls int32
	var mu sync.Mutex
	boom := errors.New("boom")
	metadataClient := core.NewFakeClient()
	metadataClient.MetadataFn = func(_ context.Context, _ string) (core.MetadataResponse, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return core.MetadataResponse{}, boom
	}

	p := pool.New(common.DefaultConfig(), func(_ context.Context, _ core.Broker, _ string) (core.Client, error) {
		return core.NewFakeClient(), nil
	}, nil, nil, nil)
	engine := NewEngine(p, metadataClient, common.FixedBackOffPolicy{
		InitialDelay: 20 * time.Millisecond, Delay: 20 * time.Millisecond,
	}, fastBackOff())

	tracker := subscription.NewTracker(subscription.SubscribeRequest{
		Stream: "s1", Offset: core.OffsetFirst(), ConnectionTag: "grp", Listener: func(core.Chunk) {},
	}, flowcontrol.SynchronousBuilder()(), 0, nil)

	engine.scheduleRecovery(tracker, engine.recoveryBackOff)
	engine.mu.Lock()
	first := engine.inProgress[tracker]
	engine.mu.Unlock()
	engine.scheduleRecovery(tracker, engine.recoveryBackOff)
	engine.mu.Lock()
	second := engine.inProgress[tracker]
	engine.mu.Unlock()
	assert.Same(first, second, "second schedule should leave the in-flight recovery in place")

	time.Sleep(60 * time.Millisecond)
	engine.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.True(calls >= 1)
}
