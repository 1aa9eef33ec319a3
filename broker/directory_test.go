package broker

import (
	"context"
	"errors"
	"testing"

	"github.com/alwitt/streamconsumer/common"
	"github.com/alwitt/streamconsumer/core"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestFindBrokersForStream(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	leader := core.Broker{Host: "broker-0", Port: 5552}
	replica := core.Broker{Host: "broker-1", Port: 5552}

	// Case 0: OK response with a leader and replicas
	{
		client := core.NewFakeClient()
		client.MetadataFn = func(_ context.Context, _ string) (core.MetadataResponse, error) {
			return core.MetadataResponse{Code: core.CodeOK, Leader: &leader, Replicas: []core.Broker{replica}}, nil
		}

		candidates, err := FindBrokersForStream(context.Background(), client, "s1")
		assert.Nil(err)
		assert.Equal(leader, candidates.Leader)
		assert.Equal([]core.Broker{replica}, candidates.Replicas)
		assert.Equal([]core.Broker{leader, replica}, candidates.All())
	}

	// Case 1: stream does not exist
	{
		client := core.NewFakeClient()
		client.MetadataFn = func(_ context.Context, _ string) (core.MetadataResponse, error) {
			return core.MetadataResponse{Code: core.CodeStreamDoesNotExist}, nil
		}
		_, err := FindBrokersForStream(context.Background(), client, "missing")
		assert.True(errors.Is(err, common.ErrStreamDoesNotExist))
	}

	// Case 2: stream not available
	{
		client := core.NewFakeClient()
		client.MetadataFn = func(_ context.Context, _ string) (core.MetadataResponse, error) {
			return core.MetadataResponse{Code: core.CodeStreamNotAvailable}, nil
		}
		_, err := FindBrokersForStream(context.Background(), client, "s1")
		assert.True(errors.Is(err, common.ErrStreamNotAvailable))
	}

	// Case 3: access refused
	{
		client := core.NewFakeClient()
		client.MetadataFn = func(_ context.Context, _ string) (core.MetadataResponse, error) {
			return core.MetadataResponse{Code: core.CodeAccessRefused}, nil
		}
		_, err := FindBrokersForStream(context.Background(), client, "s1")
		assert.True(errors.Is(err, common.ErrAccessRefused))
	}

	// Case 4: OK with neither leader nor replicas is illegal state
	{
		client := core.NewFakeClient()
		client.MetadataFn = func(_ context.Context, _ string) (core.MetadataResponse, error) {
			return core.MetadataResponse{Code: core.CodeOK}, nil
		}
		_, err := FindBrokersForStream(context.Background(), client, "s1")
		assert.True(errors.Is(err, common.ErrIllegalState))
	}

	// Case 5: OK with only replicas promotes the first replica to leader
	{
		client := core.NewFakeClient()
		client.MetadataFn = func(_ context.Context, _ string) (core.MetadataResponse, error) {
			return core.MetadataResponse{Code: core.CodeOK, Replicas: []core.Broker{replica, leader}}, nil
		}
		candidates, err := FindBrokersForStream(context.Background(), client, "s1")
		assert.Nil(err)
		assert.Equal(replica, candidates.Leader)
		assert.Equal([]core.Broker{leader}, candidates.Replicas)
	}

	// Case 6: metadata RPC error propagates
	{
		client := core.NewFakeClient()
		boom := errors.New("boom")
		client.MetadataFn = func(_ context.Context, _ string) (core.MetadataResponse, error) {
			return core.MetadataResponse{}, boom
		}
		_, err := FindBrokersForStream(context.Background(), client, "s1")
		assert.Equal(boom, err)
	}
}
