package broker

import (
	"context"

	"github.com/alwitt/streamconsumer/common"
	"github.com/alwitt/streamconsumer/core"
	"github.com/apex/log"
)

// Candidates is the ordered set of brokers a stream can currently be
// subscribed against: the leader first, followed by replicas, in the
// order the broker's metadata response listed them.
type Candidates struct {
	Stream   string
	Leader   core.Broker
	Replicas []core.Broker
}

// All returns the leader and replicas as one slice, leader first. Subscribe
// and recovery use Leader alone and do not fall back to the other
// candidates.
func (c Candidates) All() []core.Broker {
	out := make([]core.Broker, 0, 1+len(c.Replicas))
	out = append(out, c.Leader)
	out = append(out, c.Replicas...)
	return out
}

// FindBrokersForStream asks client for a stream's current metadata and
// translates the response into a broker directory entry.
//
// A response of CodeOK with neither a leader nor any replica is the one
// case the broker's own protocol leaves ambiguous: this function always
// reports it as common.ErrIllegalState and lets the caller decide what
// that means. At Subscribe time that sentinel is fatal and surfaces to the
// caller; during recovery it is simply a failed attempt the back-off
// policy retries (see recovery.Engine).
func FindBrokersForStream(ctx context.Context, client core.Client, stream string) (Candidates, error) {
	logTags := log.Fields{"module": "broker", "component": "directory", "stream": stream}

	resp, err := client.Metadata(ctx, stream)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("metadata lookup failed")
		return Candidates{}, err
	}

	switch resp.Code {
	case core.CodeStreamDoesNotExist:
		return Candidates{}, common.WrapStreamDoesNotExist(stream)
	case core.CodeStreamNotAvailable:
		return Candidates{}, common.WrapStreamNotAvailable(stream)
	case core.CodeAccessRefused:
		return Candidates{}, common.WrapAccessRefused(stream)
	case core.CodeOK:
		if resp.Leader == nil && len(resp.Replicas) == 0 {
			return Candidates{}, common.WrapIllegalState(
				"metadata OK but stream " + stream + " has no leader and no replicas",
			)
		}
		candidates := Candidates{Stream: stream, Replicas: resp.Replicas}
		if resp.Leader != nil {
			candidates.Leader = *resp.Leader
		} else {
			candidates.Leader = resp.Replicas[0]
			candidates.Replicas = resp.Replicas[1:]
		}
		return candidates, nil
	default:
		return Candidates{}, common.WrapIllegalState(
			"metadata lookup for stream " + stream + " returned unrecognized code",
		)
	}
}
