package flowcontrol

import (
	"context"

	"github.com/alwitt/streamconsumer/core"
)

// CreditRequester grants a subscription additional delivery credit. It is
// the narrow slice of core.Client a FlowControlStrategy needs, so
// strategies can be tested without a full fake Client.
type CreditRequester func(ctx context.Context, id core.SubscriptionID, credit int) error

// Strategy decides how much delivery credit to grant a subscription, both
// up front on every (re)subscribe and as chunks arrive for it. It is an
// external interface: callers may supply their own (batch every N chunks,
// grant credit on a timer, back-pressure against a downstream queue depth)
// in place of the synchronous default this package ships.
type Strategy interface {
	// HandleSubscribeReturningInitialCredits decides how much credit to
	// request on a subscribe call. firstTime is true for the subscription's
	// original subscribe and false for every attempt recovery makes
	// afterward, so a strategy may grant a different amount once a consumer
	// is known to already be caught up.
	HandleSubscribeReturningInitialCredits(offsetSpec core.OffsetSpecification, firstTime bool) int
	// ChunkDelivered is invoked after a chunk has been handed to the
	// subscription's listener. A strategy that wants to grant more credit
	// calls request with however much it decides to grant.
	ChunkDelivered(ctx context.Context, id core.SubscriptionID, chunk core.Chunk, request CreditRequester)
}

// Builder constructs a Strategy for one subscription. The coordinator
// calls it once per subscription so a stateful strategy (one tracking a
// per-subscription counter, say) does not leak state across unrelated
// subscriptions.
type Builder func() Strategy

// DefaultInitialCredit is the credit count Synchronous requests on every
// subscribe, regardless of offset specification or firstTime.
const DefaultInitialCredit = 10

// Synchronous is the default Strategy: it requests a fixed initial credit
// count on subscribe and grants exactly one unit of credit back for every
// chunk delivered afterward, keeping the broker's outstanding credit for a
// subscription constant. It needs no per-subscription state, so a single
// Synchronous value may be shared by every subscription.
type Synchronous struct{}

// HandleSubscribeReturningInitialCredits implements Strategy.
func (Synchronous) HandleSubscribeReturningInitialCredits(_ core.OffsetSpecification, _ bool) int {
	return DefaultInitialCredit
}

// ChunkDelivered implements Strategy.
func (Synchronous) ChunkDelivered(
	ctx context.Context, id core.SubscriptionID, chunk core.Chunk, request CreditRequester,
) {
	_ = request(ctx, id, 1)
}

// SynchronousBuilder is the default Builder, handing out the shared
// Synchronous strategy to every subscription.
func SynchronousBuilder() Builder {
	return func() Strategy { return Synchronous{} }
}
