package core

import (
	"context"
	"strconv"
)

// ResponseCode mirrors the status codes the broker's RPC responses carry.
// Only the handful of codes the coordinator branches on get a name; every
// other non-OK value collapses to CodeUnknown and is treated like any
// other failure.
type ResponseCode int16

// Response codes the coordinator branches on.
const (
	CodeOK ResponseCode = iota
	CodeStreamDoesNotExist
	CodeStreamNotAvailable
	CodeAccessRefused
	CodeUnknown
)

// OffsetKind selects which member of OffsetSpecification is set.
type OffsetKind int8

// Supported offset specification kinds.
const (
	OffsetKindFirst OffsetKind = iota
	OffsetKindLast
	OffsetKindNext
	OffsetKindOffset
	OffsetKindTimestamp
)

// OffsetSpecification tells the broker where in a stream a subscription
// should start reading. Exactly one of Offset/Timestamp is meaningful,
// selected by Kind.
type OffsetSpecification struct {
	Kind      OffsetKind
	Offset    uint64
	Timestamp int64
}

// OffsetFirst starts a subscription at the first available chunk.
func OffsetFirst() OffsetSpecification { return OffsetSpecification{Kind: OffsetKindFirst} }

// OffsetLast starts a subscription at the last available chunk.
func OffsetLast() OffsetSpecification { return OffsetSpecification{Kind: OffsetKindLast} }

// OffsetNext starts a subscription at the next chunk published after
// subscribe time.
func OffsetNext() OffsetSpecification { return OffsetSpecification{Kind: OffsetKindNext} }

// OffsetAt starts a subscription at a specific stored offset.
func OffsetAt(offset uint64) OffsetSpecification {
	return OffsetSpecification{Kind: OffsetKindOffset, Offset: offset}
}

// OffsetTimestamp starts a subscription at the first chunk at or after the
// given timestamp (milliseconds since epoch, broker convention).
func OffsetTimestamp(ts int64) OffsetSpecification {
	return OffsetSpecification{Kind: OffsetKindTimestamp, Timestamp: ts}
}

// SubscriptionID identifies a subscription within one connection's slot
// table. The broker wire protocol carries it as a single byte.
type SubscriptionID = uint8

// MaxSubscriptionsPerClient is the hard ceiling the wire protocol imposes
// on subscription ids per connection.
const MaxSubscriptionsPerClient = 256

// Chunk is an opaque batch of messages delivered for one subscription. The
// coordinator never looks inside it; it only tracks the offset the chunk
// advances the subscription to and forwards the chunk to the caller's
// listener.
type Chunk struct {
	SubscriptionID SubscriptionID
	OffsetValue    uint64
	MessageCount   int
}

// MessageListener is invoked for every chunk delivered on a subscription.
// It is a plain function value rather than an interface, matching how the
// rest of this module wires callbacks.
type MessageListener func(chunk Chunk)

// ShutdownReason distinguishes a deliberate unsubscribe from a connection
// drop the broker or network initiated.
type ShutdownReason int8

// Reasons a subscription can end, reported to a ShutdownListener.
const (
	ShutdownReasonUnsubscribed ShutdownReason = iota
	ShutdownReasonConnectionClosed
	ShutdownReasonStreamUnavailable
)

// ShutdownListener is invoked once when a subscription ends, for whatever
// reason.
type ShutdownListener func(subscriptionID SubscriptionID, reason ShutdownReason)

// MetadataUpdate carries the stream whose topology changed.
type MetadataUpdate struct {
	Stream string
}

// MetadataListener is invoked when the broker pushes an unsolicited
// metadata update for a stream the connection has a subscription against.
type MetadataListener func(update MetadataUpdate)

// SubscribeOptions carries the parameters of a single subscribe call.
type SubscribeOptions struct {
	Stream     string
	Offset     OffsetSpecification
	Credit     int
	Properties map[string]string
}

// MetadataResponse is the broker's answer to a metadata lookup for one
// stream.
type MetadataResponse struct {
	Code     ResponseCode
	Leader   *Broker
	Replicas []Broker
}

// QueryOffsetResponse is the broker's answer to a stored-offset query.
type QueryOffsetResponse struct {
	Code   ResponseCode
	Offset uint64
}

// Client is the external, low-level protocol client this module consumes
// only through this interface. It dials no socket itself: a real
// implementation (the wire codec, framing, and transport) lives outside
// this module, and tests supply a fake.
type Client interface {
	// Subscribe opens a subscription under the caller-chosen id against the
	// connection this Client wraps. The caller, not the broker, owns
	// subscription id assignment, matching the wire protocol's per-connection
	// id space.
	Subscribe(ctx context.Context, id SubscriptionID, opts SubscribeOptions) error
	// Unsubscribe tears down a previously opened subscription.
	Unsubscribe(ctx context.Context, id SubscriptionID) error
	// Credit grants a subscription additional delivery credit, the
	// mechanism a FlowControlStrategy uses to keep messages flowing without
	// letting an unbounded number of chunks queue up broker-side.
	Credit(ctx context.Context, id SubscriptionID, credit int) error
	// Metadata looks up the current leader/replica set for a stream.
	Metadata(ctx context.Context, stream string) (MetadataResponse, error)
	// QueryOffset fetches the last offset this connection's reference name
	// stored for a stream, if any.
	QueryOffset(ctx context.Context, stream string, reference string) (QueryOffsetResponse, error)
	// SetMessageListener installs the callback invoked for every chunk
	// delivered on the given subscription.
	SetMessageListener(id SubscriptionID, listener MessageListener)
	// SetShutdownListener installs the callback invoked once the
	// connection or a specific subscription ends.
	SetShutdownListener(listener ShutdownListener)
	// SetMetadataListener installs the callback invoked on unsolicited
	// metadata updates pushed by the broker.
	SetMetadataListener(listener MetadataListener)
	// Close tears down the underlying connection and every subscription it
	// still carries.
	Close(ctx context.Context) error
}

// ClientFactory dials a new Client against a broker. The pool calls it
// lazily, once per connection it needs to open.
type ClientFactory func(ctx context.Context, broker Broker, connectionName string) (Client, error)

// Broker identifies one node in the cluster a stream can be reached
// through.
type Broker struct {
	Host string
	Port uint16
}

// String renders the broker as host:port, the form used in log tags and
// connection names.
func (b Broker) String() string {
	return b.Host + ":" + strconv.FormatUint(uint64(b.Port), 10)
}
