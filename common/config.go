package common

import "time"

// Config carries the coordinator's own tunable surface: how many
// subscriptions a single connection may carry, how aggressively the
// recovery engine and topology watcher retry, and per-RPC timeouts for the
// external Client. The coordinator reads ConnectionNamePrefix and the two
// back-off policies; MaxSubscriptionsPerClient and the RPC timeouts are
// validated but not applied anywhere in this module.
//
// Config never reads a file or a flag — parsing a URI, a TLS bundle, or a
// command line stays outside this module's scope. Callers that want that
// layer build their own Config by hand, or via their own config loader,
// and pass the result in.
type Config struct {
	// MaxSubscriptionsPerClient is validated to lie in 1..256. The pool and
	// its managers do not read it: every SubscriptionManager holds up to
	// core.MaxSubscriptionsPerClient subscriptions before the pool opens
	// another one against the same broker.
	MaxSubscriptionsPerClient int `json:"max_subscriptions_per_client" validate:"gt=0,lte=256"`

	// ConnectionNamePrefix is prepended to the generated connection name
	// handed to the Client factory for every new manager, so broker-side
	// connection listings stay attributable to this coordinator.
	ConnectionNamePrefix string `json:"connection_name_prefix" validate:"required"`

	// RecoveryBackOffPolicy paces reconnect attempts after a manager's
	// connection is lost (event E1).
	RecoveryBackOffPolicy FixedBackOffPolicy `json:"recovery_back_off_policy"`

	// TopologyBackOffPolicy paces re-assignment attempts after a metadata
	// update invalidates a tracker's current broker (event E2).
	TopologyBackOffPolicy FixedBackOffPolicy `json:"topology_back_off_policy"`

	// SubscribeRPCTimeout is a deadline for a single subscribe call against
	// the external Client. It is validated but not applied: subscribe calls
	// run under whatever context they are given.
	SubscribeRPCTimeout time.Duration `json:"subscribe_rpc_timeout" validate:"gt=0"`

	// MetadataRPCTimeout is a deadline for a single metadata lookup against
	// the external Client. It is validated but not applied: metadata lookups
	// run under whatever context they are given.
	MetadataRPCTimeout time.Duration `json:"metadata_rpc_timeout" validate:"gt=0"`

	// QueryOffsetRPCTimeout is a deadline for a single stored-offset query
	// against the external Client. It is validated but not applied: offset
	// queries run under whatever context they are given.
	QueryOffsetRPCTimeout time.Duration `json:"query_offset_rpc_timeout" validate:"gt=0"`
}

// DefaultConfig returns a Config with sane out-of-the-box tunables. Callers
// are expected to copy and adjust fields rather than mutate the zero value.
func DefaultConfig() Config {
	return Config{
		MaxSubscriptionsPerClient: 256,
		ConnectionNamePrefix:      "stream-consumer",
		RecoveryBackOffPolicy: FixedBackOffPolicy{
			InitialDelay: time.Second,
			Delay:        5 * time.Second,
			MaxAttempts:  0,
		},
		TopologyBackOffPolicy: FixedBackOffPolicy{
			InitialDelay: 500 * time.Millisecond,
			Delay:        2 * time.Second,
			MaxAttempts:  0,
		},
		SubscribeRPCTimeout:   10 * time.Second,
		MetadataRPCTimeout:    10 * time.Second,
		QueryOffsetRPCTimeout: 10 * time.Second,
	}
}
