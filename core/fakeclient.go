package core

import (
	"context"
	"sync"
)

// FakeClient is an in-memory stand-in for Client used across this module's
// tests. It is not itself a test file so every package's tests can import
// it directly instead of redefining the same fake.
//
// FakeClient is driven entirely by its exported fields and helper methods:
// tests script broker behavior by setting MetadataFn/SubscribeFn/etc, or by
// calling Deliver/Disconnect/PushMetadataUpdate to simulate broker-side
// events.
type FakeClient struct {
	mu sync.Mutex

	// MetadataFn answers Metadata calls. A nil value answers every stream
	// with CodeStreamDoesNotExist.
	MetadataFn func(ctx context.Context, stream string) (MetadataResponse, error)
	// SubscribeFn answers Subscribe calls. A nil value always succeeds.
	SubscribeFn func(ctx context.Context, id SubscriptionID, opts SubscribeOptions) error
	// UnsubscribeFn answers Unsubscribe calls. A nil value always succeeds.
	UnsubscribeFn func(ctx context.Context, id SubscriptionID) error
	// CreditFn answers Credit calls. A nil value always succeeds. Every call
	// is recorded for CreditCalls, whether or not CreditFn is set.
	CreditFn func(ctx context.Context, id SubscriptionID, credit int) error
	// QueryOffsetFn answers QueryOffset calls. A nil value reports no
	// stored offset for every stream.
	QueryOffsetFn func(ctx context.Context, stream, reference string) (QueryOffsetResponse, error)
	// CloseFn runs on Close. A nil value always succeeds.
	CloseFn func(ctx context.Context) error

	messageCB    map[SubscriptionID]MessageListener
	shutdownCB   ShutdownListener
	metadataCB   MetadataListener
	closed       bool
	subscribeLog []SubscribeOptions
	creditLog    []CreditCall
}

// NewFakeClient returns a ready-to-use FakeClient.
func NewFakeClient() *FakeClient {
	return &FakeClient{messageCB: make(map[SubscriptionID]MessageListener)}
}

// Subscribe implements Client.
func (f *FakeClient) Subscribe(ctx context.Context, id SubscriptionID, opts SubscribeOptions) error {
	f.mu.Lock()
	f.subscribeLog = append(f.subscribeLog, opts)
	f.mu.Unlock()

	if f.SubscribeFn != nil {
		return f.SubscribeFn(ctx, id, opts)
	}
	return nil
}

// Unsubscribe implements Client.
func (f *FakeClient) Unsubscribe(ctx context.Context, id SubscriptionID) error {
	if f.UnsubscribeFn != nil {
		return f.UnsubscribeFn(ctx, id)
	}
	f.mu.Lock()
	delete(f.messageCB, id)
	f.mu.Unlock()
	return nil
}

// CreditCall records one call to Credit.
type CreditCall struct {
	ID     SubscriptionID
	Credit int
}

// Credit implements Client.
func (f *FakeClient) Credit(ctx context.Context, id SubscriptionID, credit int) error {
	f.mu.Lock()
	f.creditLog = append(f.creditLog, CreditCall{ID: id, Credit: credit})
	f.mu.Unlock()
	if f.CreditFn != nil {
		return f.CreditFn(ctx, id, credit)
	}
	return nil
}

// CreditCalls returns every call made to Credit, in order.
func (f *FakeClient) CreditCalls() []CreditCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]CreditCall, len(f.creditLog))
	copy(out, f.creditLog)
	return out
}

// Metadata implements Client.
func (f *FakeClient) Metadata(ctx context.Context, stream string) (MetadataResponse, error) {
	if f.MetadataFn != nil {
		return f.MetadataFn(ctx, stream)
	}
	return MetadataResponse{Code: CodeStreamDoesNotExist}, nil
}

// QueryOffset implements Client.
func (f *FakeClient) QueryOffset(
	ctx context.Context, stream, reference string,
) (QueryOffsetResponse, error) {
	if f.QueryOffsetFn != nil {
		return f.QueryOffsetFn(ctx, stream, reference)
	}
	return QueryOffsetResponse{Code: CodeStreamDoesNotExist}, nil
}

// SetMessageListener implements Client.
func (f *FakeClient) SetMessageListener(id SubscriptionID, listener MessageListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messageCB[id] = listener
}

// SetShutdownListener implements Client.
func (f *FakeClient) SetShutdownListener(listener ShutdownListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdownCB = listener
}

// SetMetadataListener implements Client.
func (f *FakeClient) SetMetadataListener(listener MetadataListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metadataCB = listener
}

// Close implements Client.
func (f *FakeClient) Close(ctx context.Context) error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	if f.CloseFn != nil {
		return f.CloseFn(ctx)
	}
	return nil
}

// Closed reports whether Close has been called.
func (f *FakeClient) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// SubscribeCalls returns every SubscribeOptions passed to Subscribe, in
// order, for tests that assert on offset/credit/properties sent upstream.
func (f *FakeClient) SubscribeCalls() []SubscribeOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SubscribeOptions, len(f.subscribeLog))
	copy(out, f.subscribeLog)
	return out
}

// Deliver simulates the broker pushing a chunk to a subscription's message
// listener, if one is installed.
func (f *FakeClient) Deliver(chunk Chunk) {
	f.mu.Lock()
	listener := f.messageCB[chunk.SubscriptionID]
	f.mu.Unlock()
	if listener != nil {
		listener(chunk)
	}
}

// Disconnect simulates the underlying connection dropping, firing the
// shutdown listener with ShutdownReasonConnectionClosed.
func (f *FakeClient) Disconnect() {
	f.mu.Lock()
	cb := f.shutdownCB
	f.mu.Unlock()
	if cb != nil {
		cb(0, ShutdownReasonConnectionClosed)
	}
}

// PushMetadataUpdate simulates the broker pushing an unsolicited metadata
// update for a stream.
func (f *FakeClient) PushMetadataUpdate(stream string) {
	f.mu.Lock()
	cb := f.metadataCB
	f.mu.Unlock()
	if cb != nil {
		cb(MetadataUpdate{Stream: stream})
	}
}
