// Package streamconsumer implements the consumer-side coordinator for a
// RabbitMQ Stream client: it multiplexes subscriptions onto a small pool
// of per-broker connections, keeps each subscription's place in its
// stream across connection loss and topology change, and hands delivered
// chunks to caller-supplied listeners without ever blocking the broker's
// own I/O goroutine.
//
// This package never dials a socket. The wire protocol, connection
// transport, and message encoding are all external collaborators reached
// only through core.Client and core.ClientFactory; tests and callers
// supply their own implementation (core.FakeClient ships one for tests).
package streamconsumer
