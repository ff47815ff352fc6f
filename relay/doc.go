// Package relay implements the client side of the relay wire protocol:
// per-recipient fan-out of envelopes, the pending-ack bookkeeping that
// backs delivery status, offline-queue fetch and replay, and a websocket
// transport.
//
// The relay itself is a dumb store-and-forward hop. All message content
// crossing it is an opaque envelope string; the relay only routes on the
// target identifier.
package relay
