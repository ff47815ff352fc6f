// Package crypto wraps the NaCl and Ed25519 primitives used by the relay
// messaging core.
//
// The protocol layers above (envelope, group, transfer) treat these as
// opaque capabilities: authenticated per-recipient encryption (box),
// symmetric epoch encryption (secretbox), and signing. Key exchange
// design and primitive selection live here and nowhere else.
package crypto
