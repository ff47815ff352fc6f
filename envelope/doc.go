// Package envelope defines the versioned, typed envelope format carried
// over the relay connection.
//
// Every relay payload is an Envelope: a kind tag, a schema version, and a
// kind-specific payload. The payload shape is fully determined by the
// (kind, version) pair. Unrecognized pairs decode without error but report
// themselves as unsupported, so newer peers can introduce kinds without
// crashing older dispatch loops.
package envelope
