// Package transfer implements the chunked file transfer protocol: the
// per-transfer state machine, the manager coordinating concurrent
// sessions, and adaptive flow control.
//
// Sessions move requesting -> negotiating -> transferring and end in
// completed, failed, or cancelled; transferring and paused form a
// reversible sub-loop. Terminal states are immutable. Manifests and
// completion bitfields are durable so interrupted transfers resume after
// a restart; flow-control state is not, a resumed transfer re-probes
// from a conservative window.
package transfer
