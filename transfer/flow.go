package transfer

import "time"

// Flow control window bounds. The window starts small, grows additively
// on sustained acks, and halves on timeout.
const (
	DefaultWindowSize = 2
	MinWindowSize     = 1
	MaxWindowSize     = 8

	// windowGrowthAcks is how many consecutive acks earn one window slot.
	windowGrowthAcks = 4

	// minAckTimeout floors the ack deadline so a cold RTT estimate does
	// not declare losses instantly.
	minAckTimeout = 1 * time.Second
)

// FlowControl is the adaptive sliding window for one transfer. It is
// advisory: the manager consults it in ChunksToSend rather than having
// it block sends. Never persisted; a restarted transfer re-probes from
// DefaultWindowSize.
type FlowControl struct {
	windowSize          int
	consecutiveAcks     int
	consecutiveTimeouts int
	smoothedRTT         time.Duration
	rttSamples          int
}

// NewFlowControl returns a window at the conservative default size.
func NewFlowControl() *FlowControl {
	return &FlowControl{windowSize: DefaultWindowSize}
}

// OnAck records a successful ack with its measured round-trip time. The
// RTT estimate is an exponential moving average with alpha 1/8, and the
// window grows by one after every windowGrowthAcks consecutive acks.
func (f *FlowControl) OnAck(rtt time.Duration) {
	f.consecutiveAcks++
	f.consecutiveTimeouts = 0

	f.rttSamples++
	if f.rttSamples == 1 {
		f.smoothedRTT = rtt
	} else {
		f.smoothedRTT = (f.smoothedRTT*7 + rtt) / 8
	}

	if f.consecutiveAcks >= windowGrowthAcks && f.windowSize < MaxWindowSize {
		f.windowSize++
		f.consecutiveAcks = 0
	}
}

// OnTimeout records a lost or failed chunk and halves the window.
func (f *FlowControl) OnTimeout() {
	f.consecutiveTimeouts++
	f.consecutiveAcks = 0

	f.windowSize /= 2
	if f.windowSize < MinWindowSize {
		f.windowSize = MinWindowSize
	}
}

// WindowSize returns the current number of chunks allowed in flight.
func (f *FlowControl) WindowSize() int {
	return f.windowSize
}

// AvailableSlots returns how many more chunks may be sent given the
// current in-flight count.
func (f *FlowControl) AvailableSlots(inFlight int) int {
	if inFlight >= f.windowSize {
		return 0
	}
	return f.windowSize - inFlight
}

// SmoothedRTT returns the current RTT estimate, zero before any sample.
func (f *FlowControl) SmoothedRTT() time.Duration {
	return f.smoothedRTT
}

// AckTimeout is the deadline after which an unacked chunk counts as
// lost: twice the smoothed RTT, floored at minAckTimeout.
func (f *FlowControl) AckTimeout() time.Duration {
	timeout := 2 * f.smoothedRTT
	if timeout < minAckTimeout {
		timeout = minAckTimeout
	}
	return timeout
}
