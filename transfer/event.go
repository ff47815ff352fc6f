package transfer

// EventType classifies events emitted to the application layer.
type EventType string

const (
	// EventIncomingRequest fires when a peer requests a transfer; the
	// application decides whether to Accept or Reject.
	EventIncomingRequest EventType = "incoming_request"
	// EventStateChanged fires on every session state transition.
	EventStateChanged EventType = "state_changed"
	// EventProgress fires as chunks complete.
	EventProgress EventType = "progress"
	// EventCompleted fires once when a session reaches completed.
	EventCompleted EventType = "completed"
	// EventFailed fires once when a session reaches failed.
	EventFailed EventType = "failed"
)

// Event is one notification for the UI or application layer. The manager
// accumulates events during operations; the caller drains them with
// DrainEvents.
type Event struct {
	Type       EventType `json:"type"`
	TransferID string    `json:"transfer_id"`

	// incoming_request, completed, failed
	FileID string `json:"file_id,omitempty"`

	// incoming_request, completed
	Filename  string `json:"filename,omitempty"`
	TotalSize int64  `json:"total_size,omitempty"`

	// incoming_request
	TotalChunks int    `json:"total_chunks,omitempty"`
	FromDID     string `json:"from_did,omitempty"`

	// state_changed
	FromState State `json:"from_state,omitempty"`
	ToState   State `json:"to_state,omitempty"`

	// progress
	ChunksCompleted  int           `json:"chunks_completed,omitempty"`
	BytesTransferred int64         `json:"bytes_transferred,omitempty"`
	TotalBytes       int64         `json:"total_bytes,omitempty"`
	SpeedBPS         int64         `json:"speed_bps,omitempty"`
	Transport        TransportKind `json:"transport_type,omitempty"`

	// failed
	Error string `json:"error,omitempty"`
}
