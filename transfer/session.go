package transfer

import (
	"github.com/opd-ai/relaycore/chunk"
)

// State is a transfer session's lifecycle state.
type State string

const (
	// StateRequesting means the transfer was requested but not yet accepted.
	StateRequesting State = "requesting"
	// StateNegotiating means the request was accepted and transport setup
	// is in progress. Relay transfers skip this state; it applies when a
	// direct channel still has to come up before chunk data can flow.
	StateNegotiating State = "negotiating"
	// StateTransferring means chunks are actively being exchanged.
	StateTransferring State = "transferring"
	// StatePaused means the transfer is suspended and can be resumed.
	StatePaused State = "paused"
	// StateCompleted means every chunk transferred and verified.
	StateCompleted State = "completed"
	// StateFailed means the transfer ended with an error.
	StateFailed State = "failed"
	// StateCancelled means a peer cancelled the transfer.
	StateCancelled State = "cancelled"
)

// IsTerminal reports whether no further state mutation is allowed.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// IsActive reports whether the session counts against concurrency limits.
func (s State) IsActive() bool {
	return s == StateRequesting || s == StateNegotiating || s == StateTransferring
}

// Direction says which way the file moves relative to this client.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// TransportKind is the transport carrying chunk data for a session.
type TransportKind string

const (
	TransportRelay  TransportKind = "relay"
	TransportDirect TransportKind = "direct"
)

// Session is one tracked file transfer. Exported fields are persisted as
// JSON between restarts; flow-control state lives in the manager and is
// deliberately absent here.
type Session struct {
	TransferID       string          `json:"transfer_id"`
	FileID           string          `json:"file_id"`
	Manifest         *chunk.Manifest `json:"manifest"`
	Direction        Direction       `json:"direction"`
	PeerDID          string          `json:"peer_did"`
	State            State           `json:"state"`
	ChunksCompleted  int             `json:"chunks_completed"`
	BytesTransferred int64           `json:"bytes_transferred"`
	SpeedBPS         int64           `json:"speed_bps"`
	StartedAt        int64           `json:"started_at"`
	UpdatedAt        int64           `json:"updated_at"`
	Transport        TransportKind   `json:"transport_type"`
	Error            string          `json:"error,omitempty"`

	// ChunksBitfield[i] is true once chunk i is fully transferred and
	// verified.
	ChunksBitfield []bool `json:"chunks_bitfield"`
}

func newSession(transferID, fileID string, manifest *chunk.Manifest, direction Direction, peerDID string, transport TransportKind, nowMS int64) *Session {
	return &Session{
		TransferID:     transferID,
		FileID:         fileID,
		Manifest:       manifest,
		Direction:      direction,
		PeerDID:        peerDID,
		State:          StateRequesting,
		StartedAt:      nowMS,
		UpdatedAt:      nowMS,
		Transport:      transport,
		ChunksBitfield: make([]bool, manifest.TotalChunks),
	}
}

// markChunkCompleted records chunk completion once; repeat calls for the
// same index are no-ops, so duplicate acks cannot inflate the counters.
func (s *Session) markChunkCompleted(chunkIndex int, chunkSize int64, nowMS int64) {
	if chunkIndex < 0 || chunkIndex >= len(s.ChunksBitfield) || s.ChunksBitfield[chunkIndex] {
		return
	}
	s.ChunksBitfield[chunkIndex] = true
	s.ChunksCompleted++
	s.BytesTransferred += chunkSize
	s.UpdatedAt = nowMS
}

// PendingChunks returns the chunk indices not yet completed, ascending.
func (s *Session) PendingChunks() []int {
	pending := make([]int, 0, len(s.ChunksBitfield)-s.ChunksCompleted)
	for i, done := range s.ChunksBitfield {
		if !done {
			pending = append(pending, i)
		}
	}
	return pending
}

// CompletedChunks returns the chunk indices already completed, ascending.
func (s *Session) CompletedChunks() []int {
	completed := make([]int, 0, s.ChunksCompleted)
	for i, done := range s.ChunksBitfield {
		if done {
			completed = append(completed, i)
		}
	}
	return completed
}

// ProgressPercent returns completion as 0-100. An empty file is always
// 100 percent.
func (s *Session) ProgressPercent() float64 {
	if s.Manifest.TotalChunks == 0 {
		return 100.0
	}
	return float64(s.ChunksCompleted) / float64(s.Manifest.TotalChunks) * 100.0
}
