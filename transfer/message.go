package transfer

import (
	"github.com/opd-ai/relaycore/chunk"
)

// Peer-to-peer transfer protocol message types.
const (
	MsgTransferRequest   = "transfer_request"
	MsgTransferAccept    = "transfer_accept"
	MsgTransferReject    = "transfer_reject"
	MsgChunkData         = "chunk_data"
	MsgChunkAck          = "chunk_ack"
	MsgPauseTransfer     = "pause_transfer"
	MsgResumeTransfer    = "resume_transfer"
	MsgCancelTransfer    = "cancel_transfer"
	MsgTransferComplete  = "transfer_complete"
	MsgChunkAvailability = "chunk_availability"
)

// Message is one transfer protocol frame exchanged between peers,
// serialized as JSON for relay transport. Type selects the variant and
// TransferID is present on every variant; remaining fields apply per
// variant and are omitted otherwise.
type Message struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`

	// transfer_request
	FileID    string          `json:"file_id,omitempty"`
	SenderDID string          `json:"sender_did,omitempty"`
	Manifest  *chunk.Manifest `json:"manifest,omitempty"`

	// transfer_accept, resume_transfer: chunks the peer already holds
	ExistingChunks []int `json:"existing_chunks,omitempty"`

	// transfer_reject, cancel_transfer
	Reason string `json:"reason,omitempty"`

	// chunk_data, chunk_ack
	ChunkIndex int `json:"chunk_index,omitempty"`

	// chunk_data: Data marshals to base64 on the wire, Hash is the
	// chunk's content hash for receiver-side verification.
	Data []byte `json:"data_b64,omitempty"`
	Hash string `json:"hash,omitempty"`

	// chunk_ack
	Success bool   `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`

	// transfer_complete: whole-file hash for final verification
	FileHash string `json:"file_hash,omitempty"`

	// chunk_availability
	AvailableChunks []int `json:"available_chunks,omitempty"`
}

// NewChunkData builds the frame carrying one chunk's bytes.
func NewChunkData(transferID string, chunkIndex int, data []byte) Message {
	return Message{
		Type:       MsgChunkData,
		TransferID: transferID,
		ChunkIndex: chunkIndex,
		Data:       data,
		Hash:       chunk.HashBytes(data),
	}
}

// NewChunkAvailability reports which chunk indices this side holds, used
// to resynchronize after a disconnect.
func NewChunkAvailability(transferID string, available []int) Message {
	return Message{
		Type:            MsgChunkAvailability,
		TransferID:      transferID,
		AvailableChunks: available,
	}
}
