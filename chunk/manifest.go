package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DefaultChunkSize is the chunk size used when the caller does not specify
// one. 256 KiB balances per-chunk overhead against retransmission cost on a
// lossy link.
const DefaultChunkSize = 256 * 1024

// ChunkRef describes one chunk of a file. ChunkID and Hash carry the same
// hex SHA-256 digest of the chunk's bytes; the duplication keeps the wire
// format self-describing when refs travel without their manifest.
type ChunkRef struct {
	ChunkID    string `json:"chunk_id"`
	ChunkIndex int    `json:"chunk_index"`
	Size       int64  `json:"size"`
	Hash       string `json:"hash"`
}

// Manifest is the ordered description of how a file decomposes into chunks.
type Manifest struct {
	FileID      string     `json:"file_id"`
	Filename    string     `json:"filename"`
	TotalSize   int64      `json:"total_size"`
	ChunkSize   int64      `json:"chunk_size"`
	TotalChunks int        `json:"total_chunks"`
	Chunks      []ChunkRef `json:"chunks"`
	FileHash    string     `json:"file_hash"`
}

// Validate checks the manifest's internal consistency: chunk indices are
// dense and ascending, chunk sizes sum to TotalSize, and TotalChunks matches
// the chunk list length.
func (m *Manifest) Validate() error {
	if m.FileID == "" {
		return fmt.Errorf("manifest missing file_id")
	}
	if m.TotalChunks != len(m.Chunks) {
		return fmt.Errorf("manifest %s: total_chunks %d but %d chunk refs", m.FileID, m.TotalChunks, len(m.Chunks))
	}
	var sum int64
	for i, ref := range m.Chunks {
		if ref.ChunkIndex != i {
			return fmt.Errorf("manifest %s: chunk at position %d has index %d", m.FileID, i, ref.ChunkIndex)
		}
		if ref.Size < 0 {
			return fmt.Errorf("manifest %s: chunk %d has negative size", m.FileID, i)
		}
		sum += ref.Size
	}
	if sum != m.TotalSize {
		return fmt.Errorf("manifest %s: chunk sizes sum to %d, total_size is %d", m.FileID, sum, m.TotalSize)
	}
	return nil
}

// HashBytes returns the hex SHA-256 digest of data. This is the content
// address used for chunk IDs and file hashes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyChunk reports whether data hashes to wantHash.
func VerifyChunk(data []byte, wantHash string) bool {
	return HashBytes(data) == wantHash
}
