package chunk

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relaycore/storage"
)

// ErrChunkSizeInvalid indicates a requested chunk size of zero or less.
var ErrChunkSizeInvalid = errors.New("chunk size must be positive")

// IntegrityError reports a hash mismatch detected during reassembly.
// ChunkIndex is the first mismatching chunk, or -1 when the reassembled
// whole-file hash does not match the manifest.
type IntegrityError struct {
	FileID     string
	ChunkIndex int
	WantHash   string
	GotHash    string
}

func (e *IntegrityError) Error() string {
	if e.ChunkIndex < 0 {
		return fmt.Sprintf("file %s: reassembled data hash %s does not match manifest hash %s", e.FileID, e.GotHash, e.WantHash)
	}
	return fmt.Sprintf("file %s: chunk %d hash %s does not match expected %s", e.FileID, e.ChunkIndex, e.GotHash, e.WantHash)
}

// Store is the persistence surface the chunker needs. *storage.SQLiteStore
// and *storage.MemoryStore both satisfy it.
type Store interface {
	PutChunk(chunkID string, data []byte) (storage.StoreResult, error)
	GetChunk(chunkID string) ([]byte, error)
	HasChunk(chunkID string) (bool, error)
	PutManifest(fileID string, manifest []byte) error
	GetManifest(fileID string) ([]byte, error)
}

// Chunker splits files into content-addressed chunks backed by a Store.
type Chunker struct {
	store Store
}

// NewChunker creates a Chunker persisting chunks and manifests to store.
func NewChunker(store Store) *Chunker {
	return &Chunker{store: store}
}

// Chunk splits data into consecutive chunks of chunkSize bytes (the final
// chunk may be shorter), persists each chunk keyed by its content hash, and
// persists the resulting manifest keyed by fileID. Chunk writes are
// write-if-absent, so re-chunking identical content is cheap.
//
// An empty input is valid and produces a manifest with zero chunks whose
// FileHash is the digest of the empty byte sequence.
func (c *Chunker) Chunk(fileID, filename string, data []byte, chunkSize int64) (*Manifest, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrChunkSizeInvalid, chunkSize)
	}

	manifest := &Manifest{
		FileID:    fileID,
		Filename:  filename,
		TotalSize: int64(len(data)),
		ChunkSize: chunkSize,
		FileHash:  HashBytes(data),
		Chunks:    []ChunkRef{},
	}

	deduped := 0
	for offset := int64(0); offset < int64(len(data)); offset += chunkSize {
		end := offset + chunkSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		piece := data[offset:end]
		hash := HashBytes(piece)

		result, err := c.store.PutChunk(hash, piece)
		if err != nil {
			return nil, fmt.Errorf("store chunk %d of %s: %w", len(manifest.Chunks), fileID, err)
		}
		if result == storage.AlreadyExists {
			deduped++
		}

		manifest.Chunks = append(manifest.Chunks, ChunkRef{
			ChunkID:    hash,
			ChunkIndex: len(manifest.Chunks),
			Size:       int64(len(piece)),
			Hash:       hash,
		})
	}
	manifest.TotalChunks = len(manifest.Chunks)

	raw, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest for %s: %w", fileID, err)
	}
	if err := c.store.PutManifest(fileID, raw); err != nil {
		return nil, fmt.Errorf("store manifest for %s: %w", fileID, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":     "Chunk",
		"file_id":      fileID,
		"total_size":   manifest.TotalSize,
		"total_chunks": manifest.TotalChunks,
		"deduped":      deduped,
	}).Debug("File chunked")

	return manifest, nil
}

// ReassembledFile is the verified output of Reassemble.
type ReassembledFile struct {
	Data      []byte
	Filename  string
	FileHash  string
	TotalSize int64
}

// Reassemble retrieves the manifest for fileID, fetches every chunk in
// index order, and returns the concatenated bytes. Every chunk hash and the
// whole-file hash are re-verified; any mismatch fails with an
// IntegrityError and no data is returned.
func (c *Chunker) Reassemble(fileID string) (*ReassembledFile, error) {
	manifest, err := c.Manifest(fileID)
	if err != nil {
		return nil, err
	}
	if err := manifest.Validate(); err != nil {
		return nil, fmt.Errorf("reassemble %s: %w", fileID, err)
	}

	data := make([]byte, 0, manifest.TotalSize)
	for _, ref := range manifest.Chunks {
		piece, err := c.store.GetChunk(ref.ChunkID)
		if err != nil {
			return nil, fmt.Errorf("fetch chunk %d of %s: %w", ref.ChunkIndex, fileID, err)
		}
		if got := HashBytes(piece); got != ref.Hash {
			logrus.WithFields(logrus.Fields{
				"function":    "Reassemble",
				"file_id":     fileID,
				"chunk_index": ref.ChunkIndex,
			}).Error("Chunk hash mismatch")
			return nil, &IntegrityError{FileID: fileID, ChunkIndex: ref.ChunkIndex, WantHash: ref.Hash, GotHash: got}
		}
		data = append(data, piece...)
	}

	if got := HashBytes(data); got != manifest.FileHash {
		return nil, &IntegrityError{FileID: fileID, ChunkIndex: -1, WantHash: manifest.FileHash, GotHash: got}
	}

	return &ReassembledFile{
		Data:      data,
		Filename:  manifest.Filename,
		FileHash:  manifest.FileHash,
		TotalSize: manifest.TotalSize,
	}, nil
}

// Manifest retrieves and decodes the stored manifest for fileID.
func (c *Chunker) Manifest(fileID string) (*Manifest, error) {
	raw, err := c.store.GetManifest(fileID)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest for %s: %w", fileID, err)
	}
	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("decode manifest for %s: %w", fileID, err)
	}
	return &manifest, nil
}

// HaveChunks reports which chunk indices of a manifest are already present
// in the store. Receivers use this to request only what they are missing.
func (c *Chunker) HaveChunks(manifest *Manifest) ([]int, error) {
	have := make([]int, 0, len(manifest.Chunks))
	for _, ref := range manifest.Chunks {
		ok, err := c.store.HasChunk(ref.ChunkID)
		if err != nil {
			return nil, fmt.Errorf("check chunk %d of %s: %w", ref.ChunkIndex, manifest.FileID, err)
		}
		if ok {
			have = append(have, ref.ChunkIndex)
		}
	}
	return have, nil
}
