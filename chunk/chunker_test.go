package chunk

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/relaycore/storage"
)

func TestChunkSplitsAtBoundaries(t *testing.T) {
	store := storage.NewMemoryStore()
	chunker := NewChunker(store)

	// 1 MiB at 256 KiB chunks lands exactly on four chunks.
	data := bytes.Repeat([]byte{0xAB}, 1024*1024)
	manifest, err := chunker.Chunk("file-1", "video.mp4", data, DefaultChunkSize)
	require.NoError(t, err)

	assert.Equal(t, 4, manifest.TotalChunks)
	assert.Len(t, manifest.Chunks, 4)
	assert.Equal(t, int64(len(data)), manifest.TotalSize)
	for i, ref := range manifest.Chunks {
		assert.Equal(t, i, ref.ChunkIndex)
		assert.Equal(t, int64(DefaultChunkSize), ref.Size)
		assert.Equal(t, ref.Hash, ref.ChunkID)
	}
	require.NoError(t, manifest.Validate())
}

func TestChunkShortFinalChunk(t *testing.T) {
	store := storage.NewMemoryStore()
	chunker := NewChunker(store)

	data := make([]byte, 250)
	for i := range data {
		data[i] = byte(i)
	}
	manifest, err := chunker.Chunk("file-2", "notes.txt", data, 100)
	require.NoError(t, err)

	require.Equal(t, 3, manifest.TotalChunks)
	assert.Equal(t, int64(100), manifest.Chunks[0].Size)
	assert.Equal(t, int64(100), manifest.Chunks[1].Size)
	assert.Equal(t, int64(50), manifest.Chunks[2].Size)
	require.NoError(t, manifest.Validate())
}

func TestChunkEmptyFile(t *testing.T) {
	store := storage.NewMemoryStore()
	chunker := NewChunker(store)

	manifest, err := chunker.Chunk("file-empty", "empty.bin", nil, DefaultChunkSize)
	require.NoError(t, err)

	assert.Equal(t, 0, manifest.TotalChunks)
	assert.Empty(t, manifest.Chunks)
	assert.Equal(t, int64(0), manifest.TotalSize)
	assert.Equal(t, HashBytes(nil), manifest.FileHash)

	file, err := chunker.Reassemble("file-empty")
	require.NoError(t, err)
	assert.Empty(t, file.Data)
}

func TestChunkRejectsInvalidSize(t *testing.T) {
	chunker := NewChunker(storage.NewMemoryStore())

	for _, size := range []int64{0, -1, -256} {
		_, err := chunker.Chunk("file-3", "x", []byte("data"), size)
		assert.ErrorIs(t, err, ErrChunkSizeInvalid)
	}
}

func TestReassembleRoundTrip(t *testing.T) {
	store := storage.NewMemoryStore()
	chunker := NewChunker(store)

	data := make([]byte, 700*1024+37)
	for i := range data {
		data[i] = byte(i * 31)
	}
	manifest, err := chunker.Chunk("file-4", "archive.tar", data, DefaultChunkSize)
	require.NoError(t, err)

	file, err := chunker.Reassemble("file-4")
	require.NoError(t, err)
	assert.Equal(t, data, file.Data)
	assert.Equal(t, "archive.tar", file.Filename)
	assert.Equal(t, manifest.FileHash, file.FileHash)
	assert.Equal(t, int64(len(data)), file.TotalSize)
}

func TestFileHashStableAcrossChunking(t *testing.T) {
	data := bytes.Repeat([]byte("relay"), 10000)

	first, err := NewChunker(storage.NewMemoryStore()).Chunk("a", "f", data, 4096)
	require.NoError(t, err)
	second, err := NewChunker(storage.NewMemoryStore()).Chunk("b", "f", data, 4096)
	require.NoError(t, err)

	assert.Equal(t, first.FileHash, second.FileHash)
	assert.Equal(t, first.Chunks[0].ChunkID, second.Chunks[0].ChunkID)
}

func TestIdenticalChunksDeduplicate(t *testing.T) {
	store := storage.NewMemoryStore()
	chunker := NewChunker(store)

	// Four identical chunks share one content address.
	data := bytes.Repeat([]byte{0x42}, 4*1024)
	manifest, err := chunker.Chunk("file-5", "zeros.bin", data, 1024)
	require.NoError(t, err)

	require.Equal(t, 4, manifest.TotalChunks)
	for _, ref := range manifest.Chunks[1:] {
		assert.Equal(t, manifest.Chunks[0].ChunkID, ref.ChunkID)
	}

	file, err := chunker.Reassemble("file-5")
	require.NoError(t, err)
	assert.Equal(t, data, file.Data)
}

func TestReassembleDetectsCorruption(t *testing.T) {
	store := storage.NewMemoryStore()
	chunker := NewChunker(store)

	// A period coprime with the chunk size keeps every chunk's content,
	// and therefore its content address, distinct.
	data := make([]byte, 5*1024)
	for i := range data {
		data[i] = byte(i % 251)
	}
	manifest, err := chunker.Chunk("file-6", "doc.pdf", data, 1024)
	require.NoError(t, err)
	require.NotEqual(t, manifest.Chunks[0].ChunkID, manifest.Chunks[2].ChunkID)

	store.CorruptChunk(manifest.Chunks[2].ChunkID, []byte("flipped bits"))

	_, err = chunker.Reassemble("file-6")
	require.Error(t, err)

	var integrityErr *IntegrityError
	require.True(t, errors.As(err, &integrityErr))
	assert.Equal(t, 2, integrityErr.ChunkIndex)
	assert.Equal(t, "file-6", integrityErr.FileID)
}

func TestReassembleMissingManifest(t *testing.T) {
	chunker := NewChunker(storage.NewMemoryStore())

	_, err := chunker.Reassemble("no-such-file")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestVerifyChunk(t *testing.T) {
	data := []byte("chunk payload")
	hash := HashBytes(data)

	assert.True(t, VerifyChunk(data, hash))
	assert.False(t, VerifyChunk([]byte("chunk payloaD"), hash))
	assert.False(t, VerifyChunk(data, "deadbeef"))
}

func TestHaveChunks(t *testing.T) {
	store := storage.NewMemoryStore()
	chunker := NewChunker(store)

	data := make([]byte, 3*1024)
	for i := range data {
		data[i] = byte(i * 7)
	}
	manifest, err := chunker.Chunk("file-7", "img.png", data, 1024)
	require.NoError(t, err)

	have, err := chunker.HaveChunks(manifest)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, have)

	// A fresh store holds nothing yet.
	have, err = NewChunker(storage.NewMemoryStore()).HaveChunks(manifest)
	require.NoError(t, err)
	assert.Empty(t, have)
}

func TestManifestValidate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Manifest)
		wantFail bool
	}{
		{"valid", func(m *Manifest) {}, false},
		{"missing_file_id", func(m *Manifest) { m.FileID = "" }, true},
		{"count_mismatch", func(m *Manifest) { m.TotalChunks = 5 }, true},
		{"index_gap", func(m *Manifest) { m.Chunks[1].ChunkIndex = 3 }, true},
		{"size_mismatch", func(m *Manifest) { m.TotalSize += 1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Manifest{
				FileID:      "f",
				TotalSize:   300,
				ChunkSize:   200,
				TotalChunks: 2,
				Chunks: []ChunkRef{
					{ChunkID: "aa", ChunkIndex: 0, Size: 200, Hash: "aa"},
					{ChunkID: "bb", ChunkIndex: 1, Size: 100, Hash: "bb"},
				},
				FileHash: "cc",
			}
			tt.mutate(m)
			err := m.Validate()
			if tt.wantFail {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
