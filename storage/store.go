package storage

import "errors"

// StoreResult reports whether a write inserted a new record or found an
// existing one. Duplicate delivery is an expected condition, not an error.
type StoreResult int

const (
	// Inserted means the record was newly stored.
	Inserted StoreResult = iota
	// AlreadyExists means an identical record was already present.
	AlreadyExists
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("storage: record not found")

// GroupEpochRecord is a stored group key epoch.
type GroupEpochRecord struct {
	GroupID    string
	KeyVersion int
	Key        []byte
	CreatedAt  int64
}

// Store is the persistence contract consumed by the protocol layers.
//
// Chunk writes are idempotent by content address: storing the same chunk
// ID twice is safe and reports AlreadyExists. Manifest and session writes
// overwrite, since sessions mutate across their lifecycle.
type Store interface {
	// PutChunk stores chunk bytes keyed by content hash, write-if-absent.
	PutChunk(chunkID string, data []byte) (StoreResult, error)
	// GetChunk retrieves chunk bytes, or ErrNotFound.
	GetChunk(chunkID string) ([]byte, error)
	// HasChunk reports whether a chunk is stored.
	HasChunk(chunkID string) (bool, error)

	// PutManifest stores a serialized manifest keyed by file ID.
	PutManifest(fileID string, manifest []byte) error
	// GetManifest retrieves a serialized manifest, or ErrNotFound.
	GetManifest(fileID string) ([]byte, error)

	// PutSession stores a serialized transfer session keyed by transfer ID.
	PutSession(transferID string, session []byte) error
	// GetSession retrieves a serialized session, or ErrNotFound.
	GetSession(transferID string) ([]byte, error)
	// ListSessions returns all stored sessions keyed by transfer ID.
	ListSessions() (map[string][]byte, error)
	// DeleteSession removes a stored session. Missing sessions are not an error.
	DeleteSession(transferID string) error

	// PutGroupEpoch stores a key epoch, write-if-absent on (group, version).
	PutGroupEpoch(rec GroupEpochRecord) (StoreResult, error)
	// GetGroupEpoch retrieves a specific epoch, or ErrNotFound.
	GetGroupEpoch(groupID string, keyVersion int) (*GroupEpochRecord, error)
	// LatestGroupEpoch retrieves the highest-version epoch, or ErrNotFound.
	LatestGroupEpoch(groupID string) (*GroupEpochRecord, error)

	// MarkSeen records a delivered message ID for duplicate suppression.
	MarkSeen(messageID string, receivedAt int64) (StoreResult, error)
	// HasSeen reports whether a message ID was already delivered.
	HasSeen(messageID string) (bool, error)

	// Close releases the underlying resources.
	Close() error
}
