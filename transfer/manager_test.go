package transfer

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/relaycore/chunk"
	"github.com/opd-ai/relaycore/storage"
)

// mockTimeProvider provides deterministic time for testing.
type mockTimeProvider struct {
	current time.Time
}

func newMockTimeProvider() *mockTimeProvider {
	return &mockTimeProvider{current: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
}

func (m *mockTimeProvider) Now() time.Time                  { return m.current }
func (m *mockTimeProvider) Since(t time.Time) time.Duration { return m.current.Sub(t) }
func (m *mockTimeProvider) advance(d time.Duration)         { m.current = m.current.Add(d) }

func testManifest(t *testing.T, fileID string, numChunks int) *chunk.Manifest {
	t.Helper()
	store := storage.NewMemoryStore()
	data := bytes.Repeat([]byte{0x5A}, numChunks*1024)
	for i := range data {
		data[i] = byte(i)
	}
	manifest, err := chunk.NewChunker(store).Chunk(fileID, fileID+".bin", data, 1024)
	require.NoError(t, err)
	require.Equal(t, numChunks, manifest.TotalChunks)
	return manifest
}

func newTestManager(t *testing.T) (*Manager, *mockTimeProvider) {
	t.Helper()
	manager := NewManager(storage.NewMemoryStore())
	tp := newMockTimeProvider()
	manager.SetTimeProvider(tp)
	return manager, tp
}

func startTransferring(t *testing.T, manager *Manager) (string, *chunk.Manifest) {
	t.Helper()
	manifest := testManifest(t, "file-1", 8)
	id, msg, err := manager.Initiate("file-1", "did:key:bob", manifest, DirectionUpload, TransportRelay)
	require.NoError(t, err)
	require.Equal(t, MsgTransferRequest, msg.Type)

	// Peer accepts with no existing chunks.
	_, err = manager.OnMessage("did:key:bob", Message{Type: MsgTransferAccept, TransferID: id})
	require.NoError(t, err)

	session, err := manager.Session(id)
	require.NoError(t, err)
	require.Equal(t, StateTransferring, session.State)
	return id, manifest
}

func TestInitiateCreatesRequestingSession(t *testing.T) {
	manager, _ := newTestManager(t)
	manifest := testManifest(t, "file-1", 4)

	id, msg, err := manager.Initiate("file-1", "did:key:bob", manifest, DirectionUpload, TransportRelay)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, MsgTransferRequest, msg.Type)
	assert.Equal(t, id, msg.TransferID)
	assert.Equal(t, manifest, msg.Manifest)

	session, err := manager.Session(id)
	require.NoError(t, err)
	assert.Equal(t, StateRequesting, session.State)
	assert.Equal(t, DirectionUpload, session.Direction)
	assert.Len(t, session.ChunksBitfield, 4)
}

func TestInitiateRejectsDuplicateActiveTransfer(t *testing.T) {
	manager, _ := newTestManager(t)
	manifest := testManifest(t, "file-1", 4)

	_, _, err := manager.Initiate("file-1", "did:key:bob", manifest, DirectionUpload, TransportRelay)
	require.NoError(t, err)

	_, _, err = manager.Initiate("file-1", "did:key:bob", manifest, DirectionUpload, TransportRelay)
	assert.ErrorIs(t, err, ErrTransferConflict)

	// Same file to a different peer is a separate transfer.
	_, _, err = manager.Initiate("file-1", "did:key:carol", manifest, DirectionUpload, TransportRelay)
	assert.NoError(t, err)
}

func TestInitiateAllowedAfterTerminalState(t *testing.T) {
	manager, _ := newTestManager(t)
	manifest := testManifest(t, "file-1", 4)

	id, _, err := manager.Initiate("file-1", "did:key:bob", manifest, DirectionUpload, TransportRelay)
	require.NoError(t, err)
	_, err = manager.Cancel(id, "changed my mind")
	require.NoError(t, err)

	_, _, err = manager.Initiate("file-1", "did:key:bob", manifest, DirectionUpload, TransportRelay)
	assert.NoError(t, err)
}

func TestUploadLimitEnforced(t *testing.T) {
	manager, _ := newTestManager(t)
	manager.SetLimits(TransferLimits{MaxUploads: 1, MaxDownloads: 1})

	_, _, err := manager.Initiate("file-1", "did:key:bob", testManifest(t, "file-1", 2), DirectionUpload, TransportRelay)
	require.NoError(t, err)

	_, _, err = manager.Initiate("file-2", "did:key:bob", testManifest(t, "file-2", 2), DirectionUpload, TransportRelay)
	assert.ErrorIs(t, err, ErrUploadLimitReached)
}

func TestDownloadLimitBoundsAccept(t *testing.T) {
	manager, _ := newTestManager(t)
	manager.SetLimits(TransferLimits{MaxUploads: 1, MaxDownloads: 1})

	for _, id := range []string{"tx-1", "tx-2"} {
		_, err := manager.OnMessage("did:key:alice", Message{
			Type: MsgTransferRequest, TransferID: id, FileID: "file-" + id, Manifest: testManifest(t, "file-"+id, 2),
		})
		require.NoError(t, err)
	}

	// The session under acceptance counts toward the active total, so
	// exactly one download fits under a limit of one.
	_, err := manager.Accept("tx-1", nil)
	require.NoError(t, err)
	_, err = manager.Accept("tx-2", nil)
	assert.ErrorIs(t, err, ErrDownloadLimit)
}

func TestIncomingRequestEmitsEventNotAutoAccept(t *testing.T) {
	manager, _ := newTestManager(t)
	manifest := testManifest(t, "file-1", 4)

	reply, err := manager.OnMessage("did:key:alice", Message{
		Type:       MsgTransferRequest,
		TransferID: "tx-1",
		FileID:     "file-1",
		Manifest:   manifest,
	})
	require.NoError(t, err)
	assert.Nil(t, reply, "acceptance is an application decision")

	events := manager.DrainEvents()
	require.Len(t, events, 1)
	assert.Equal(t, EventIncomingRequest, events[0].Type)
	assert.Equal(t, "did:key:alice", events[0].FromDID)
	assert.Equal(t, manifest.TotalChunks, events[0].TotalChunks)

	session, err := manager.Session("tx-1")
	require.NoError(t, err)
	assert.Equal(t, StateRequesting, session.State)
	assert.Equal(t, DirectionDownload, session.Direction)
}

func TestAcceptMovesToTransferringAndCountsExistingChunks(t *testing.T) {
	manager, _ := newTestManager(t)
	manifest := testManifest(t, "file-1", 4)

	_, err := manager.OnMessage("did:key:alice", Message{
		Type: MsgTransferRequest, TransferID: "tx-1", FileID: "file-1", Manifest: manifest,
	})
	require.NoError(t, err)

	reply, err := manager.Accept("tx-1", []int{0, 2})
	require.NoError(t, err)
	assert.Equal(t, MsgTransferAccept, reply.Type)
	assert.Equal(t, []int{0, 2}, reply.ExistingChunks)

	// The receiver is ready for chunk data immediately; there is no
	// intermediate handshake frame coming back to this side.
	session, err := manager.Session("tx-1")
	require.NoError(t, err)
	assert.Equal(t, StateTransferring, session.State)
	assert.Equal(t, 2, session.ChunksCompleted)

	// Accept is only valid from requesting.
	_, err = manager.Accept("tx-1", nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRejectCancelsSession(t *testing.T) {
	manager, _ := newTestManager(t)
	manifest := testManifest(t, "file-1", 4)

	_, err := manager.OnMessage("did:key:alice", Message{
		Type: MsgTransferRequest, TransferID: "tx-1", FileID: "file-1", Manifest: manifest,
	})
	require.NoError(t, err)

	reply, err := manager.Reject("tx-1", "file too large")
	require.NoError(t, err)
	assert.Equal(t, MsgTransferReject, reply.Type)
	assert.Equal(t, "file too large", reply.Reason)

	session, err := manager.Session("tx-1")
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, session.State)
}

func TestPeerRejectFailsUpload(t *testing.T) {
	manager, _ := newTestManager(t)
	manifest := testManifest(t, "file-1", 4)

	id, _, err := manager.Initiate("file-1", "did:key:bob", manifest, DirectionUpload, TransportRelay)
	require.NoError(t, err)

	_, err = manager.OnMessage("did:key:bob", Message{
		Type: MsgTransferReject, TransferID: id, Reason: "no thanks",
	})
	require.NoError(t, err)

	session, err := manager.Session(id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, session.State)
	assert.Contains(t, session.Error, "no thanks")
}

func TestChunksToSendRespectsWindowAndInFlight(t *testing.T) {
	manager, _ := newTestManager(t)
	id, _ := startTransferring(t, manager)

	// Default window is 2.
	eligible := manager.ChunksToSend(id)
	assert.Equal(t, []int{0, 1}, eligible)

	require.NoError(t, manager.MarkChunkSent(id, 0))
	assert.Equal(t, []int{1}, manager.ChunksToSend(id))

	require.NoError(t, manager.MarkChunkSent(id, 1))
	assert.Empty(t, manager.ChunksToSend(id))
}

func TestChunkAckAdvancesTransfer(t *testing.T) {
	manager, tp := newTestManager(t)
	id, manifest := startTransferring(t, manager)

	require.NoError(t, manager.MarkChunkSent(id, 0))
	tp.advance(50 * time.Millisecond)

	reply, err := manager.OnMessage("did:key:bob", Message{
		Type: MsgChunkAck, TransferID: id, ChunkIndex: 0, Success: true,
	})
	require.NoError(t, err)
	assert.Nil(t, reply)

	session, err := manager.Session(id)
	require.NoError(t, err)
	assert.Equal(t, 1, session.ChunksCompleted)
	assert.Equal(t, manifest.Chunks[0].Size, session.BytesTransferred)
	assert.True(t, session.ChunksBitfield[0])

	// Acked chunks never come back from ChunksToSend.
	assert.NotContains(t, manager.ChunksToSend(id), 0)
}

func TestFinalChunkAckCompletesAndEmitsComplete(t *testing.T) {
	manager, tp := newTestManager(t)
	id, manifest := startTransferring(t, manager)

	var reply *Message
	for idx := 0; idx < manifest.TotalChunks; idx++ {
		require.NoError(t, manager.MarkChunkSent(id, idx))
		tp.advance(20 * time.Millisecond)
		var err error
		reply, err = manager.OnMessage("did:key:bob", Message{
			Type: MsgChunkAck, TransferID: id, ChunkIndex: idx, Success: true,
		})
		require.NoError(t, err)
	}

	require.NotNil(t, reply)
	assert.Equal(t, MsgTransferComplete, reply.Type)
	assert.Equal(t, manifest.FileHash, reply.FileHash)

	session, err := manager.Session(id)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, session.State)

	var sawCompleted bool
	for _, event := range manager.DrainEvents() {
		if event.Type == EventCompleted {
			sawCompleted = true
			assert.Equal(t, id, event.TransferID)
		}
	}
	assert.True(t, sawCompleted)
}

func TestChunkDataVerifiedAndAcked(t *testing.T) {
	manager, _ := newTestManager(t)
	manifest := testManifest(t, "file-1", 2)

	_, err := manager.OnMessage("did:key:alice", Message{
		Type: MsgTransferRequest, TransferID: "tx-1", FileID: "file-1", Manifest: manifest,
	})
	require.NoError(t, err)
	_, err = manager.Accept("tx-1", nil)
	require.NoError(t, err)

	data := bytes.Repeat([]byte{7}, 1024)
	reply, err := manager.OnMessage("did:key:alice", NewChunkData("tx-1", 0, data))
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, MsgChunkAck, reply.Type)
	assert.True(t, reply.Success)
}

func TestDownloadCompletesWithoutHandshakeFrame(t *testing.T) {
	manager, _ := newTestManager(t)
	manifest := testManifest(t, "file-1", 3)

	_, err := manager.OnMessage("did:key:alice", Message{
		Type: MsgTransferRequest, TransferID: "tx-1", FileID: "file-1", Manifest: manifest,
	})
	require.NoError(t, err)
	_, err = manager.Accept("tx-1", nil)
	require.NoError(t, err)

	// The only frames a downloader sees after accepting are chunk data;
	// its own accept is never echoed back. Every chunk must land.
	for idx := 0; idx < manifest.TotalChunks; idx++ {
		reply, err := manager.OnMessage("did:key:alice", NewChunkData("tx-1", idx, bytes.Repeat([]byte{byte(idx)}, 1024)))
		require.NoError(t, err)
		require.NotNil(t, reply)
		assert.Equal(t, MsgChunkAck, reply.Type)
		assert.True(t, reply.Success)
	}

	session, err := manager.Session("tx-1")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, session.State)
	assert.Equal(t, manifest.TotalChunks, session.ChunksCompleted)
}

func TestTransferCompleteIgnoredAfterCancel(t *testing.T) {
	manager, _ := newTestManager(t)
	manifest := testManifest(t, "file-1", 2)

	_, err := manager.OnMessage("did:key:alice", Message{
		Type: MsgTransferRequest, TransferID: "tx-1", FileID: "file-1", Manifest: manifest,
	})
	require.NoError(t, err)
	_, err = manager.Cancel("tx-1", "not interested")
	require.NoError(t, err)
	manager.DrainEvents()

	// A straggler transfer_complete must not revive the session, even
	// with the correct hash; a mismatched hash must not flip it to failed.
	for _, hash := range []string{manifest.FileHash, "not-the-right-hash"} {
		reply, err := manager.OnMessage("did:key:alice", Message{
			Type: MsgTransferComplete, TransferID: "tx-1", FileHash: hash,
		})
		require.NoError(t, err)
		assert.Nil(t, reply)

		session, err := manager.Session("tx-1")
		require.NoError(t, err)
		assert.Equal(t, StateCancelled, session.State)
	}
	assert.Empty(t, manager.DrainEvents())
}

func TestCorruptChunkDataGetsNegativeAck(t *testing.T) {
	manager, _ := newTestManager(t)
	manifest := testManifest(t, "file-1", 2)

	_, err := manager.OnMessage("did:key:alice", Message{
		Type: MsgTransferRequest, TransferID: "tx-1", FileID: "file-1", Manifest: manifest,
	})
	require.NoError(t, err)
	_, err = manager.Accept("tx-1", nil)
	require.NoError(t, err)

	msg := NewChunkData("tx-1", 0, bytes.Repeat([]byte{7}, 1024))
	msg.Data[0] ^= 0xFF

	reply, err := manager.OnMessage("did:key:alice", msg)
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, MsgChunkAck, reply.Type)
	assert.False(t, reply.Success)
	assert.Contains(t, reply.Error, "hash mismatch")

	session, err := manager.Session("tx-1")
	require.NoError(t, err)
	assert.Equal(t, 0, session.ChunksCompleted)
}

func TestPauseResumeResetsWindow(t *testing.T) {
	manager, tp := newTestManager(t)
	id, _ := startTransferring(t, manager)

	// Grow the window past the default.
	for idx := 0; idx < 4; idx++ {
		require.NoError(t, manager.MarkChunkSent(id, idx))
		tp.advance(10 * time.Millisecond)
		_, err := manager.OnMessage("did:key:bob", Message{
			Type: MsgChunkAck, TransferID: id, ChunkIndex: idx, Success: true,
		})
		require.NoError(t, err)
	}
	assert.Len(t, manager.ChunksToSend(id), 3, "window should have grown to 3")

	pauseMsg, err := manager.Pause(id)
	require.NoError(t, err)
	assert.Equal(t, MsgPauseTransfer, pauseMsg.Type)
	assert.Empty(t, manager.ChunksToSend(id))

	resumeMsg, err := manager.Resume(id)
	require.NoError(t, err)
	assert.Equal(t, MsgResumeTransfer, resumeMsg.Type)
	assert.Equal(t, []int{0, 1, 2, 3}, resumeMsg.ExistingChunks)

	// Back to the conservative default window, completed chunks excluded.
	assert.Equal(t, []int{4, 5}, manager.ChunksToSend(id))
}

func TestTerminalStatesAreImmutable(t *testing.T) {
	manager, _ := newTestManager(t)
	id, _ := startTransferring(t, manager)

	_, err := manager.Cancel(id, "user cancelled")
	require.NoError(t, err)

	_, err = manager.Cancel(id, "again")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = manager.Pause(id)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = manager.Resume(id)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	err = manager.MarkChunkSent(id, 0)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	session, err := manager.Session(id)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, session.State)
	assert.Equal(t, "user cancelled", session.Error)
}

func TestCancelledSessionDiscardsChunkData(t *testing.T) {
	manager, _ := newTestManager(t)
	manifest := testManifest(t, "file-1", 2)

	_, err := manager.OnMessage("did:key:alice", Message{
		Type: MsgTransferRequest, TransferID: "tx-1", FileID: "file-1", Manifest: manifest,
	})
	require.NoError(t, err)
	_, err = manager.Cancel("tx-1", "not interested")
	require.NoError(t, err)

	// A straggler chunk from the peer is silently dropped.
	reply, err := manager.OnMessage("did:key:alice", NewChunkData("tx-1", 0, bytes.Repeat([]byte{7}, 1024)))
	require.NoError(t, err)
	assert.Nil(t, reply)

	session, err := manager.Session("tx-1")
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, session.State)
	assert.Equal(t, 0, session.ChunksCompleted)
}

func TestNegotiationTimeoutFailsSession(t *testing.T) {
	manager, tp := newTestManager(t)
	manifest := testManifest(t, "file-1", 2)

	id, _, err := manager.Initiate("file-1", "did:key:bob", manifest, DirectionUpload, TransportRelay)
	require.NoError(t, err)

	tp.advance(DefaultNegotiationTimeout / 2)
	manager.CheckTimeouts()
	session, err := manager.Session(id)
	require.NoError(t, err)
	assert.Equal(t, StateRequesting, session.State)

	tp.advance(DefaultNegotiationTimeout)
	manager.CheckTimeouts()
	session, err = manager.Session(id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, session.State)
	assert.Contains(t, session.Error, "timed out")
}

func TestAckTimeoutShrinksWindowAndRequeuesChunk(t *testing.T) {
	manager, tp := newTestManager(t)
	id, _ := startTransferring(t, manager)

	require.NoError(t, manager.MarkChunkSent(id, 0))
	require.NoError(t, manager.MarkChunkSent(id, 1))
	assert.Empty(t, manager.ChunksToSend(id))

	// No RTT samples yet, so the floor deadline of one second applies.
	tp.advance(2 * time.Second)
	manager.CheckTimeouts()

	// Both chunks timed out: the window halved to the minimum and the
	// indices are eligible again.
	assert.Equal(t, []int{0}, manager.ChunksToSend(id))
}

func TestIncompleteTransfersSurviveRestart(t *testing.T) {
	store := storage.NewMemoryStore()
	manager := NewManager(store)
	tp := newMockTimeProvider()
	manager.SetTimeProvider(tp)

	id, _ := startTransferring(t, manager)
	require.NoError(t, manager.MarkChunkSent(id, 0))
	tp.advance(10 * time.Millisecond)
	_, err := manager.OnMessage("did:key:bob", Message{
		Type: MsgChunkAck, TransferID: id, ChunkIndex: 0, Success: true,
	})
	require.NoError(t, err)

	// New manager over the same store simulates a restart.
	restarted := NewManager(store)
	restarted.SetTimeProvider(tp)
	require.NoError(t, restarted.LoadSessions())

	incomplete := restarted.IncompleteTransfers()
	require.Len(t, incomplete, 1)
	assert.Equal(t, id, incomplete[0].TransferID)
	assert.True(t, incomplete[0].ChunksBitfield[0])

	// Chunk 0 is done; the reset window admits the next two indices.
	assert.Equal(t, []int{1, 2}, restarted.ChunksToSend(id))
}

func TestClearCompletedDropsTerminalSessions(t *testing.T) {
	store := storage.NewMemoryStore()
	manager := NewManager(store)
	manager.SetTimeProvider(newMockTimeProvider())

	id, _ := startTransferring(t, manager)
	_, err := manager.Cancel(id, "done with it")
	require.NoError(t, err)

	manager.ClearCompleted()

	_, err = manager.Session(id)
	assert.ErrorIs(t, err, ErrTransferNotFound)
	_, err = store.GetSession(id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestChunkAvailabilityMarksChunks(t *testing.T) {
	manager, _ := newTestManager(t)
	id, _ := startTransferring(t, manager)

	_, err := manager.OnMessage("did:key:bob", NewChunkAvailability(id, []int{0, 3, 7}))
	require.NoError(t, err)

	session, err := manager.Session(id)
	require.NoError(t, err)
	assert.Equal(t, 3, session.ChunksCompleted)
	assert.Equal(t, []int{0, 3, 7}, session.CompletedChunks())
}

func TestFinalHashMismatchFailsTransfer(t *testing.T) {
	manager, _ := newTestManager(t)
	id, _ := startTransferring(t, manager)

	_, err := manager.OnMessage("did:key:bob", Message{
		Type: MsgTransferComplete, TransferID: id, FileHash: "not-the-right-hash",
	})
	require.NoError(t, err)

	session, err := manager.Session(id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, session.State)
	assert.Contains(t, session.Error, "hash mismatch")
}

func TestProgressPercent(t *testing.T) {
	manifest := testManifest(t, "file-1", 4)
	session := newSession("tx", "file-1", manifest, DirectionUpload, "peer", TransportRelay, 0)

	assert.Equal(t, 0.0, session.ProgressPercent())
	session.markChunkCompleted(0, 1024, 1)
	session.markChunkCompleted(1, 1024, 1)
	assert.Equal(t, 50.0, session.ProgressPercent())

	empty := &Session{Manifest: &chunk.Manifest{}}
	assert.Equal(t, 100.0, empty.ProgressPercent())
}
