package transfer

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relaycore/chunk"
)

// Errors surfaced synchronously by the manager. Transport and timeout
// conditions do not appear here; those become session state transitions
// the caller observes via events.
var (
	ErrTransferNotFound   = fmt.Errorf("transfer not found")
	ErrTransferConflict   = fmt.Errorf("transfer already active for this file, peer and direction")
	ErrInvalidTransition  = fmt.Errorf("operation not valid in current transfer state")
	ErrUploadLimitReached = fmt.Errorf("concurrent upload limit reached")
	ErrDownloadLimit      = fmt.Errorf("concurrent download limit reached")
)

// DefaultNegotiationTimeout bounds how long a session may sit in
// requesting or negotiating before it fails, so sessions do not leak
// waiting on a peer that never answers.
const DefaultNegotiationTimeout = 30 * time.Second

// TransferLimits caps concurrent active transfers per direction.
type TransferLimits struct {
	MaxUploads   int
	MaxDownloads int
}

// DefaultLimits allows three concurrent transfers each way.
func DefaultLimits() TransferLimits {
	return TransferLimits{MaxUploads: 3, MaxDownloads: 3}
}

// TimeProvider abstracts time for deterministic timeout and RTT tests.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the elapsed time since t.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

// SessionStore is the durability surface the manager needs. Sessions are
// stored as JSON so manifest and bitfield survive restarts.
type SessionStore interface {
	PutSession(transferID string, session []byte) error
	GetSession(transferID string) ([]byte, error)
	ListSessions() (map[string][]byte, error)
	DeleteSession(transferID string) error
}

// Manager coordinates all transfer sessions: initiation, the inbound
// protocol message dispatch, flow control bookkeeping, concurrency
// limits, and event emission. All methods are safe for concurrent use;
// state mutation for a given session completes atomically under the
// manager lock.
type Manager struct {
	mu sync.Mutex

	sessions map[string]*Session
	flows    map[string]*FlowControl
	speeds   map[string]*SpeedTracker
	inFlight map[string]map[int]time.Time

	store              SessionStore
	limits             TransferLimits
	negotiationTimeout time.Duration
	time               TimeProvider

	events []Event
}

// NewManager creates a manager persisting sessions to store.
func NewManager(store SessionStore) *Manager {
	return &Manager{
		sessions:           make(map[string]*Session),
		flows:              make(map[string]*FlowControl),
		speeds:             make(map[string]*SpeedTracker),
		inFlight:           make(map[string]map[int]time.Time),
		store:              store,
		limits:             DefaultLimits(),
		negotiationTimeout: DefaultNegotiationTimeout,
		time:               DefaultTimeProvider{},
	}
}

// SetLimits replaces the concurrency limits.
func (m *Manager) SetLimits(limits TransferLimits) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits = limits
}

// SetNegotiationTimeout replaces the negotiation deadline.
func (m *Manager) SetNegotiationTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.negotiationTimeout = d
}

// SetTimeProvider injects a time source, used by tests.
func (m *Manager) SetTimeProvider(tp TimeProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.time = tp
}

// LoadSessions restores persisted sessions after a restart. Manifest and
// bitfield come back intact; flow-control windows start fresh at the
// conservative default.
func (m *Manager) LoadSessions() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, err := m.store.ListSessions()
	if err != nil {
		return fmt.Errorf("list persisted sessions: %w", err)
	}
	for id, raw := range stored {
		var session Session
		if err := json.Unmarshal(raw, &session); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "LoadSessions",
				"transfer_id": id,
				"error":       err,
			}).Warn("Skipping unreadable persisted session")
			continue
		}
		m.sessions[id] = &session
		if !session.State.IsTerminal() {
			m.flows[id] = NewFlowControl()
			m.speeds[id] = NewSpeedTracker(defaultSpeedSamples)
			m.inFlight[id] = make(map[int]time.Time)
		}
	}
	logrus.WithFields(logrus.Fields{
		"function": "LoadSessions",
		"count":    len(stored),
	}).Info("Restored transfer sessions")
	return nil
}

// Session returns a copy of the session, or ErrTransferNotFound.
func (m *Manager) Session(transferID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[transferID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTransferNotFound, transferID)
	}
	copied := *session
	copied.ChunksBitfield = append([]bool(nil), session.ChunksBitfield...)
	return &copied, nil
}

// IncompleteTransfers returns all non-terminal sessions, sorted by
// transfer ID, to drive resume after a restart.
func (m *Manager) IncompleteTransfers() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	incomplete := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		if !session.State.IsTerminal() {
			copied := *session
			copied.ChunksBitfield = append([]bool(nil), session.ChunksBitfield...)
			incomplete = append(incomplete, &copied)
		}
	}
	sort.Slice(incomplete, func(i, j int) bool {
		return incomplete[i].TransferID < incomplete[j].TransferID
	})
	return incomplete
}

// DrainEvents returns all accumulated events and clears the buffer.
func (m *Manager) DrainEvents() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := m.events
	m.events = nil
	return events
}

// Initiate starts an outgoing transfer and returns the new session ID
// plus the transfer_request frame to send to the peer. A transfer for
// the same (file, peer, direction) that is still active is rejected with
// ErrTransferConflict.
func (m *Manager) Initiate(fileID, peerDID string, manifest *chunk.Manifest, direction Direction, transport TransportKind) (string, *Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, session := range m.sessions {
		if session.FileID == fileID && session.PeerDID == peerDID &&
			session.Direction == direction && !session.State.IsTerminal() {
			return "", nil, fmt.Errorf("%w: file %s peer %s", ErrTransferConflict, fileID, peerDID)
		}
	}
	if direction == DirectionUpload && m.activeCount(DirectionUpload) >= m.limits.MaxUploads {
		return "", nil, fmt.Errorf("%w: %d active", ErrUploadLimitReached, m.limits.MaxUploads)
	}
	if direction == DirectionDownload && m.activeCount(DirectionDownload) >= m.limits.MaxDownloads {
		return "", nil, fmt.Errorf("%w: %d active", ErrDownloadLimit, m.limits.MaxDownloads)
	}

	transferID := uuid.New().String()
	nowMS := m.time.Now().UnixMilli()
	session := newSession(transferID, fileID, manifest, direction, peerDID, transport, nowMS)

	m.sessions[transferID] = session
	m.flows[transferID] = NewFlowControl()
	m.speeds[transferID] = NewSpeedTracker(defaultSpeedSamples)
	m.inFlight[transferID] = make(map[int]time.Time)
	m.persist(session)

	logrus.WithFields(logrus.Fields{
		"function":    "Initiate",
		"transfer_id": transferID,
		"file_id":     fileID,
		"peer":        peerDID,
		"direction":   direction,
		"chunks":      manifest.TotalChunks,
	}).Info("Transfer initiated")

	msg := &Message{
		Type:       MsgTransferRequest,
		TransferID: transferID,
		FileID:     fileID,
		Manifest:   manifest,
	}
	return transferID, msg, nil
}

// Accept marks the receiver's readiness for an incoming request and
// returns the transfer_accept frame. The session moves straight to
// transferring: chunk data may arrive before the peer even processes
// the accept, and the receiver has nothing left to negotiate.
// existingChunks lists indices this side already holds, letting an
// interrupted transfer resume where it stopped.
func (m *Manager) Accept(transferID string, existingChunks []int) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[transferID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTransferNotFound, transferID)
	}
	if session.State != StateRequesting {
		return nil, fmt.Errorf("%w: accept in state %s", ErrInvalidTransition, session.State)
	}
	// Pending requests awaiting a decision do not hold download slots;
	// only downloads already admitted count against the limit.
	if session.Direction == DirectionDownload && m.admittedDownloads() >= m.limits.MaxDownloads {
		return nil, fmt.Errorf("%w: %d active", ErrDownloadLimit, m.limits.MaxDownloads)
	}

	nowMS := m.time.Now().UnixMilli()
	m.transition(session, StateTransferring, nowMS)
	m.applyExistingChunks(session, existingChunks, nowMS)
	m.persist(session)

	return &Message{
		Type:           MsgTransferAccept,
		TransferID:     transferID,
		ExistingChunks: existingChunks,
	}, nil
}

// Reject declines an incoming request, cancelling the session, and
// returns the transfer_reject frame.
func (m *Manager) Reject(transferID, reason string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[transferID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTransferNotFound, transferID)
	}
	if session.State.IsTerminal() {
		return nil, fmt.Errorf("%w: reject in state %s", ErrInvalidTransition, session.State)
	}

	session.Error = reason
	m.transition(session, StateCancelled, m.time.Now().UnixMilli())
	m.cleanupTracking(transferID)
	m.persist(session)

	return &Message{Type: MsgTransferReject, TransferID: transferID, Reason: reason}, nil
}

// Pause suspends an active transfer. In-flight chunks are forgotten, not
// resent; resume re-requests whatever is still missing.
func (m *Manager) Pause(transferID string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[transferID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTransferNotFound, transferID)
	}
	if !session.State.IsActive() {
		return nil, fmt.Errorf("%w: pause in state %s", ErrInvalidTransition, session.State)
	}

	m.transition(session, StatePaused, m.time.Now().UnixMilli())
	delete(m.inFlight, transferID)
	m.persist(session)

	return &Message{Type: MsgPauseTransfer, TransferID: transferID}, nil
}

// Resume restarts a paused transfer. The flow-control window resets to
// the conservative default and re-probes; the returned frame carries the
// chunks this side already holds.
func (m *Manager) Resume(transferID string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[transferID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTransferNotFound, transferID)
	}
	if session.State != StatePaused {
		return nil, fmt.Errorf("%w: resume in state %s", ErrInvalidTransition, session.State)
	}

	m.transition(session, StateTransferring, m.time.Now().UnixMilli())
	m.flows[transferID] = NewFlowControl()
	m.inFlight[transferID] = make(map[int]time.Time)
	m.persist(session)

	return &Message{
		Type:           MsgResumeTransfer,
		TransferID:     transferID,
		ExistingChunks: session.CompletedChunks(),
	}, nil
}

// Cancel moves any non-terminal session to cancelled and returns the
// cancel_transfer frame. Cancelling an already-terminal session is
// rejected with ErrInvalidTransition.
func (m *Manager) Cancel(transferID, reason string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[transferID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTransferNotFound, transferID)
	}
	if session.State.IsTerminal() {
		return nil, fmt.Errorf("%w: cancel in state %s", ErrInvalidTransition, session.State)
	}

	session.Error = reason
	m.transition(session, StateCancelled, m.time.Now().UnixMilli())
	m.cleanupTracking(transferID)
	m.persist(session)

	return &Message{Type: MsgCancelTransfer, TransferID: transferID, Reason: reason}, nil
}

// ChunksToSend returns the next chunk indices eligible to send for a
// transferring session: not completed, not in flight, ascending, bounded
// by the flow-control window. Non-transferring sessions yield nothing.
func (m *Manager) ChunksToSend(transferID string) []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[transferID]
	if !ok || session.State != StateTransferring {
		return nil
	}
	flow, ok := m.flows[transferID]
	if !ok {
		return nil
	}
	inFlight := m.inFlight[transferID]

	available := flow.AvailableSlots(len(inFlight))
	if available == 0 {
		return nil
	}

	eligible := make([]int, 0, available)
	for _, idx := range session.PendingChunks() {
		if _, sending := inFlight[idx]; sending {
			continue
		}
		eligible = append(eligible, idx)
		if len(eligible) == available {
			break
		}
	}
	return eligible
}

// MarkChunkSent records a chunk send for RTT measurement and window
// accounting.
func (m *Manager) MarkChunkSent(transferID string, chunkIndex int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[transferID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTransferNotFound, transferID)
	}
	if session.State != StateTransferring {
		return fmt.Errorf("%w: mark sent in state %s", ErrInvalidTransition, session.State)
	}
	flight, ok := m.inFlight[transferID]
	if !ok {
		flight = make(map[int]time.Time)
		m.inFlight[transferID] = flight
	}
	flight[chunkIndex] = m.time.Now()
	return nil
}

// CheckTimeouts applies the two transfer deadlines: sessions stuck in
// requesting or negotiating past the negotiation timeout fail, and
// in-flight chunks past the ack deadline are declared lost, shrinking
// the window and making their indices eligible again.
func (m *Manager) CheckTimeouts() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.time.Now()
	for id, session := range m.sessions {
		switch session.State {
		case StateRequesting, StateNegotiating:
			updatedAt := time.UnixMilli(session.UpdatedAt)
			if now.Sub(updatedAt) > m.negotiationTimeout {
				m.failSession(session, "negotiation timed out")
			}

		case StateTransferring:
			flow := m.flows[id]
			if flow == nil {
				continue
			}
			deadline := flow.AckTimeout()
			for idx, sentAt := range m.inFlight[id] {
				if now.Sub(sentAt) > deadline {
					delete(m.inFlight[id], idx)
					flow.OnTimeout()
					logrus.WithFields(logrus.Fields{
						"function":    "CheckTimeouts",
						"transfer_id": id,
						"chunk_index": idx,
						"window":      flow.WindowSize(),
					}).Debug("Chunk ack timed out")
				}
			}
		}
	}
}

// ClearCompleted drops terminal sessions from memory and the store.
func (m *Manager) ClearCompleted() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, session := range m.sessions {
		if session.State.IsTerminal() {
			delete(m.sessions, id)
			m.cleanupTracking(id)
			if err := m.store.DeleteSession(id); err != nil {
				logrus.WithFields(logrus.Fields{
					"function":    "ClearCompleted",
					"transfer_id": id,
					"error":       err,
				}).Warn("Failed to delete persisted session")
			}
		}
	}
}

// OnMessage dispatches one inbound protocol frame and returns the reply
// frame to send back, if any. Frames for unknown or terminal sessions
// are silently ignored where the protocol requires it, notably chunk
// data for a cancelled transfer.
func (m *Manager) OnMessage(fromDID string, msg Message) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch msg.Type {
	case MsgTransferRequest:
		return m.handleRequest(fromDID, msg)
	case MsgTransferAccept:
		return m.handleAccept(msg)
	case MsgTransferReject:
		return m.handleReject(msg)
	case MsgChunkData:
		return m.handleChunkData(msg)
	case MsgChunkAck:
		return m.handleChunkAck(msg)
	case MsgPauseTransfer:
		return m.handlePause(msg)
	case MsgResumeTransfer:
		return m.handleResume(msg)
	case MsgCancelTransfer:
		return m.handleCancel(msg)
	case MsgTransferComplete:
		return m.handleComplete(msg)
	case MsgChunkAvailability:
		return m.handleAvailability(msg)
	default:
		logrus.WithFields(logrus.Fields{
			"function": "OnMessage",
			"type":     msg.Type,
		}).Debug("Ignoring unknown transfer message type")
		return nil, nil
	}
}

func (m *Manager) handleRequest(fromDID string, msg Message) (*Message, error) {
	if msg.Manifest == nil {
		return nil, fmt.Errorf("transfer_request %s missing manifest", msg.TransferID)
	}
	if err := msg.Manifest.Validate(); err != nil {
		return nil, fmt.Errorf("transfer_request %s: %w", msg.TransferID, err)
	}
	if _, exists := m.sessions[msg.TransferID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrTransferConflict, msg.TransferID)
	}

	nowMS := m.time.Now().UnixMilli()
	session := newSession(msg.TransferID, msg.FileID, msg.Manifest, DirectionDownload, fromDID, TransportRelay, nowMS)
	m.sessions[msg.TransferID] = session
	m.flows[msg.TransferID] = NewFlowControl()
	m.speeds[msg.TransferID] = NewSpeedTracker(defaultSpeedSamples)
	m.inFlight[msg.TransferID] = make(map[int]time.Time)
	m.persist(session)

	// The application decides whether to Accept or Reject.
	m.events = append(m.events, Event{
		Type:        EventIncomingRequest,
		TransferID:  msg.TransferID,
		FileID:      msg.FileID,
		Filename:    msg.Manifest.Filename,
		TotalSize:   msg.Manifest.TotalSize,
		TotalChunks: msg.Manifest.TotalChunks,
		FromDID:     fromDID,
	})
	return nil, nil
}

func (m *Manager) handleAccept(msg Message) (*Message, error) {
	session, ok := m.sessions[msg.TransferID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTransferNotFound, msg.TransferID)
	}
	if session.State.IsTerminal() {
		return nil, nil
	}

	nowMS := m.time.Now().UnixMilli()
	m.transition(session, StateTransferring, nowMS)
	m.applyExistingChunks(session, msg.ExistingChunks, nowMS)
	m.persist(session)
	return nil, nil
}

func (m *Manager) handleReject(msg Message) (*Message, error) {
	session, ok := m.sessions[msg.TransferID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTransferNotFound, msg.TransferID)
	}
	if session.State.IsTerminal() {
		return nil, nil
	}

	m.failSession(session, fmt.Sprintf("rejected by peer: %s", msg.Reason))
	return nil, nil
}

func (m *Manager) handleChunkData(msg Message) (*Message, error) {
	session, ok := m.sessions[msg.TransferID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTransferNotFound, msg.TransferID)
	}
	// Cancelled and paused sessions discard late chunk data without
	// erroring; the peer may not have processed our state change yet.
	if session.State != StateTransferring {
		return nil, nil
	}

	if !chunk.VerifyChunk(msg.Data, msg.Hash) {
		return &Message{
			Type:       MsgChunkAck,
			TransferID: msg.TransferID,
			ChunkIndex: msg.ChunkIndex,
			Success:    false,
			Error:      fmt.Sprintf("hash mismatch on chunk %d", msg.ChunkIndex),
		}, nil
	}

	nowMS := m.time.Now().UnixMilli()
	session.markChunkCompleted(msg.ChunkIndex, int64(len(msg.Data)), nowMS)
	m.recordSpeed(session, int64(len(msg.Data)), 0)
	m.emitProgress(session)

	if session.ChunksCompleted == session.Manifest.TotalChunks {
		m.completeSession(session)
	}
	m.persist(session)

	return &Message{
		Type:       MsgChunkAck,
		TransferID: msg.TransferID,
		ChunkIndex: msg.ChunkIndex,
		Success:    true,
	}, nil
}

func (m *Manager) handleChunkAck(msg Message) (*Message, error) {
	session, ok := m.sessions[msg.TransferID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTransferNotFound, msg.TransferID)
	}
	if session.State.IsTerminal() {
		return nil, nil
	}

	var rtt time.Duration
	var haveRTT bool
	if flight := m.inFlight[msg.TransferID]; flight != nil {
		if sentAt, sending := flight[msg.ChunkIndex]; sending {
			rtt = m.time.Since(sentAt)
			haveRTT = true
			delete(flight, msg.ChunkIndex)
		}
	}

	flow := m.flows[msg.TransferID]
	if !msg.Success {
		// Negative ack counts as congestion; the index is eligible to
		// resend now that it left the in-flight set.
		if flow != nil {
			flow.OnTimeout()
		}
		return nil, nil
	}

	if flow != nil && haveRTT {
		flow.OnAck(rtt)
	}

	nowMS := m.time.Now().UnixMilli()
	if msg.ChunkIndex < len(session.Manifest.Chunks) {
		size := session.Manifest.Chunks[msg.ChunkIndex].Size
		session.markChunkCompleted(msg.ChunkIndex, size, nowMS)
		if haveRTT {
			m.recordSpeed(session, size, rtt)
		}
	}
	m.emitProgress(session)

	if session.ChunksCompleted == session.Manifest.TotalChunks {
		m.completeSession(session)
		m.persist(session)
		return &Message{
			Type:       MsgTransferComplete,
			TransferID: msg.TransferID,
			FileHash:   session.Manifest.FileHash,
		}, nil
	}
	m.persist(session)
	return nil, nil
}

func (m *Manager) handlePause(msg Message) (*Message, error) {
	session, ok := m.sessions[msg.TransferID]
	if !ok || !session.State.IsActive() {
		return nil, nil
	}
	m.transition(session, StatePaused, m.time.Now().UnixMilli())
	delete(m.inFlight, msg.TransferID)
	m.persist(session)
	return nil, nil
}

func (m *Manager) handleResume(msg Message) (*Message, error) {
	session, ok := m.sessions[msg.TransferID]
	if !ok || session.State != StatePaused {
		return nil, nil
	}

	nowMS := m.time.Now().UnixMilli()
	m.transition(session, StateTransferring, nowMS)
	m.applyExistingChunks(session, msg.ExistingChunks, nowMS)
	m.flows[msg.TransferID] = NewFlowControl()
	m.inFlight[msg.TransferID] = make(map[int]time.Time)
	m.persist(session)
	return nil, nil
}

func (m *Manager) handleCancel(msg Message) (*Message, error) {
	session, ok := m.sessions[msg.TransferID]
	if !ok || session.State.IsTerminal() {
		return nil, nil
	}

	session.Error = msg.Reason
	m.transition(session, StateCancelled, m.time.Now().UnixMilli())
	m.cleanupTracking(msg.TransferID)
	m.persist(session)
	return nil, nil
}

func (m *Manager) handleComplete(msg Message) (*Message, error) {
	session, ok := m.sessions[msg.TransferID]
	if !ok || session.State.IsTerminal() {
		return nil, nil
	}

	if msg.FileHash != session.Manifest.FileHash {
		m.failSession(session, "final file hash mismatch")
		return nil, nil
	}
	m.completeSession(session)
	m.persist(session)
	return nil, nil
}

func (m *Manager) handleAvailability(msg Message) (*Message, error) {
	session, ok := m.sessions[msg.TransferID]
	if !ok || session.State.IsTerminal() {
		return nil, nil
	}
	m.applyExistingChunks(session, msg.AvailableChunks, m.time.Now().UnixMilli())
	m.persist(session)
	return nil, nil
}

// Internal helpers. All assume m.mu is held.

func (m *Manager) activeCount(direction Direction) int {
	n := 0
	for _, session := range m.sessions {
		if session.Direction == direction && session.State.IsActive() {
			n++
		}
	}
	return n
}

func (m *Manager) admittedDownloads() int {
	n := 0
	for _, session := range m.sessions {
		if session.Direction == DirectionDownload &&
			(session.State == StateNegotiating || session.State == StateTransferring) {
			n++
		}
	}
	return n
}

func (m *Manager) transition(session *Session, to State, nowMS int64) {
	from := session.State
	session.State = to
	session.UpdatedAt = nowMS
	m.events = append(m.events, Event{
		Type:       EventStateChanged,
		TransferID: session.TransferID,
		FromState:  from,
		ToState:    to,
	})
	logrus.WithFields(logrus.Fields{
		"function":    "transition",
		"transfer_id": session.TransferID,
		"from":        from,
		"to":          to,
	}).Debug("Transfer state changed")
}

func (m *Manager) applyExistingChunks(session *Session, indices []int, nowMS int64) {
	for _, idx := range indices {
		if idx >= 0 && idx < len(session.Manifest.Chunks) {
			session.markChunkCompleted(idx, session.Manifest.Chunks[idx].Size, nowMS)
		}
	}
}

func (m *Manager) completeSession(session *Session) {
	m.transition(session, StateCompleted, m.time.Now().UnixMilli())
	m.cleanupTracking(session.TransferID)
	m.events = append(m.events, Event{
		Type:       EventCompleted,
		TransferID: session.TransferID,
		FileID:     session.FileID,
		Filename:   session.Manifest.Filename,
		TotalSize:  session.Manifest.TotalSize,
	})
	logrus.WithFields(logrus.Fields{
		"function":    "completeSession",
		"transfer_id": session.TransferID,
		"file_id":     session.FileID,
		"bytes":       session.BytesTransferred,
	}).Info("Transfer completed")
}

func (m *Manager) failSession(session *Session, reason string) {
	session.Error = reason
	m.transition(session, StateFailed, m.time.Now().UnixMilli())
	m.cleanupTracking(session.TransferID)
	m.events = append(m.events, Event{
		Type:       EventFailed,
		TransferID: session.TransferID,
		FileID:     session.FileID,
		Error:      reason,
	})
	m.persist(session)
	logrus.WithFields(logrus.Fields{
		"function":    "failSession",
		"transfer_id": session.TransferID,
		"reason":      reason,
	}).Warn("Transfer failed")
}

func (m *Manager) cleanupTracking(transferID string) {
	delete(m.flows, transferID)
	delete(m.speeds, transferID)
	delete(m.inFlight, transferID)
}

func (m *Manager) recordSpeed(session *Session, chunkBytes int64, elapsed time.Duration) {
	tracker := m.speeds[session.TransferID]
	if tracker == nil {
		return
	}
	if elapsed <= 0 {
		// Receiver side has no RTT sample; assume a nominal interval so
		// the estimate still tracks relative throughput.
		elapsed = 100 * time.Millisecond
	}
	tracker.Record(chunkBytes, elapsed)
	session.SpeedBPS = tracker.SpeedBPS()
}

func (m *Manager) emitProgress(session *Session) {
	m.events = append(m.events, Event{
		Type:             EventProgress,
		TransferID:       session.TransferID,
		ChunksCompleted:  session.ChunksCompleted,
		TotalChunks:      session.Manifest.TotalChunks,
		BytesTransferred: session.BytesTransferred,
		TotalBytes:       session.Manifest.TotalSize,
		SpeedBPS:         session.SpeedBPS,
		Transport:        session.Transport,
	})
}

func (m *Manager) persist(session *Session) {
	raw, err := json.Marshal(session)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "persist",
			"transfer_id": session.TransferID,
			"error":       err,
		}).Error("Failed to marshal session")
		return
	}
	if err := m.store.PutSession(session.TransferID, raw); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "persist",
			"transfer_id": session.TransferID,
			"error":       err,
		}).Warn("Failed to persist session")
	}
}
