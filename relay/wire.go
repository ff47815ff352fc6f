package relay

import "encoding/json"

// Client message types, matching the relay's JSON wire protocol.
const (
	TypeSend          = "send"
	TypeFetchOffline  = "fetch_offline"
	TypeCreateSession = "create_session"
	TypeJoinSession   = "join_session"
	TypePublishInvite = "publish_invite"
	TypeRevokeInvite  = "revoke_invite"

	TypeCreateCallRoom = "create_call_room"
	TypeJoinCallRoom   = "join_call_room"
	TypeLeaveCallRoom  = "leave_call_room"
	TypeCallSignal     = "call_signal"
)

// Server message types.
const (
	TypeAck             = "ack"
	TypeMessage         = "message"
	TypeOfflineMessages = "offline_messages"
	TypeRegistered      = "registered"
	TypeError           = "error"
	TypePong            = "pong"
)

// ClientMessage is one outbound frame to the relay. Type selects the
// variant; the remaining fields are populated per variant and omitted
// otherwise.
type ClientMessage struct {
	Type string `json:"type"`

	// send
	ToDID   string `json:"to_did,omitempty"`
	Payload string `json:"payload,omitempty"`

	// join_session
	SessionID string `json:"session_id,omitempty"`

	// publish_invite / revoke_invite
	Code          string `json:"code,omitempty"`
	CommunityID   string `json:"community_id,omitempty"`
	CommunityName string `json:"community_name,omitempty"`
	InvitePayload string `json:"invite_payload,omitempty"`

	// call rooms
	RoomID string          `json:"room_id,omitempty"`
	Signal json.RawMessage `json:"signal,omitempty"`
}

// NewSend addresses an envelope string to a single recipient.
func NewSend(toDID, envelopeJSON string) ClientMessage {
	return ClientMessage{Type: TypeSend, ToDID: toDID, Payload: envelopeJSON}
}

// NewFetchOffline requests every message the relay queued for this client
// since the last fetch.
func NewFetchOffline() ClientMessage {
	return ClientMessage{Type: TypeFetchOffline}
}

// NewCreateSession asks the relay to open a pairing session.
func NewCreateSession() ClientMessage {
	return ClientMessage{Type: TypeCreateSession}
}

// NewJoinSession joins an existing pairing session by ID.
func NewJoinSession(sessionID string) ClientMessage {
	return ClientMessage{Type: TypeJoinSession, SessionID: sessionID}
}

// NewPublishInvite registers a community invite code with the relay's
// HTTP invite directory.
func NewPublishInvite(code, communityID, communityName, invitePayload string) ClientMessage {
	return ClientMessage{
		Type:          TypePublishInvite,
		Code:          code,
		CommunityID:   communityID,
		CommunityName: communityName,
		InvitePayload: invitePayload,
	}
}

// NewRevokeInvite withdraws a previously published invite code.
func NewRevokeInvite(code string) ClientMessage {
	return ClientMessage{Type: TypeRevokeInvite, Code: code}
}

// NewCreateCallRoom opens a group call room.
func NewCreateCallRoom(roomID string) ClientMessage {
	return ClientMessage{Type: TypeCreateCallRoom, RoomID: roomID}
}

// NewJoinCallRoom joins a group call room.
func NewJoinCallRoom(roomID string) ClientMessage {
	return ClientMessage{Type: TypeJoinCallRoom, RoomID: roomID}
}

// NewLeaveCallRoom leaves a group call room.
func NewLeaveCallRoom(roomID string) ClientMessage {
	return ClientMessage{Type: TypeLeaveCallRoom, RoomID: roomID}
}

// NewCallSignal forwards an opaque signaling blob to a call room peer.
func NewCallSignal(roomID, toDID string, signal json.RawMessage) ClientMessage {
	return ClientMessage{Type: TypeCallSignal, RoomID: roomID, ToDID: toDID, Signal: signal}
}

// ServerMessage is one inbound frame from the relay.
type ServerMessage struct {
	Type string `json:"type"`

	// ack: ID references the local message ID being acknowledged.
	// message: ID is the relay-assigned delivery ID used for dedup.
	ID string `json:"id,omitempty"`

	// message delivery
	From      string `json:"from,omitempty"`
	Payload   string `json:"payload,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`

	// offline_messages batch
	Messages []OfflineMessage `json:"messages,omitempty"`

	// registered
	DID string `json:"did,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// OfflineMessage is one entry of an offline batch. Each entry replays the
// same path as a live delivery.
type OfflineMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Payload   string `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}
