package envelope

import (
	"encoding/json"
	"fmt"
)

// Payload is implemented by every typed envelope payload. validate reports
// schema violations after JSON decoding.
type Payload interface {
	validate() error
}

// FriendRequestPayload asks a peer to establish a friendship.
type FriendRequestPayload struct {
	SenderID      string `json:"sender_id"`
	DisplayName   string `json:"display_name"`
	SigningKey    string `json:"signing_key"`
	EncryptionKey string `json:"encryption_key"`
	Message       string `json:"message,omitempty"`
}

func (p *FriendRequestPayload) validate() error {
	return requireFields(map[string]string{
		"sender_id":      p.SenderID,
		"signing_key":    p.SigningKey,
		"encryption_key": p.EncryptionKey,
	})
}

// FriendResponsePayload answers a friend request.
type FriendResponsePayload struct {
	SenderID      string `json:"sender_id"`
	Accepted      bool   `json:"accepted"`
	DisplayName   string `json:"display_name,omitempty"`
	SigningKey    string `json:"signing_key,omitempty"`
	EncryptionKey string `json:"encryption_key,omitempty"`
}

func (p *FriendResponsePayload) validate() error {
	return requireFields(map[string]string{"sender_id": p.SenderID})
}

// FriendAcceptAckPayload confirms a friend response was processed, closing
// the three-way handshake.
type FriendAcceptAckPayload struct {
	SenderID string `json:"sender_id"`
}

func (p *FriendAcceptAckPayload) validate() error {
	return requireFields(map[string]string{"sender_id": p.SenderID})
}

// ChatMessagePayload is an end-to-end encrypted 1:1 message. The relay and
// this codec only see ciphertext.
type ChatMessagePayload struct {
	MessageID      string `json:"message_id"`
	SenderID       string `json:"sender_id"`
	RecipientID    string `json:"recipient_id"`
	ConversationID string `json:"conversation_id"`
	Timestamp      int64  `json:"timestamp"`
	Nonce          string `json:"nonce"`
	Ciphertext     string `json:"ciphertext"`
	Signature      string `json:"signature"`
}

func (p *ChatMessagePayload) validate() error {
	return requireFields(map[string]string{
		"message_id":      p.MessageID,
		"sender_id":       p.SenderID,
		"recipient_id":    p.RecipientID,
		"conversation_id": p.ConversationID,
		"ciphertext":      p.Ciphertext,
	})
}

// GroupInvitePayload invites a peer into a group, carrying the current
// group key wrapped for the invitee.
type GroupInvitePayload struct {
	GroupID    string `json:"group_id"`
	GroupName  string `json:"group_name"`
	SenderID   string `json:"sender_id"`
	KeyVersion int    `json:"key_version"`
	WrappedKey string `json:"wrapped_key"`
}

func (p *GroupInvitePayload) validate() error {
	if err := requireFields(map[string]string{
		"group_id":    p.GroupID,
		"sender_id":   p.SenderID,
		"wrapped_key": p.WrappedKey,
	}); err != nil {
		return err
	}
	if p.KeyVersion < 1 {
		return fmt.Errorf("key_version must be >= 1, got %d", p.KeyVersion)
	}
	return nil
}

// GroupInviteReplyPayload accepts or declines a group invite.
type GroupInviteReplyPayload struct {
	GroupID  string `json:"group_id"`
	SenderID string `json:"sender_id"`
}

func (p *GroupInviteReplyPayload) validate() error {
	return requireFields(map[string]string{
		"group_id":  p.GroupID,
		"sender_id": p.SenderID,
	})
}

// GroupMessagePayload is a group message encrypted under a key epoch. The
// key version tag lets receivers select the correct epoch for decryption.
type GroupMessagePayload struct {
	GroupID    string `json:"group_id"`
	MessageID  string `json:"message_id"`
	SenderID   string `json:"sender_id"`
	KeyVersion int    `json:"key_version"`
	Ciphertext string `json:"ciphertext"`
	Timestamp  int64  `json:"timestamp"`
}

func (p *GroupMessagePayload) validate() error {
	if err := requireFields(map[string]string{
		"group_id":   p.GroupID,
		"message_id": p.MessageID,
		"sender_id":  p.SenderID,
		"ciphertext": p.Ciphertext,
	}); err != nil {
		return err
	}
	if p.KeyVersion < 1 {
		return fmt.Errorf("key_version must be >= 1, got %d", p.KeyVersion)
	}
	return nil
}

// GroupKeyRotationPayload delivers a rotated group key, wrapped for one
// specific recipient. It is self-sufficient: a receiver can decrypt
// messages under the new epoch from this payload alone.
type GroupKeyRotationPayload struct {
	GroupID    string `json:"group_id"`
	SenderID   string `json:"sender_id"`
	KeyVersion int    `json:"key_version"`
	WrappedKey string `json:"wrapped_key"`
}

func (p *GroupKeyRotationPayload) validate() error {
	if err := requireFields(map[string]string{
		"group_id":    p.GroupID,
		"sender_id":   p.SenderID,
		"wrapped_key": p.WrappedKey,
	}); err != nil {
		return err
	}
	if p.KeyVersion < 1 {
		return fmt.Errorf("key_version must be >= 1, got %d", p.KeyVersion)
	}
	return nil
}

// GroupMemberRemovedPayload notifies remaining members of a removal.
type GroupMemberRemovedPayload struct {
	GroupID   string `json:"group_id"`
	MemberID  string `json:"member_id"`
	RemovedBy string `json:"removed_by"`
	Timestamp int64  `json:"timestamp"`
}

func (p *GroupMemberRemovedPayload) validate() error {
	return requireFields(map[string]string{
		"group_id":  p.GroupID,
		"member_id": p.MemberID,
	})
}

// MessageStatusPayload reports a delivery-status change for a message.
type MessageStatusPayload struct {
	MessageID string `json:"message_id"`
	SenderID  string `json:"sender_id"`
	Status    string `json:"status"`
}

func (p *MessageStatusPayload) validate() error {
	if err := requireFields(map[string]string{
		"message_id": p.MessageID,
		"status":     p.Status,
	}); err != nil {
		return err
	}
	switch p.Status {
	case "delivered", "read":
		return nil
	}
	return fmt.Errorf("unknown status %q", p.Status)
}

// TypingIndicatorPayload signals the sender is typing in a conversation.
type TypingIndicatorPayload struct {
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
}

func (p *TypingIndicatorPayload) validate() error {
	return requireFields(map[string]string{
		"conversation_id": p.ConversationID,
		"sender_id":       p.SenderID,
	})
}

// CallSignalPayload carries call setup and teardown signaling. The same
// shape serves offer, answer, candidate, and end kinds; which fields are
// required depends on the kind and is checked at dispatch.
type CallSignalPayload struct {
	CallID    string `json:"call_id"`
	SenderID  string `json:"sender_id"`
	SDP       string `json:"sdp,omitempty"`
	Candidate string `json:"candidate,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func (p *CallSignalPayload) validate() error {
	return requireFields(map[string]string{
		"call_id":   p.CallID,
		"sender_id": p.SenderID,
	})
}

// CommunityEventPayload fans a community state change out to members. The
// event body is opaque to the codec; the community ID is canonicalized
// before broadcast (see ResolveCanonicalCommunityID).
type CommunityEventPayload struct {
	CommunityID string          `json:"community_id"`
	EventType   string          `json:"event_type"`
	SenderID    string          `json:"sender_id"`
	Timestamp   int64           `json:"timestamp"`
	Event       json.RawMessage `json:"event"`
}

func (p *CommunityEventPayload) validate() error {
	return requireFields(map[string]string{
		"community_id": p.CommunityID,
		"event_type":   p.EventType,
		"sender_id":    p.SenderID,
	})
}

// DMFileEventPayload carries a file-transfer protocol message between two
// peers. The transfer message is opaque here; the transfer package owns
// its schema.
type DMFileEventPayload struct {
	SenderID string          `json:"sender_id"`
	Message  json.RawMessage `json:"message"`
}

func (p *DMFileEventPayload) validate() error {
	if err := requireFields(map[string]string{"sender_id": p.SenderID}); err != nil {
		return err
	}
	if len(p.Message) == 0 {
		return fmt.Errorf("missing required field %q", "message")
	}
	return nil
}

// AccountMetadataPayload shares profile updates with friends.
type AccountMetadataPayload struct {
	SenderID    string `json:"sender_id"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarHash  string `json:"avatar_hash,omitempty"`
	StatusText  string `json:"status_text,omitempty"`
}

func (p *AccountMetadataPayload) validate() error {
	return requireFields(map[string]string{"sender_id": p.SenderID})
}

// PresencePayload announces the sender is online, or acknowledges such an
// announcement.
type PresencePayload struct {
	SenderID  string `json:"sender_id"`
	Timestamp int64  `json:"timestamp"`
}

func (p *PresencePayload) validate() error {
	return requireFields(map[string]string{"sender_id": p.SenderID})
}

func requireFields(fields map[string]string) error {
	for name, value := range fields {
		if value == "" {
			return fmt.Errorf("missing required field %q", name)
		}
	}
	return nil
}
