package envelope

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// ErrMalformedEnvelope indicates that an envelope or its payload does not
// match the declared (kind, version) schema. Dispatch loops drop and log
// such envelopes; they never crash on them.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// ErrUnsupportedEnvelope indicates a (kind, version) pair this client does
// not recognize. Callers treat it as a no-op, preserving forward
// compatibility with newer peers.
var ErrUnsupportedEnvelope = errors.New("unsupported envelope kind or version")

// Envelope is the versioned, typed container for a relay-delivered payload.
// The payload shape is fully determined by (Kind, Version).
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Version int             `json:"version"`
	Payload json.RawMessage `json:"payload"`
}

// payloadFactories maps each supported (kind, version) to a constructor
// for its payload type. Adding a schema version means adding a row here.
var payloadFactories = map[Kind]map[int]func() Payload{
	KindFriendRequest:      {1: func() Payload { return &FriendRequestPayload{} }},
	KindFriendResponse:     {1: func() Payload { return &FriendResponsePayload{} }},
	KindFriendAcceptAck:    {1: func() Payload { return &FriendAcceptAckPayload{} }},
	KindChatMessage:        {1: func() Payload { return &ChatMessagePayload{} }},
	KindGroupInvite:        {1: func() Payload { return &GroupInvitePayload{} }},
	KindGroupInviteAccept:  {1: func() Payload { return &GroupInviteReplyPayload{} }},
	KindGroupInviteDecline: {1: func() Payload { return &GroupInviteReplyPayload{} }},
	KindGroupMessage:       {1: func() Payload { return &GroupMessagePayload{} }},
	KindGroupKeyRotation:   {1: func() Payload { return &GroupKeyRotationPayload{} }},
	KindGroupMemberRemoved: {1: func() Payload { return &GroupMemberRemovedPayload{} }},
	KindMessageStatus:      {1: func() Payload { return &MessageStatusPayload{} }},
	KindTypingIndicator:    {1: func() Payload { return &TypingIndicatorPayload{} }},
	KindCallOffer:          {1: func() Payload { return &CallSignalPayload{} }},
	KindCallAnswer:         {1: func() Payload { return &CallSignalPayload{} }},
	KindCallCandidate:      {1: func() Payload { return &CallSignalPayload{} }},
	KindCallEnd:            {1: func() Payload { return &CallSignalPayload{} }},
	KindCommunityEvent:     {1: func() Payload { return &CommunityEventPayload{} }},
	KindDMFileEvent:        {1: func() Payload { return &DMFileEventPayload{} }},
	KindAccountMetadata:    {1: func() Payload { return &AccountMetadataPayload{} }},
	KindPresenceOnline:     {1: func() Payload { return &PresencePayload{} }},
	KindPresenceAck:        {1: func() Payload { return &PresencePayload{} }},
}

// Encode serializes a payload into an envelope string ready for relay
// transmission.
func Encode(kind Kind, version int, payload any) (string, error) {
	if kind == "" {
		return "", fmt.Errorf("%w: empty kind", ErrMalformedEnvelope)
	}
	if version < 1 {
		return "", fmt.Errorf("%w: version must be >= 1, got %d", ErrMalformedEnvelope, version)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", kind, err)
	}

	data, err := json.Marshal(Envelope{Kind: kind, Version: version, Payload: raw})
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(data), nil
}

// Decode parses the outer envelope structure. It does not interpret the
// payload; call DecodePayload for that. Returns ErrMalformedEnvelope when
// the outer structure is invalid.
func Decode(data string) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Kind == "" {
		return nil, fmt.Errorf("%w: missing kind", ErrMalformedEnvelope)
	}
	if env.Version < 1 {
		return nil, fmt.Errorf("%w: version must be >= 1, got %d", ErrMalformedEnvelope, env.Version)
	}
	return &env, nil
}

// Supported reports whether this client recognizes the (kind, version)
// pair of the envelope.
func (e *Envelope) Supported() bool {
	versions, ok := payloadFactories[e.Kind]
	if !ok {
		return false
	}
	_, ok = versions[e.Version]
	return ok
}

// DecodePayload validates and decodes the payload against the declared
// (kind, version) schema.
//
// Returns ErrUnsupportedEnvelope for unrecognized pairs (the caller should
// ignore the envelope) and ErrMalformedEnvelope when the payload does not
// match the expected shape (the caller should drop and log it).
func (e *Envelope) DecodePayload() (Payload, error) {
	versions, ok := payloadFactories[e.Kind]
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "DecodePayload",
			"kind":     e.Kind,
			"version":  e.Version,
		}).Debug("Ignoring envelope with unknown kind")
		return nil, ErrUnsupportedEnvelope
	}

	factory, ok := versions[e.Version]
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "DecodePayload",
			"kind":     e.Kind,
			"version":  e.Version,
		}).Debug("Ignoring envelope with unknown version")
		return nil, ErrUnsupportedEnvelope
	}

	payload := factory()
	if err := json.Unmarshal(e.Payload, payload); err != nil {
		return nil, fmt.Errorf("%w: %s v%d payload: %v", ErrMalformedEnvelope, e.Kind, e.Version, err)
	}
	if err := payload.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s v%d: %v", ErrMalformedEnvelope, e.Kind, e.Version, err)
	}
	return payload, nil
}
