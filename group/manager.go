package group

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relaycore/crypto"
	"github.com/opd-ai/relaycore/envelope"
	"github.com/opd-ai/relaycore/storage"
)

// ErrNoEpoch indicates the group has no key epoch yet; RotateKey creates
// the first one.
var ErrNoEpoch = errors.New("group has no key epoch")

// EpochStore is the persistence surface for key epochs.
type EpochStore interface {
	PutGroupEpoch(rec storage.GroupEpochRecord) (storage.StoreResult, error)
	GetGroupEpoch(groupID string, keyVersion int) (*storage.GroupEpochRecord, error)
	LatestGroupEpoch(groupID string) (*storage.GroupEpochRecord, error)
}

// Directive is one addressed envelope produced by a group operation, to
// be handed to the relay fan-out layer.
type Directive struct {
	Recipient    string
	EnvelopeJSON string
}

// Manager runs the group key protocol: epoch rotation, per-member key
// wrapping, and group message encryption.
type Manager struct {
	roster   *Roster
	store    EpochStore
	identity *crypto.KeyPair
	selfDID  string
	timeNow  func() int64
}

// NewManager creates a group manager. identity is this client's
// encryption key pair, used to wrap rotated keys for other members.
func NewManager(roster *Roster, store EpochStore, identity *crypto.KeyPair, selfDID string, timeNowMS func() int64) *Manager {
	return &Manager{
		roster:   roster,
		store:    store,
		identity: identity,
		selfDID:  selfDID,
		timeNow:  timeNowMS,
	}
}

// RotateKey generates a new key epoch for the group with the key version
// incremented past the latest stored epoch, persists it, and returns the
// wrapped-key rotation directives for every current member except this
// client.
func (m *Manager) RotateKey(groupID string) (*storage.GroupEpochRecord, []Directive, error) {
	members, err := m.roster.Members(groupID)
	if err != nil {
		return nil, nil, err
	}

	epoch, err := m.newEpoch(groupID)
	if err != nil {
		return nil, nil, err
	}

	directives, err := m.rotationDirectives(epoch, members)
	if err != nil {
		return nil, nil, err
	}
	return epoch, directives, nil
}

// RemoveMemberWithRotation removes a member and rotates the group key.
// It returns a group_key_rotation directive and a group_member_removed
// directive for every remaining member. The removed member receives
// neither, and their last epoch cannot decrypt messages tagged with the
// new key version.
//
// Each rotation directive is self-sufficient: a member who processes it
// before (or without) the removal notice can decrypt subsequent messages
// immediately.
func (m *Manager) RemoveMemberWithRotation(groupID, memberDID string) ([]Directive, error) {
	if _, err := m.roster.RemoveMember(groupID, memberDID); err != nil {
		return nil, err
	}

	remaining, err := m.roster.Members(groupID)
	if err != nil {
		return nil, err
	}

	epoch, err := m.newEpoch(groupID)
	if err != nil {
		return nil, err
	}

	directives, err := m.rotationDirectives(epoch, remaining)
	if err != nil {
		return nil, err
	}

	for _, member := range remaining {
		if member.DID == m.selfDID {
			continue
		}
		env, err := envelope.Encode(envelope.KindGroupMemberRemoved, 1, &envelope.GroupMemberRemovedPayload{
			GroupID:   groupID,
			MemberID:  memberDID,
			RemovedBy: m.selfDID,
		})
		if err != nil {
			return nil, fmt.Errorf("encode member removal for %s: %w", member.DID, err)
		}
		directives = append(directives, Directive{Recipient: member.DID, EnvelopeJSON: env})
	}

	logrus.WithFields(logrus.Fields{
		"function":    "RemoveMemberWithRotation",
		"group_id":    groupID,
		"removed":     memberDID,
		"key_version": epoch.KeyVersion,
		"recipients":  len(remaining),
	}).Info("Member removed, group key rotated")

	return directives, nil
}

// EncryptGroupMessage seals plaintext under the group's latest key epoch
// and returns the key version the ciphertext is tagged with.
func (m *Manager) EncryptGroupMessage(groupID string, plaintext []byte) (int, []byte, error) {
	epoch, err := m.store.LatestGroupEpoch(groupID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, nil, fmt.Errorf("%w: %s", ErrNoEpoch, groupID)
		}
		return 0, nil, fmt.Errorf("load latest epoch for %s: %w", groupID, err)
	}

	key, err := crypto.KeyFromBytes(epoch.Key)
	if err != nil {
		return 0, nil, fmt.Errorf("epoch %d key for %s: %w", epoch.KeyVersion, groupID, err)
	}
	ciphertext, err := crypto.SealSymmetric(plaintext, key)
	if err != nil {
		return 0, nil, err
	}
	return epoch.KeyVersion, ciphertext, nil
}

// DecryptGroupMessage opens ciphertext with the epoch selected by the
// message's key version tag, not necessarily the latest.
func (m *Manager) DecryptGroupMessage(groupID string, keyVersion int, ciphertext []byte) ([]byte, error) {
	epoch, err := m.store.GetGroupEpoch(groupID, keyVersion)
	if err != nil {
		return nil, fmt.Errorf("epoch %d for %s: %w", keyVersion, groupID, err)
	}
	key, err := crypto.KeyFromBytes(epoch.Key)
	if err != nil {
		return nil, fmt.Errorf("epoch %d key for %s: %w", keyVersion, groupID, err)
	}
	return crypto.OpenSymmetric(ciphertext, key)
}

// UnwrapRotation recovers a rotated group key from a rotation payload
// addressed to this client and persists the new epoch. senderPK is the
// rotating member's encryption public key.
func (m *Manager) UnwrapRotation(payload *envelope.GroupKeyRotationPayload, senderPK [crypto.KeySize]byte) error {
	wrapped, err := base64.StdEncoding.DecodeString(payload.WrappedKey)
	if err != nil {
		return fmt.Errorf("decode wrapped key: %w", err)
	}
	keyBytes, err := crypto.OpenBox(wrapped, senderPK, m.identity.Private)
	if err != nil {
		return fmt.Errorf("unwrap group key: %w", err)
	}

	_, err = m.store.PutGroupEpoch(storage.GroupEpochRecord{
		GroupID:    payload.GroupID,
		KeyVersion: payload.KeyVersion,
		Key:        keyBytes,
		CreatedAt:  m.timeNow(),
	})
	if err != nil {
		return fmt.Errorf("store epoch %d for %s: %w", payload.KeyVersion, payload.GroupID, err)
	}
	return nil
}

func (m *Manager) newEpoch(groupID string) (*storage.GroupEpochRecord, error) {
	version := 1
	latest, err := m.store.LatestGroupEpoch(groupID)
	switch {
	case err == nil:
		version = latest.KeyVersion + 1
	case errors.Is(err, storage.ErrNotFound):
		// First epoch for this group.
	default:
		return nil, fmt.Errorf("load latest epoch for %s: %w", groupID, err)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}

	epoch := storage.GroupEpochRecord{
		GroupID:    groupID,
		KeyVersion: version,
		Key:        key[:],
		CreatedAt:  m.timeNow(),
	}
	if _, err := m.store.PutGroupEpoch(epoch); err != nil {
		return nil, fmt.Errorf("store epoch %d for %s: %w", version, groupID, err)
	}
	return &epoch, nil
}

// rotationDirectives wraps the epoch key for every member except this
// client, each with their own pairwise box.
func (m *Manager) rotationDirectives(epoch *storage.GroupEpochRecord, members []Member) ([]Directive, error) {
	directives := make([]Directive, 0, len(members))
	for _, member := range members {
		if member.DID == m.selfDID {
			continue
		}
		wrapped, err := crypto.SealBox(epoch.Key, member.PublicKey, m.identity.Private)
		if err != nil {
			return nil, fmt.Errorf("wrap key for %s: %w", member.DID, err)
		}
		env, err := envelope.Encode(envelope.KindGroupKeyRotation, 1, &envelope.GroupKeyRotationPayload{
			GroupID:    epoch.GroupID,
			SenderID:   m.selfDID,
			KeyVersion: epoch.KeyVersion,
			WrappedKey: base64.StdEncoding.EncodeToString(wrapped),
		})
		if err != nil {
			return nil, fmt.Errorf("encode rotation for %s: %w", member.DID, err)
		}
		directives = append(directives, Directive{Recipient: member.DID, EnvelopeJSON: env})
	}
	return directives, nil
}
