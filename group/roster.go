package group

import (
	"errors"
	"sort"
	"sync"

	"github.com/opd-ai/relaycore/crypto"
)

var (
	// ErrGroupNotFound indicates an unknown group ID.
	ErrGroupNotFound = errors.New("group not found")
	// ErrMemberNotFound indicates the DID is not in the group's roster.
	ErrMemberNotFound = errors.New("member not in group")
	// ErrMemberExists indicates the DID is already in the roster.
	ErrMemberExists = errors.New("member already in group")
)

// Member is one group participant. The public key is the member's
// encryption key, used to wrap rotated group keys for them.
type Member struct {
	DID       string
	PublicKey [crypto.KeySize]byte
}

// Roster tracks group membership. Safe for concurrent use.
type Roster struct {
	mu     sync.RWMutex
	groups map[string]map[string]Member
}

// NewRoster creates an empty roster.
func NewRoster() *Roster {
	return &Roster{groups: make(map[string]map[string]Member)}
}

// CreateGroup registers a group with its initial members.
func (r *Roster) CreateGroup(groupID string, members []Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	roster := make(map[string]Member, len(members))
	for _, m := range members {
		roster[m.DID] = m
	}
	r.groups[groupID] = roster
}

// AddMember adds a member to an existing group.
func (r *Roster) AddMember(groupID string, member Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	roster, ok := r.groups[groupID]
	if !ok {
		return ErrGroupNotFound
	}
	if _, exists := roster[member.DID]; exists {
		return ErrMemberExists
	}
	roster[member.DID] = member
	return nil
}

// RemoveMember removes a member from the group's roster. Key rotation is
// the manager's job; use Manager.RemoveMemberWithRotation for the full
// protocol.
func (r *Roster) RemoveMember(groupID, did string) (Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	roster, ok := r.groups[groupID]
	if !ok {
		return Member{}, ErrGroupNotFound
	}
	member, exists := roster[did]
	if !exists {
		return Member{}, ErrMemberNotFound
	}
	delete(roster, did)
	return member, nil
}

// Members returns the group's members sorted by DID, so derived
// recipient sets are deterministic.
func (r *Roster) Members(groupID string) ([]Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roster, ok := r.groups[groupID]
	if !ok {
		return nil, ErrGroupNotFound
	}
	members := make([]Member, 0, len(roster))
	for _, m := range roster {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].DID < members[j].DID })
	return members, nil
}

// IsMember reports whether did is in the group.
func (r *Roster) IsMember(groupID, did string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.groups[groupID][did]
	return ok
}
