// pkg/types/conversation.go
package types

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// P2PSeparator joins the two sorted participant DIDs of a two-party
// topic identifier. DIDs never contain '|'.
const P2PSeparator = "|"

// P2PTopicID computes the deterministic identifier for a two-party
// conversation. The result is independent of argument order.
func P2PTopicID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + P2PSeparator + b
}

// IsP2PTopicID reports whether an identifier matches the two-party
// naming pattern.
func IsP2PTopicID(id string) bool {
	return strings.Contains(id, P2PSeparator)
}

// MembershipSet is the immutable participant set of a conversation.
// Members are sorted, deduplicated DIDs. A membership change always
// produces a new set; sets are never mutated in place.
type MembershipSet struct {
	Members []string `json:"members"`
}

// NewMembershipSet builds a set from the given DIDs, sorting and
// dropping duplicates so equal member sets encode to equal bytes.
func NewMembershipSet(members []string) MembershipSet {
	seen := make(map[string]struct{}, len(members))
	out := make([]string, 0, len(members))
	for _, m := range members {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	sort.Strings(out)
	return MembershipSet{Members: out}
}

// Contains reports whether the DID is a member.
func (s MembershipSet) Contains(did string) bool {
	for _, m := range s.Members {
		if m == did {
			return true
		}
	}
	return false
}

// Equal reports whether two sets hold the same members.
func (s MembershipSet) Equal(o MembershipSet) bool {
	if len(s.Members) != len(o.Members) {
		return false
	}
	for i := range s.Members {
		if s.Members[i] != o.Members[i] {
			return false
		}
	}
	return true
}

// Serialize converts the set to JSON bytes for storage.
func (s *MembershipSet) Serialize() ([]byte, error) {
	return json.Marshal(s)
}

// Deserialize populates the set from JSON bytes.
func (s *MembershipSet) Deserialize(data []byte) error {
	return json.Unmarshal(data, s)
}

// Group pairs a display name with the current MembershipSet of a
// conversation. Groups are versioned: the genesis version's CID is the
// stable group id and every later version links Prev to its
// predecessor, forming a strictly ordered append-only chain per topic.
type Group struct {
	Name          string    `json:"name"`
	TopicID       string    `json:"topic_id"`
	MembershipSet Ref       `json:"membership_set"`
	Prev          Ref       `json:"prev,omitempty"`
	Genesis       Ref       `json:"genesis,omitempty"`
	CreatedBy     string    `json:"created_by"`
	CreatedAt     time.Time `json:"created_at"`
}

// ID returns the stable group id: the genesis version's ref. The
// genesis record cannot embed its own content address, so it leaves
// Genesis empty and callers pass the ref it resolved from.
func (g *Group) ID(self Ref) Ref {
	if g.Genesis.Defined() {
		return g.Genesis
	}
	return self
}

// Serialize converts the group version to JSON bytes for storage.
func (g *Group) Serialize() ([]byte, error) {
	return json.Marshal(g)
}

// Deserialize populates the group version from JSON bytes.
func (g *Group) Deserialize(data []byte) error {
	return json.Unmarshal(data, g)
}

// Topic is the stable identity of a conversation. It references the
// channels written under it and, for multi-party conversations, the
// group carrying the evolvable membership.
type Topic struct {
	ID          string    `json:"id"`
	Channels    []Ref     `json:"channels,omitempty"`
	Group       Ref       `json:"group,omitempty"`
	Certificate Ref       `json:"certificate,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Serialize converts the topic to JSON bytes for storage.
func (t *Topic) Serialize() ([]byte, error) {
	return json.Marshal(t)
}

// Deserialize populates the topic from JSON bytes.
func (t *Topic) Deserialize(data []byte) error {
	return json.Unmarshal(data, t)
}

// Channel is the configuration record of a single-writer append-only
// message log under a topic. Owner is the only DID allowed to append;
// an empty Owner marks the shared two-party channel both parties write
// to by convention.
type Channel struct {
	TopicID   string    `json:"topic_id"`
	Owner     string    `json:"owner,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Shared reports whether the channel is the ownerless two-party log.
func (c Channel) Shared() bool {
	return c.Owner == ""
}

// Serialize converts the channel record to JSON bytes for storage.
func (c *Channel) Serialize() ([]byte, error) {
	return json.Marshal(c)
}

// Deserialize populates the channel record from JSON bytes.
func (c *Channel) Deserialize(data []byte) error {
	return json.Unmarshal(data, c)
}
