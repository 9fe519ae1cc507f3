// pkg/types/identity.go
package types

import "crypto/ed25519"

// PublicKey represents an ed25519 public key.
type PublicKey []byte

// Identity is a principal known to this instance: a DID plus the
// verification key behind it. Participant identifiers throughout the
// system are the DID strings; the key is carried so that attestation
// signatures can be checked without a DID resolution round-trip.
type Identity struct {
	DID       string    `json:"did"`
	PublicKey PublicKey `json:"public_key,omitempty"`
}

// Verifier returns the identity's key as an ed25519 public key.
func (i Identity) Verifier() ed25519.PublicKey {
	return ed25519.PublicKey(i.PublicKey)
}

// Ref is the content address (CID string) of a stored object. For
// versioned objects the genesis version's CID doubles as the stable id.
type Ref string

// Defined reports whether the ref points at anything.
func (r Ref) Defined() bool {
	return r != ""
}

func (r Ref) String() string {
	return string(r)
}

// ObjectType tags a stored object for replication filtering.
type ObjectType string

const (
	ObjectMembershipSet ObjectType = "membership-set"
	ObjectGroup         ObjectType = "group"
	ObjectTopic         ObjectType = "topic"
	ObjectChannel       ObjectType = "channel"
	ObjectCertificate   ObjectType = "certificate"
	ObjectGrant         ObjectType = "grant"
	ObjectBlob          ObjectType = "blob"
)
