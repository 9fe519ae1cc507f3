// pkg/types/certificate.go
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// CertificateKind defines what a certificate endorses.
type CertificateKind string

const (
	// CertMembership endorses a MembershipSet: the signer vouches that
	// the set is the membership of the conversation it belongs to.
	CertMembership CertificateKind = "membership"
	// CertChannelHead endorses a channel log checkpoint (size + root).
	CertChannelHead CertificateKind = "channel-head"
)

// Certificate asserts that a principal endorses a target object at a
// point in time. Certificates are created locally by the endorsing
// principal and only ever verified, never authored, by receivers.
type Certificate struct {
	Kind      CertificateKind `json:"kind"`
	Target    Ref             `json:"target"`
	Signer    string          `json:"signer"`
	IssuedAt  time.Time       `json:"issued_at"`
	Signature []byte          `json:"signature"`

	// Checkpoint fields, set for channel-head certificates only.
	TreeSize uint64 `json:"tree_size,omitempty"`
	RootHash []byte `json:"root_hash,omitempty"`
}

// SigningPayload returns the canonical bytes covered by Signature.
// Everything except the signature itself is bound, so a certificate
// cannot be replayed against a different target or checkpoint.
func (c *Certificate) SigningPayload() []byte {
	return []byte(fmt.Sprintf("convosync-cert\n%s\n%s\n%s\n%d\n%d\n%x",
		c.Kind, c.Target, c.Signer, c.IssuedAt.Unix(), c.TreeSize, c.RootHash))
}

// Serialize converts the certificate to JSON bytes for storage.
func (c *Certificate) Serialize() ([]byte, error) {
	return json.Marshal(c)
}

// Deserialize populates the certificate from JSON bytes.
func (c *Certificate) Deserialize(data []byte) error {
	return json.Unmarshal(data, c)
}
