package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by StateStore lookups that match nothing.
var ErrNotFound = errors.New("not found")

// StateStore abstracts the local mutable state kept alongside the
// content-addressed object store: version heads, the created-group
// allow-set, channel and grant records, the attestation index, and
// channel log entries. Everything content-addressed lives in the object
// store itself; this is only the state that must survive restarts.
type StateStore interface {
	// Version heads - latest version ref per versioned object id
	GetHead(ctx context.Context, objectID string) (versionRef string, err error)
	SetHead(ctx context.Context, objectID, versionRef string) error

	// Created-group allow-set (groups this instance created)
	AddCreatedGroup(ctx context.Context, groupRef string) error
	GetCreatedGroups(ctx context.Context) ([]string, error)

	// Channel records
	AddChannel(ctx context.Context, rec ChannelRecord) error
	GetChannel(ctx context.Context, channelRef string) (*ChannelRecord, error)
	GetChannelsByTopic(ctx context.Context, topicID string) ([]ChannelRecord, error)

	// Grant archive (additive, never retracted here)
	AddGrant(ctx context.Context, rec GrantRecord) error
	GetGrants(ctx context.Context, objectRef string) ([]GrantRecord, error)

	// Attestation index
	AddAttestation(ctx context.Context, rec AttestationRecord) error
	GetAttestationsByTarget(ctx context.Context, targetRef string) ([]AttestationRecord, error)

	// Channel log entries
	AppendChannelEntry(ctx context.Context, entry ChannelEntry) error
	GetChannelEntries(ctx context.Context, channelRef string, offset, limit int64) ([]ChannelEntry, error)
	GetChannelLeafHashes(ctx context.Context, channelRef string) ([][]byte, error)
}

// ChannelRecord is the local view of a channel under a topic.
// An empty Owner marks the shared two-party channel.
type ChannelRecord struct {
	Ref       string
	TopicID   string
	Owner     string
	CreatedAt time.Time
}

// GrantRecord archives an issued access grant: which principal may use
// which ability on which object, plus the formatted delegation proving it.
type GrantRecord struct {
	ObjectRef string
	Audience  string
	Ability   string
	Archive   string
	GrantedAt time.Time
}

// AttestationRecord indexes a stored certificate by the object it endorses.
type AttestationRecord struct {
	CertRef  string
	Target   string
	Signer   string
	Kind     string
	IssuedAt time.Time
}

// ChannelEntry is one appended record in a channel log.
type ChannelEntry struct {
	ChannelRef string
	Index      uint64
	LeafHash   []byte
	Data       []byte
	AppendedAt time.Time
}
