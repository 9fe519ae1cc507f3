// Package store provides the content-addressed object store client the
// membership subsystem is built on: immutable put/get, append-only
// versioned objects, access grants, and attestation certificates.
package store

import (
	"context"
	"errors"

	"github.com/relves/convosync/internal/storage"
	"github.com/relves/convosync/pkg/types"
)

// ErrNotFound is returned when a referenced object cannot be resolved.
var ErrNotFound = errors.New("object not found")

// Client is the object store boundary consumed by every component.
// Immutable objects are addressed by content hash; versioned objects
// have a stable id whose current value is the latest version in an
// append-only chain.
type Client interface {
	// Put stores an immutable object and returns its content address.
	Put(ctx context.Context, data []byte, typ types.ObjectType) (types.Ref, error)
	// Get resolves a content address. Returns ErrNotFound if the object
	// is not locally available.
	Get(ctx context.Context, ref types.Ref) ([]byte, error)

	// PutVersion stores a new version of the object identified by
	// objectID and moves its head. The version is content-addressed like
	// any immutable object; the chain link lives inside the record.
	PutVersion(ctx context.Context, objectID string, data []byte, typ types.ObjectType) (types.Ref, error)
	// GetLatest returns the current version of a versioned object and
	// the version's ref. Returns ErrNotFound for unknown ids.
	GetLatest(ctx context.Context, objectID string) ([]byte, types.Ref, error)
	// AdoptVersion stores a version received from a peer and moves the
	// head to it. Idempotent for already-adopted versions.
	AdoptVersion(ctx context.Context, objectID string, data []byte, typ types.ObjectType) (types.Ref, error)

	// CreateAccessGrant additively permits the principals to use the
	// given abilities on the object through replication.
	CreateAccessGrant(ctx context.Context, ref types.Ref, typ types.ObjectType, principals []string, abilities []string) error
	// HasGrant reports whether a principal holds a valid grant for the
	// ability on the object.
	HasGrant(ctx context.Context, ref types.Ref, principal string, ability string) (bool, error)

	// Certify signs and stores a certificate endorsing cert.Target. The
	// caller fills Kind, Target and any checkpoint fields; signer,
	// timestamp and signature are supplied by the store.
	Certify(ctx context.Context, cert types.Certificate) (types.Ref, *types.Certificate, error)
	// VerifyAttestation checks a stored certificate: trusted signer,
	// valid signature, kind-specific rules. Invalid certificates yield
	// (false, nil); errors are reserved for store failures.
	VerifyAttestation(ctx context.Context, certRef types.Ref) (bool, error)
	// AttestedBy returns the signer DIDs of every certificate indexed
	// for the target.
	AttestedBy(ctx context.Context, targetRef types.Ref) ([]string, error)
	// AttestationsFor returns the full indexed certificate records for a
	// target, for callers that need certificate refs.
	AttestationsFor(ctx context.Context, targetRef types.Ref) ([]storage.AttestationRecord, error)
	// ImportCertificate stores and indexes a certificate that arrived
	// from a peer. Trust is evaluated at verification time, not here.
	ImportCertificate(ctx context.Context, data []byte) (types.Ref, error)

	// SelfIdentity returns the local principal.
	SelfIdentity() types.Identity
	// KnownContacts returns the contact directory; together with self it
	// forms the trusted signer set.
	KnownContacts() []types.Identity
}

// GroupObjectID returns the versioned-object id for a group, keyed by
// its genesis version ref.
func GroupObjectID(genesis types.Ref) string {
	return "group/" + genesis.String()
}

// TopicObjectID returns the versioned-object id for a topic record.
func TopicObjectID(topicID string) string {
	return "topic/" + topicID
}
