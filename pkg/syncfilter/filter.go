// Package syncfilter decides, per object and per direction, whether an
// object participates in replication with a peer. Outbound filtering
// stops re-export of groups this instance merely received; inbound
// filtering blocks permission injection and unattested membership.
package syncfilter

import (
	"context"
	"log/slog"

	"github.com/relves/convosync/pkg/store"
	"github.com/relves/convosync/pkg/types"
)

// Filter is consulted by the replication layer for every candidate
// object. Both predicates resolve every failure mode to deny; neither
// ever returns an error, so one bad object cannot halt the pipeline.
type Filter struct {
	store   store.Client
	created *CreatedSet
	logger  *slog.Logger
}

func NewFilter(client store.Client, created *CreatedSet, logger *slog.Logger) *Filter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Filter{store: client, created: created, logger: logger}
}

// AllowOutbound reports whether an object may be sent to a peer. Groups
// are allowed only from the created allow-set: a group this instance
// received from a peer is never re-exported as if it were its own.
func (f *Filter) AllowOutbound(ref types.Ref, objectType types.ObjectType) bool {
	if objectType != types.ObjectGroup {
		return true
	}
	if f.created.Contains(ref) {
		return true
	}
	f.logger.Debug("outbound denied for foreign group", "ref", ref)
	return false
}

// AllowInbound reports whether an object arriving from a peer may be
// accepted. Grant records are always rejected; a group is accepted only
// if its membership set carries at least one attestation certificate
// whose signer is trusted and whose signature verifies. payload is the
// object's bytes when the replication layer already has them; nil makes
// the filter resolve ref itself.
func (f *Filter) AllowInbound(ctx context.Context, ref types.Ref, objectType types.ObjectType, payload []byte) bool {
	switch objectType {
	case types.ObjectGrant:
		// Peers must never inject or alter permissions.
		f.logger.Warn("inbound grant object rejected", "ref", ref)
		return false
	case types.ObjectGroup:
		return f.allowInboundGroup(ctx, ref, payload)
	default:
		return true
	}
}

func (f *Filter) allowInboundGroup(ctx context.Context, ref types.Ref, payload []byte) bool {
	if payload == nil {
		data, err := f.store.Get(ctx, ref)
		if err != nil {
			f.logger.Warn("inbound group denied: unresolvable", "ref", ref, "error", err)
			return false
		}
		payload = data
	}

	var group types.Group
	if err := group.Deserialize(payload); err != nil {
		f.logger.Warn("inbound group denied: malformed", "ref", ref, "error", err)
		return false
	}
	if !group.MembershipSet.Defined() {
		f.logger.Warn("inbound group denied: no membership set", "ref", ref)
		return false
	}

	certs, err := f.store.AttestationsFor(ctx, group.MembershipSet)
	if err != nil {
		f.logger.Warn("inbound group denied: attestation lookup failed", "ref", ref, "error", err)
		return false
	}
	if len(certs) == 0 {
		f.logger.Warn("inbound group denied: no attestation", "ref", ref, "set", group.MembershipSet)
		return false
	}

	// A certificate record alone is insufficient: the signer must be
	// trusted and the signature must verify.
	for _, cert := range certs {
		ok, err := f.store.VerifyAttestation(ctx, types.Ref(cert.CertRef))
		if err != nil {
			f.logger.Warn("attestation verification failed", "cert", cert.CertRef, "error", err)
			continue
		}
		if ok {
			return true
		}
	}

	f.logger.Warn("inbound group denied: no valid attestation", "ref", ref, "set", group.MembershipSet, "certs", len(certs))
	return false
}
