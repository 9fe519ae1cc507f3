// Package grants derives the additive access grants required whenever
// conversation membership or channels change. Granting is storage-level
// permission only; whether an object actually replicates to a peer is
// the sync filter's decision.
package grants

import (
	"context"
	"log/slog"

	"github.com/relves/convosync/internal/storage"
	"github.com/relves/convosync/pkg/capabilities"
	"github.com/relves/convosync/pkg/store"
	"github.com/relves/convosync/pkg/types"
)

// Target names one object to grant access on.
type Target struct {
	Ref  types.Ref
	Type types.ObjectType
}

// Computer fans grants out to principals. All granting is additive;
// nothing here ever retracts a grant.
type Computer struct {
	store  store.Client
	state  storage.StateStore
	logger *slog.Logger
}

func NewComputer(client store.Client, state storage.StateStore, logger *slog.Logger) *Computer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Computer{store: client, state: state, logger: logger}
}

// GrantReadAccess issues read grants on every target to every
// principal. Failures are per-object and non-fatal: a grant that cannot
// be issued is logged and the remaining targets still get theirs.
func (c *Computer) GrantReadAccess(ctx context.Context, targets []Target, principals []string) {
	if len(targets) == 0 || len(principals) == 0 {
		return
	}
	for _, t := range targets {
		err := c.store.CreateAccessGrant(ctx, t.Ref, t.Type, principals, []string{capabilities.AbilityRead})
		if err != nil {
			c.logger.Warn("failed to grant read access", "object", t.Ref, "type", t.Type, "error", err)
			continue
		}
	}
}

// OnMembersAdded grants the newly added members everything they need to
// participate: the new group version, its membership set, every local
// channel under the topic, and the attestation certificates endorsing
// the set. Existing members are not re-granted.
func (c *Computer) OnMembersAdded(ctx context.Context, topicID string, groupRef, setRef types.Ref, added []string) {
	if len(added) == 0 {
		return
	}

	targets := []Target{
		{Ref: groupRef, Type: types.ObjectGroup},
		{Ref: setRef, Type: types.ObjectMembershipSet},
	}

	channels, err := c.state.GetChannelsByTopic(ctx, topicID)
	if err != nil {
		c.logger.Warn("failed to list channels for grant fan-out", "topic", topicID, "error", err)
	}
	for _, ch := range channels {
		targets = append(targets, Target{Ref: types.Ref(ch.Ref), Type: types.ObjectChannel})
	}

	certs, err := c.store.AttestationsFor(ctx, setRef)
	if err != nil {
		c.logger.Warn("failed to list attestations for grant fan-out", "target", setRef, "error", err)
	}
	for _, cert := range certs {
		targets = append(targets, Target{Ref: types.Ref(cert.CertRef), Type: types.ObjectCertificate})
	}

	c.GrantReadAccess(ctx, targets, added)
	c.logger.Info("granted access to new members", "topic", topicID, "group", groupRef, "objects", len(targets), "members", len(added))
}
