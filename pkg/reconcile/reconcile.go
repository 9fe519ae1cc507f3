// Package reconcile makes local state consistent with objects that
// arrived through replication and were not created by this instance:
// adopting peer group versions, provisioning the local channel a newly
// joined conversation needs, and indexing peer certificates.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/relves/convosync/internal/storage"
	"github.com/relves/convosync/pkg/grants"
	"github.com/relves/convosync/pkg/membership"
	"github.com/relves/convosync/pkg/store"
	"github.com/relves/convosync/pkg/syncfilter"
	"github.com/relves/convosync/pkg/types"
)

// RetryableError marks a failure caused by out-of-order delivery: a
// referenced sub-object is not locally available yet. The replication
// layer re-delivers the event later instead of dropping it.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable: %v", e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether an error should be re-delivered.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// ArrivalEvent is one inbound versioned-object delivery from the
// replication layer. Payload carries the object bytes when the layer
// already has them; nil makes the reconciler resolve Ref itself.
type ArrivalEvent struct {
	Ref     types.Ref
	Type    types.ObjectType
	Payload []byte
}

// Reconciler handles objects this instance received rather than
// created. It runs as a side effect of replication arrival: failures
// are logged and skipped, except retryable ones, which are reported
// back for re-delivery.
type Reconciler struct {
	store   store.Client
	members *membership.Manager
	grants  *grants.Computer
	state   storage.StateStore
	created *syncfilter.CreatedSet
	logger  *slog.Logger
}

func NewReconciler(client store.Client, members *membership.Manager, computer *grants.Computer, state storage.StateStore, created *syncfilter.CreatedSet, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:   client,
		members: members,
		grants:  computer,
		state:   state,
		created: created,
		logger:  logger,
	}
}

// HandleGroupArrival processes a group version received from a peer:
// skip self-echo, skip groups the local principal is not a member of,
// adopt the version as the topic's latest, and provision the local
// channel on first contact with the conversation. Idempotent under
// duplicate delivery.
func (r *Reconciler) HandleGroupArrival(ctx context.Context, event ArrivalEvent) error {
	if r.created.Contains(event.Ref) {
		return nil
	}

	group, err := r.resolveGroup(ctx, event)
	if err != nil {
		return err
	}
	topicID := group.TopicID
	if topicID == "" {
		r.logger.Warn("arrived group names no topic, skipping", "ref", event.Ref)
		return nil
	}
	if head, ok := r.members.CachedHead(topicID); ok && head == event.Ref {
		return nil
	}

	set, err := r.resolveSet(ctx, group)
	if err != nil {
		return err
	}
	self := r.store.SelfIdentity().DID
	if !set.Contains(self) {
		r.logger.Debug("not a member of arrived group, skipping", "ref", event.Ref, "topic", topicID)
		return nil
	}

	r.members.CacheTopicHead(topicID, event.Ref)
	groupData := event.Payload
	if groupData == nil {
		if groupData, err = r.store.Get(ctx, event.Ref); err != nil {
			return &RetryableError{Err: err}
		}
	}
	if _, err := r.store.AdoptVersion(ctx, store.GroupObjectID(group.ID(event.Ref)), groupData, types.ObjectGroup); err != nil {
		return fmt.Errorf("failed to adopt group version %s: %w", event.Ref, err)
	}

	if err := r.ensureLocalChannel(ctx, topicID, event.Ref, set); err != nil {
		return err
	}

	r.logger.Info("group version adopted", "topic", topicID, "group", event.Ref, "members", len(set.Members))
	return nil
}

// HandleCertificateArrival stores and indexes a certificate received
// from a peer. Trust is evaluated when the certificate is used, not on
// import.
func (r *Reconciler) HandleCertificateArrival(ctx context.Context, event ArrivalEvent) error {
	data := event.Payload
	if data == nil {
		var err error
		if data, err = r.store.Get(ctx, event.Ref); err != nil {
			return &RetryableError{Err: err}
		}
	}
	if _, err := r.store.ImportCertificate(ctx, data); err != nil {
		return fmt.Errorf("failed to import certificate %s: %w", event.Ref, err)
	}
	return nil
}

// ensureLocalChannel provisions this instance's write channel the first
// time a conversation reaches it, grants the membership read access to
// the channel, and makes sure a minimal topic record exists.
func (r *Reconciler) ensureLocalChannel(ctx context.Context, topicID string, groupRef types.Ref, set types.MembershipSet) error {
	self := r.store.SelfIdentity().DID

	channels, err := r.state.GetChannelsByTopic(ctx, topicID)
	if err != nil {
		return fmt.Errorf("failed to list channels for %s: %w", topicID, err)
	}
	var chRef types.Ref
	for _, ch := range channels {
		if ch.Owner == self {
			chRef = types.Ref(ch.Ref)
			break
		}
	}

	if !chRef.Defined() {
		channel := types.Channel{
			TopicID:   topicID,
			Owner:     self,
			CreatedAt: time.Now().UTC(),
		}
		data, err := channel.Serialize()
		if err != nil {
			return fmt.Errorf("failed to serialize channel: %w", err)
		}
		if chRef, err = r.store.Put(ctx, data, types.ObjectChannel); err != nil {
			return fmt.Errorf("failed to store channel: %w", err)
		}
		if err := r.state.AddChannel(ctx, storage.ChannelRecord{
			Ref:       chRef.String(),
			TopicID:   topicID,
			Owner:     self,
			CreatedAt: channel.CreatedAt,
		}); err != nil {
			return fmt.Errorf("failed to record channel: %w", err)
		}
		r.grants.GrantReadAccess(ctx, []grants.Target{{Ref: chRef, Type: types.ObjectChannel}}, set.Members)
		r.logger.Info("local channel provisioned", "topic", topicID, "channel", chRef)
	}

	return r.ensureTopicRecord(ctx, topicID, groupRef, chRef)
}

// ensureTopicRecord creates a minimal topic record when none exists yet
// and keeps an existing one pointed at the adopted group version.
func (r *Reconciler) ensureTopicRecord(ctx context.Context, topicID string, groupRef, chRef types.Ref) error {
	data, _, err := r.store.GetLatest(ctx, store.TopicObjectID(topicID))
	topic := types.Topic{ID: topicID, CreatedAt: time.Now().UTC()}
	switch {
	case err == nil:
		if err := topic.Deserialize(data); err != nil {
			return fmt.Errorf("failed to parse topic %s: %w", topicID, err)
		}
		if topic.Group == groupRef && containsRef(topic.Channels, chRef) {
			return nil
		}
	case !errors.Is(err, store.ErrNotFound):
		return err
	}

	topic.Group = groupRef
	if chRef.Defined() && !containsRef(topic.Channels, chRef) {
		topic.Channels = append(topic.Channels, chRef)
	}
	out, err := topic.Serialize()
	if err != nil {
		return fmt.Errorf("failed to serialize topic: %w", err)
	}
	if _, err := r.store.PutVersion(ctx, store.TopicObjectID(topicID), out, types.ObjectTopic); err != nil {
		return fmt.Errorf("failed to store topic %s: %w", topicID, err)
	}
	return nil
}

func (r *Reconciler) resolveGroup(ctx context.Context, event ArrivalEvent) (*types.Group, error) {
	data := event.Payload
	if data == nil {
		var err error
		if data, err = r.store.Get(ctx, event.Ref); err != nil {
			return nil, &RetryableError{Err: fmt.Errorf("group %s not resolvable: %w", event.Ref, err)}
		}
	}
	var group types.Group
	if err := group.Deserialize(data); err != nil {
		return nil, fmt.Errorf("failed to parse arrived group %s: %w", event.Ref, err)
	}
	return &group, nil
}

// resolveSet loads the arrived group's membership set. Out-of-order
// delivery can land the group before its set; that case is retryable.
func (r *Reconciler) resolveSet(ctx context.Context, group *types.Group) (types.MembershipSet, error) {
	data, err := r.store.Get(ctx, group.MembershipSet)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.MembershipSet{}, &RetryableError{Err: fmt.Errorf("membership set %s not yet available", group.MembershipSet)}
		}
		return types.MembershipSet{}, err
	}
	var set types.MembershipSet
	if err := set.Deserialize(data); err != nil {
		return types.MembershipSet{}, fmt.Errorf("failed to parse membership set %s: %w", group.MembershipSet, err)
	}
	return set, nil
}

func containsRef(refs []types.Ref, ref types.Ref) bool {
	for _, r := range refs {
		if r == ref {
			return true
		}
	}
	return false
}
