// Package provision manages conversation lifecycle: topic identities,
// per-participant write channels, and the membership/grant fan-out that
// a new or extended conversation requires.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/relves/convosync/internal/storage"
	"github.com/relves/convosync/pkg/capabilities"
	"github.com/relves/convosync/pkg/grants"
	"github.com/relves/convosync/pkg/membership"
	"github.com/relves/convosync/pkg/store"
	"github.com/relves/convosync/pkg/types"
)

var (
	// ErrInvalidParticipantCount is returned when the two-party path is
	// given anything other than two distinct participants.
	ErrInvalidParticipantCount = errors.New("exactly two distinct participants required")
	// ErrTopicIDReserved is returned when a group topic id matches the
	// two-party naming pattern.
	ErrTopicIDReserved = errors.New("topic id matches the reserved two-party pattern")
	// ErrNotFound is returned when the named topic does not exist.
	ErrNotFound = errors.New("topic not found")
)

// topicNamespace seeds content-derived topic ids so equal participant
// sets derive equal ids across instances.
var topicNamespace = uuid.MustParse("9f2c7d1e-3b64-4c8a-9a0f-5d21e8c4b7a3")

// DeriveTopicID computes a content-derived topic id from a participant
// set, independent of ordering. Callers that want dedup-by-participants
// pass the result to CreateGroupTopic; the provisioner never derives ids
// implicitly.
func DeriveTopicID(participants []string) string {
	sorted := make([]string, len(participants))
	copy(sorted, participants)
	sort.Strings(sorted)
	return uuid.NewSHA1(topicNamespace, []byte(strings.Join(sorted, "\n"))).String()
}

// PeerLister reports the replication peers currently connected, for the
// autoAddSyncPeers option.
type PeerLister interface {
	ConnectedPeers(ctx context.Context) ([]string, error)
}

// Provisioner creates and extends conversations. Membership changes are
// delegated to the membership manager; access fan-out to the grant
// computer.
type Provisioner struct {
	store   store.Client
	members *membership.Manager
	grants  *grants.Computer
	state   storage.StateStore
	peers   PeerLister
	logger  *slog.Logger
}

func NewProvisioner(client store.Client, members *membership.Manager, computer *grants.Computer, state storage.StateStore, peers PeerLister, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{
		store:   client,
		members: members,
		grants:  computer,
		state:   state,
		peers:   peers,
		logger:  logger,
	}
}

// CreateP2PTopic creates (or returns) the two-party conversation between
// a and b: deterministic sorted id, one shared ownerless channel, no
// group. Both arguments must be distinct non-empty DIDs.
func (p *Provisioner) CreateP2PTopic(ctx context.Context, a, b string) (*types.Topic, error) {
	if a == "" || b == "" || a == b {
		return nil, ErrInvalidParticipantCount
	}
	topicID := types.P2PTopicID(a, b)

	if existing, err := p.loadTopic(ctx, topicID); err == nil {
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	chRef, err := p.createChannel(ctx, topicID, "")
	if err != nil {
		return nil, err
	}
	participants := []string{a, b}
	if err := p.store.CreateAccessGrant(ctx, chRef, types.ObjectChannel, participants, capabilities.ReadWrite()); err != nil {
		return nil, fmt.Errorf("failed to grant shared channel access: %w", err)
	}

	topic := types.Topic{
		ID:        topicID,
		Channels:  []types.Ref{chRef},
		CreatedAt: time.Now().UTC(),
	}
	if err := p.storeTopic(ctx, &topic); err != nil {
		return nil, err
	}

	p.logger.Info("p2p topic created", "topic", topicID)
	return &topic, nil
}

// CreateGroupTopic creates a multi-party conversation: a group with the
// given participants, one channel per local participant, and read
// grants on each channel to the whole participant set. An empty topicID
// gets a locally chosen unique id. With autoAddSyncPeers, currently
// connected replication peers are added as participants.
func (p *Provisioner) CreateGroupTopic(ctx context.Context, name, topicID string, participants []string, autoAddSyncPeers bool) (*types.Topic, error) {
	if types.IsP2PTopicID(topicID) {
		return nil, fmt.Errorf("%q: %w", topicID, ErrTopicIDReserved)
	}
	if topicID == "" {
		topicID = uuid.NewString()
	}

	if existing, err := p.loadTopic(ctx, topicID); err == nil {
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	self := p.store.SelfIdentity().DID
	if !lo.Contains(participants, self) {
		participants = append([]string{self}, participants...)
	}
	if autoAddSyncPeers && p.peers != nil {
		peers, err := p.peers.ConnectedPeers(ctx)
		if err != nil {
			p.logger.Warn("failed to list connected peers", "error", err)
		} else {
			participants = lo.Union(participants, peers)
		}
	}

	groupRef, setRef, err := p.members.CreateGroup(ctx, name, topicID, participants)
	if err != nil {
		return nil, err
	}
	certRef, err := p.certifyMembership(ctx, setRef)
	if err != nil {
		return nil, err
	}

	// Remote participants provision their own channel when the group
	// reaches them through replication.
	var channels []types.Ref
	for _, participant := range participants {
		if participant != self {
			continue
		}
		chRef, err := p.createChannel(ctx, topicID, participant)
		if err != nil {
			return nil, err
		}
		channels = append(channels, chRef)
		p.grants.GrantReadAccess(ctx, []grants.Target{{Ref: chRef, Type: types.ObjectChannel}}, participants)
	}

	p.grants.GrantReadAccess(ctx, []grants.Target{
		{Ref: groupRef, Type: types.ObjectGroup},
		{Ref: setRef, Type: types.ObjectMembershipSet},
		{Ref: certRef, Type: types.ObjectCertificate},
	}, participants)

	topic := types.Topic{
		ID:          topicID,
		Channels:    channels,
		Group:       groupRef,
		Certificate: certRef,
		CreatedAt:   time.Now().UTC(),
	}
	if err := p.storeTopic(ctx, &topic); err != nil {
		return nil, err
	}

	p.logger.Info("group topic created", "topic", topicID, "name", name, "participants", len(participants), "channels", len(channels))
	return &topic, nil
}

// AddParticipantsToTopic extends a conversation's membership. A legacy
// topic with no group gets one synthesized from the best-known current
// participants plus the new ones. Newly added members receive read
// grants on the updated objects; existing members are not re-granted.
func (p *Provisioner) AddParticipantsToTopic(ctx context.Context, topicID string, newParticipants []string) error {
	topic, err := p.loadTopic(ctx, topicID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("topic %s: %w", topicID, ErrNotFound)
		}
		return err
	}

	if !topic.Group.Defined() {
		return p.synthesizeGroup(ctx, topic, newParticipants)
	}

	groupRef, err := p.members.LatestForTopic(ctx, topicID)
	if err != nil {
		if !errors.Is(err, membership.ErrNotFound) {
			return err
		}
		groupRef = topic.Group
	}

	current, err := p.members.GetMembers(ctx, groupRef)
	if err != nil {
		return err
	}

	newRef, err := p.members.AddMembers(ctx, groupRef, newParticipants)
	if err != nil {
		return err
	}
	if newRef == groupRef {
		return nil
	}

	group, err := p.loadGroup(ctx, newRef)
	if err != nil {
		return err
	}
	certRef, err := p.certifyMembership(ctx, group.MembershipSet)
	if err != nil {
		return err
	}

	topic.Group = newRef
	topic.Certificate = certRef
	if err := p.storeTopic(ctx, topic); err != nil {
		return err
	}

	added, _ := lo.Difference(newParticipants, current)
	p.grants.OnMembersAdded(ctx, topicID, newRef, group.MembershipSet, added)
	return nil
}

// GetTopicParticipants resolves the current participant set of a topic:
// the group membership when one exists, the two DIDs encoded in a
// two-party id, or the channel owners of a legacy topic.
func (p *Provisioner) GetTopicParticipants(ctx context.Context, topicID string) ([]string, error) {
	members, err := p.members.MembersForTopic(ctx, topicID)
	if err == nil {
		return members, nil
	}
	if !errors.Is(err, membership.ErrNotFound) {
		return nil, err
	}

	if types.IsP2PTopicID(topicID) {
		return strings.Split(topicID, types.P2PSeparator), nil
	}
	return p.bestKnownParticipants(ctx, topicID)
}

// synthesizeGroup retrofits a group onto a topic created before groups
// existed, seeding it with the channel owners already under the topic.
func (p *Provisioner) synthesizeGroup(ctx context.Context, topic *types.Topic, newParticipants []string) error {
	known, err := p.bestKnownParticipants(ctx, topic.ID)
	if err != nil {
		return err
	}
	participants := lo.Union(known, newParticipants)

	groupRef, setRef, err := p.members.CreateGroup(ctx, topic.ID, topic.ID, participants)
	if err != nil {
		return err
	}
	certRef, err := p.certifyMembership(ctx, setRef)
	if err != nil {
		return err
	}

	topic.Group = groupRef
	topic.Certificate = certRef
	if err := p.storeTopic(ctx, topic); err != nil {
		return err
	}

	// Every member is new to the synthesized group.
	p.grants.OnMembersAdded(ctx, topic.ID, groupRef, setRef, participants)
	p.logger.Info("group synthesized for legacy topic", "topic", topic.ID, "participants", len(participants))
	return nil
}

// bestKnownParticipants gathers self plus the declared owners of every
// channel under the topic.
func (p *Provisioner) bestKnownParticipants(ctx context.Context, topicID string) ([]string, error) {
	channels, err := p.state.GetChannelsByTopic(ctx, topicID)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels for %s: %w", topicID, err)
	}
	participants := []string{p.store.SelfIdentity().DID}
	for _, ch := range channels {
		if ch.Owner != "" {
			participants = append(participants, ch.Owner)
		}
	}
	return lo.Uniq(participants), nil
}

func (p *Provisioner) createChannel(ctx context.Context, topicID, owner string) (types.Ref, error) {
	channel := types.Channel{
		TopicID:   topicID,
		Owner:     owner,
		CreatedAt: time.Now().UTC(),
	}
	data, err := channel.Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to serialize channel: %w", err)
	}
	ref, err := p.store.Put(ctx, data, types.ObjectChannel)
	if err != nil {
		return "", fmt.Errorf("failed to store channel: %w", err)
	}
	if err := p.state.AddChannel(ctx, storage.ChannelRecord{
		Ref:       ref.String(),
		TopicID:   topicID,
		Owner:     owner,
		CreatedAt: channel.CreatedAt,
	}); err != nil {
		return "", fmt.Errorf("failed to record channel: %w", err)
	}
	return ref, nil
}

func (p *Provisioner) certifyMembership(ctx context.Context, setRef types.Ref) (types.Ref, error) {
	certRef, _, err := p.store.Certify(ctx, types.Certificate{
		Kind:   types.CertMembership,
		Target: setRef,
	})
	if err != nil {
		return "", fmt.Errorf("failed to certify membership set: %w", err)
	}
	return certRef, nil
}

func (p *Provisioner) loadTopic(ctx context.Context, topicID string) (*types.Topic, error) {
	data, _, err := p.store.GetLatest(ctx, store.TopicObjectID(topicID))
	if err != nil {
		return nil, err
	}
	var topic types.Topic
	if err := topic.Deserialize(data); err != nil {
		return nil, fmt.Errorf("failed to parse topic %s: %w", topicID, err)
	}
	return &topic, nil
}

func (p *Provisioner) storeTopic(ctx context.Context, topic *types.Topic) error {
	data, err := topic.Serialize()
	if err != nil {
		return fmt.Errorf("failed to serialize topic: %w", err)
	}
	if _, err := p.store.PutVersion(ctx, store.TopicObjectID(topic.ID), data, types.ObjectTopic); err != nil {
		return fmt.Errorf("failed to store topic %s: %w", topic.ID, err)
	}
	return nil
}

func (p *Provisioner) loadGroup(ctx context.Context, groupRef types.Ref) (*types.Group, error) {
	data, err := p.store.Get(ctx, groupRef)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve group %s: %w", groupRef, err)
	}
	var group types.Group
	if err := group.Deserialize(data); err != nil {
		return nil, fmt.Errorf("failed to parse group %s: %w", groupRef, err)
	}
	return &group, nil
}
