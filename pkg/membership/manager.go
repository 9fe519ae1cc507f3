// Package membership creates and evolves the versioned group-membership
// records behind multi-party conversations.
package membership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"github.com/relves/convosync/pkg/store"
	"github.com/relves/convosync/pkg/types"
)

// ErrNotFound is returned when a group or its membership set cannot be
// resolved. A resolved group with zero members is reported the same
// way: an empty membership set is a data-integrity bug, never a valid
// empty group.
var ErrNotFound = errors.New("group not found")

// CreationRecorder learns about every group version this instance
// creates. The sync filter uses it to build the outbound allow-set.
type CreationRecorder interface {
	RecordCreated(ctx context.Context, ref types.Ref) error
}

// Manager owns group creation and evolution. Membership changes never
// mutate: each produces a new membership set and a new group version
// chained to its predecessor.
type Manager struct {
	store    store.Client
	cache    *TopicCache
	recorder CreationRecorder
	logger   *slog.Logger
}

// NewManager creates a membership manager. recorder may be nil when no
// outbound filtering is wired (tests).
func NewManager(client store.Client, cache *TopicCache, recorder CreationRecorder, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    client,
		cache:    cache,
		recorder: recorder,
		logger:   logger,
	}
}

// CreateGroup stores a new membership set and a genesis group version
// for a conversation. The local owner is implicitly prepended when
// absent from participants. Creation is not idempotent by name; callers
// wanting deduplication derive the topic id from the participant set.
func (m *Manager) CreateGroup(ctx context.Context, name, topicID string, participants []string) (types.Ref, types.Ref, error) {
	self := m.store.SelfIdentity().DID
	if !lo.Contains(participants, self) {
		participants = append([]string{self}, participants...)
	}

	setRef, err := m.putMembershipSet(ctx, participants)
	if err != nil {
		return "", "", err
	}

	group := types.Group{
		Name:          name,
		TopicID:       topicID,
		MembershipSet: setRef,
		CreatedBy:     self,
		CreatedAt:     time.Now().UTC(),
	}
	data, err := group.Serialize()
	if err != nil {
		return "", "", fmt.Errorf("failed to serialize group: %w", err)
	}

	// The genesis ref doubles as the stable group id, so it is computed
	// before the write to key the version head.
	genesis, _, err := store.ComputeRef(data, types.ObjectGroup)
	if err != nil {
		return "", "", fmt.Errorf("failed to compute group ref: %w", err)
	}
	groupRef, err := m.store.PutVersion(ctx, store.GroupObjectID(genesis), data, types.ObjectGroup)
	if err != nil {
		return "", "", fmt.Errorf("failed to store group: %w", err)
	}

	if err := m.recordCreated(ctx, groupRef); err != nil {
		return "", "", err
	}
	m.cache.Put(topicID, groupRef)

	m.logger.Info("group created", "topic", topicID, "name", name, "group", groupRef, "members", len(participants))
	return groupRef, setRef, nil
}

// AddMembers unions newParticipants into the group's membership and,
// when the union differs from the current set, stores a new membership
// set and a new group version chained to groupRef. A union equal to the
// current set returns groupRef unchanged with nothing stored.
func (m *Manager) AddMembers(ctx context.Context, groupRef types.Ref, newParticipants []string) (types.Ref, error) {
	group, err := m.loadGroup(ctx, groupRef)
	if err != nil {
		return "", err
	}

	current, err := m.loadSet(ctx, group)
	if err != nil {
		return "", err
	}

	next := types.NewMembershipSet(lo.Union(current.Members, newParticipants))
	if next.Equal(current) {
		return groupRef, nil
	}

	setRef, err := m.putMembershipSet(ctx, next.Members)
	if err != nil {
		return "", err
	}

	self := m.store.SelfIdentity().DID
	version := types.Group{
		Name:          group.Name,
		TopicID:       group.TopicID,
		MembershipSet: setRef,
		Prev:          groupRef,
		Genesis:       group.ID(groupRef),
		CreatedBy:     self,
		CreatedAt:     time.Now().UTC(),
	}
	data, err := version.Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to serialize group version: %w", err)
	}

	newRef, err := m.store.PutVersion(ctx, store.GroupObjectID(version.Genesis), data, types.ObjectGroup)
	if err != nil {
		return "", fmt.Errorf("failed to store group version: %w", err)
	}

	if err := m.recordCreated(ctx, newRef); err != nil {
		return "", err
	}
	m.cache.Put(group.TopicID, newRef)

	m.logger.Info("members added", "topic", group.TopicID, "group", newRef, "prev", groupRef, "members", len(next.Members))
	return newRef, nil
}

// GetMembers resolves a group version to its ordered participant list.
func (m *Manager) GetMembers(ctx context.Context, groupRef types.Ref) ([]string, error) {
	group, err := m.loadGroup(ctx, groupRef)
	if err != nil {
		return nil, err
	}
	set, err := m.loadSet(ctx, group)
	if err != nil {
		return nil, err
	}
	return set.Members, nil
}

// LatestForTopic returns the latest known group version for a topic,
// using the cache and rebuilding through the topic record on a miss.
func (m *Manager) LatestForTopic(ctx context.Context, topicID string) (types.Ref, error) {
	return m.cache.Resolve(topicID, func() (types.Ref, error) {
		data, _, err := m.store.GetLatest(ctx, store.TopicObjectID(topicID))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return "", fmt.Errorf("topic %s: %w", topicID, ErrNotFound)
			}
			return "", err
		}
		var topic types.Topic
		if err := topic.Deserialize(data); err != nil {
			return "", fmt.Errorf("failed to parse topic %s: %w", topicID, err)
		}
		if !topic.Group.Defined() {
			return "", fmt.Errorf("topic %s has no group: %w", topicID, ErrNotFound)
		}
		_, head, err := m.store.GetLatest(ctx, store.GroupObjectID(topic.Group))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return "", fmt.Errorf("group for topic %s: %w", topicID, ErrNotFound)
			}
			return "", err
		}
		return head, nil
	})
}

// MembersForTopic resolves the current membership of a topic's group.
func (m *Manager) MembersForTopic(ctx context.Context, topicID string) ([]string, error) {
	head, err := m.LatestForTopic(ctx, topicID)
	if err != nil {
		return nil, err
	}
	return m.GetMembers(ctx, head)
}

// CacheTopicHead records a topic's latest group version, typically on
// behalf of the reconciler when a peer's version is adopted.
func (m *Manager) CacheTopicHead(topicID string, ref types.Ref) {
	m.cache.Put(topicID, ref)
}

// CachedHead returns the cached group head for a topic without
// triggering a rebuild.
func (m *Manager) CachedHead(topicID string) (types.Ref, bool) {
	return m.cache.Get(topicID)
}

// EvictTopic drops the cached head for a topic.
func (m *Manager) EvictTopic(topicID string) {
	m.cache.Evict(topicID)
}

func (m *Manager) putMembershipSet(ctx context.Context, members []string) (types.Ref, error) {
	set := types.NewMembershipSet(members)
	data, err := set.Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to serialize membership set: %w", err)
	}
	ref, err := m.store.Put(ctx, data, types.ObjectMembershipSet)
	if err != nil {
		return "", fmt.Errorf("failed to store membership set: %w", err)
	}
	return ref, nil
}

// loadGroup resolves a group version, evicting nothing: the topic is
// unknown until the record parses.
func (m *Manager) loadGroup(ctx context.Context, groupRef types.Ref) (*types.Group, error) {
	data, err := m.store.Get(ctx, groupRef)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("group %s: %w", groupRef, ErrNotFound)
		}
		return nil, err
	}
	var group types.Group
	if err := group.Deserialize(data); err != nil {
		return nil, fmt.Errorf("failed to parse group %s: %w", groupRef, err)
	}
	return &group, nil
}

// loadSet resolves a group's membership set. On failure the topic's
// cache entry is evicted so the next call rebuilds from the store
// instead of serving the broken mapping again.
func (m *Manager) loadSet(ctx context.Context, group *types.Group) (types.MembershipSet, error) {
	data, err := m.store.Get(ctx, group.MembershipSet)
	if err != nil {
		m.cache.Evict(group.TopicID)
		if errors.Is(err, store.ErrNotFound) {
			return types.MembershipSet{}, fmt.Errorf("membership set %s: %w", group.MembershipSet, ErrNotFound)
		}
		return types.MembershipSet{}, err
	}
	var set types.MembershipSet
	if err := set.Deserialize(data); err != nil {
		m.cache.Evict(group.TopicID)
		return types.MembershipSet{}, fmt.Errorf("failed to parse membership set %s: %w", group.MembershipSet, err)
	}
	if len(set.Members) == 0 {
		m.cache.Evict(group.TopicID)
		return types.MembershipSet{}, fmt.Errorf("membership set %s is empty: %w", group.MembershipSet, ErrNotFound)
	}
	return set, nil
}

func (m *Manager) recordCreated(ctx context.Context, ref types.Ref) error {
	if m.recorder == nil {
		return nil
	}
	if err := m.recorder.RecordCreated(ctx, ref); err != nil {
		return fmt.Errorf("failed to record created group %s: %w", ref, err)
	}
	return nil
}
