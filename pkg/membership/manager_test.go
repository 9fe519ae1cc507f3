package membership_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/convosync/pkg/membership"
	"github.com/relves/convosync/pkg/store"
	"github.com/relves/convosync/pkg/store/storetest"
	"github.com/relves/convosync/pkg/types"
)

type recordedCreations struct {
	refs []types.Ref
}

func (r *recordedCreations) RecordCreated(_ context.Context, ref types.Ref) error {
	r.refs = append(r.refs, ref)
	return nil
}

func newManager(t *testing.T, client *store.BlockClient) (*membership.Manager, *recordedCreations) {
	t.Helper()
	cache, err := membership.NewTopicCache(64)
	require.NoError(t, err)
	recorder := &recordedCreations{}
	return membership.NewManager(client, cache, recorder, nil), recorder
}

func TestCreateGroup_OwnerImplicitlyIncluded(t *testing.T) {
	client := storetest.NewClient(t, nil)
	mgr, recorder := newManager(t, client)
	ctx := context.Background()

	alice, _ := storetest.NewIdentity(t)
	groupRef, setRef, err := mgr.CreateGroup(ctx, "team", "topic-1", []string{alice.DID})
	require.NoError(t, err)
	require.True(t, groupRef.Defined())
	require.True(t, setRef.Defined())

	members, err := mgr.GetMembers(ctx, groupRef)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{client.SelfIdentity().DID, alice.DID}, members)

	// Every created version lands in the allow-set recorder.
	assert.Equal(t, []types.Ref{groupRef}, recorder.refs)
}

func TestAddMembers_ExistingMemberIsNoOp(t *testing.T) {
	client := storetest.NewClient(t, nil)
	mgr, recorder := newManager(t, client)
	ctx := context.Background()

	alice, _ := storetest.NewIdentity(t)
	groupRef, _, err := mgr.CreateGroup(ctx, "team", "topic-1", []string{alice.DID})
	require.NoError(t, err)

	same, err := mgr.AddMembers(ctx, groupRef, []string{alice.DID})
	require.NoError(t, err)
	assert.Equal(t, groupRef, same)
	assert.Len(t, recorder.refs, 1, "no new version recorded for a no-op add")
}

func TestAddMembers_UnionMembership(t *testing.T) {
	client := storetest.NewClient(t, nil)
	mgr, _ := newManager(t, client)
	ctx := context.Background()

	alice, _ := storetest.NewIdentity(t)
	bob, _ := storetest.NewIdentity(t)

	groupRef, _, err := mgr.CreateGroup(ctx, "team", "topic-1", []string{alice.DID})
	require.NoError(t, err)

	v2, err := mgr.AddMembers(ctx, groupRef, []string{bob.DID})
	require.NoError(t, err)
	require.NotEqual(t, groupRef, v2)

	members, err := mgr.GetMembers(ctx, v2)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{client.SelfIdentity().DID, alice.DID, bob.DID}, members)

	// The chain links back to the input version.
	data, err := client.Get(ctx, v2)
	require.NoError(t, err)
	var group types.Group
	require.NoError(t, group.Deserialize(data))
	assert.Equal(t, groupRef, group.Prev)
	assert.Equal(t, groupRef, group.Genesis)
}

func TestGetMembers_UnknownGroup(t *testing.T) {
	client := storetest.NewClient(t, nil)
	mgr, _ := newManager(t, client)

	other := storetest.NewClient(t, nil)
	ref, err := other.Put(context.Background(), []byte(`{"name":"x"}`), types.ObjectGroup)
	require.NoError(t, err)

	_, err = mgr.GetMembers(context.Background(), ref)
	assert.ErrorIs(t, err, membership.ErrNotFound)
}

func TestGetMembers_EmptySetIsNotFound(t *testing.T) {
	client := storetest.NewClient(t, nil)
	mgr, _ := newManager(t, client)
	ctx := context.Background()

	set := types.MembershipSet{}
	setData, err := set.Serialize()
	require.NoError(t, err)
	setRef, err := client.Put(ctx, setData, types.ObjectMembershipSet)
	require.NoError(t, err)

	group := types.Group{Name: "broken", TopicID: "topic-1", MembershipSet: setRef}
	groupData, err := group.Serialize()
	require.NoError(t, err)
	groupRef, err := client.Put(ctx, groupData, types.ObjectGroup)
	require.NoError(t, err)

	_, err = mgr.GetMembers(ctx, groupRef)
	assert.ErrorIs(t, err, membership.ErrNotFound)
}

func TestLatestForTopic_CacheAndRebuild(t *testing.T) {
	client := storetest.NewClient(t, nil)
	mgr, _ := newManager(t, client)
	ctx := context.Background()

	alice, _ := storetest.NewIdentity(t)
	groupRef, _, err := mgr.CreateGroup(ctx, "team", "topic-1", []string{alice.DID})
	require.NoError(t, err)

	head, err := mgr.LatestForTopic(ctx, "topic-1")
	require.NoError(t, err)
	assert.Equal(t, groupRef, head)

	// After eviction the head rebuilds through the topic record, which
	// does not exist here, so the lookup fails instead of serving stale
	// state.
	mgr.EvictTopic("topic-1")
	_, err = mgr.LatestForTopic(ctx, "topic-1")
	assert.ErrorIs(t, err, membership.ErrNotFound)

	// An externally cached head is served again.
	mgr.CacheTopicHead("topic-1", groupRef)
	head, err = mgr.LatestForTopic(ctx, "topic-1")
	require.NoError(t, err)
	assert.Equal(t, groupRef, head)
}
