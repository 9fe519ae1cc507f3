package grants_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/convosync/internal/storage"
	"github.com/relves/convosync/pkg/capabilities"
	"github.com/relves/convosync/pkg/grants"
	"github.com/relves/convosync/pkg/store/storetest"
	"github.com/relves/convosync/pkg/types"
)

func TestGrantReadAccess_FailuresAreNonFatal(t *testing.T) {
	state := storetest.NewStateStore(t)
	client := storetest.NewClientWithState(t, nil, state)
	computer := grants.NewComputer(client, state, nil)
	ctx := context.Background()

	alice, _ := storetest.NewIdentity(t)
	ref, err := client.Put(ctx, []byte("obj"), types.ObjectBlob)
	require.NoError(t, err)

	// "not-a-did" fails audience parsing; the valid principal still gets
	// its grant on every target.
	computer.GrantReadAccess(ctx, []grants.Target{
		{Ref: ref, Type: types.ObjectBlob},
	}, []string{"not-a-did", alice.DID})

	ok, err := client.HasGrant(ctx, ref, alice.DID, capabilities.AbilityRead)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOnMembersAdded_GrantsEverythingToNewMembersOnly(t *testing.T) {
	state := storetest.NewStateStore(t)
	client := storetest.NewClientWithState(t, nil, state)
	computer := grants.NewComputer(client, state, nil)
	ctx := context.Background()

	existing, _ := storetest.NewIdentity(t)
	added, _ := storetest.NewIdentity(t)

	set := types.NewMembershipSet([]string{existing.DID, added.DID})
	setData, err := set.Serialize()
	require.NoError(t, err)
	setRef, err := client.Put(ctx, setData, types.ObjectMembershipSet)
	require.NoError(t, err)

	group := types.Group{Name: "team", TopicID: "team-topic", MembershipSet: setRef}
	groupData, err := group.Serialize()
	require.NoError(t, err)
	groupRef, err := client.Put(ctx, groupData, types.ObjectGroup)
	require.NoError(t, err)

	chData, err := (&types.Channel{TopicID: "team-topic", Owner: existing.DID}).Serialize()
	require.NoError(t, err)
	chRef, err := client.Put(ctx, chData, types.ObjectChannel)
	require.NoError(t, err)
	require.NoError(t, state.AddChannel(ctx, storage.ChannelRecord{
		Ref: chRef.String(), TopicID: "team-topic", Owner: existing.DID, CreatedAt: time.Now(),
	}))

	certRef, _, err := client.Certify(ctx, types.Certificate{
		Kind:   types.CertMembership,
		Target: setRef,
	})
	require.NoError(t, err)

	computer.OnMembersAdded(ctx, "team-topic", groupRef, setRef, []string{added.DID})

	for _, ref := range []types.Ref{groupRef, setRef, chRef, certRef} {
		ok, err := client.HasGrant(ctx, ref, added.DID, capabilities.AbilityRead)
		require.NoError(t, err)
		assert.True(t, ok, "added member should read %s", ref)

		ok, err = client.HasGrant(ctx, ref, existing.DID, capabilities.AbilityRead)
		require.NoError(t, err)
		assert.False(t, ok, "existing member is not re-granted %s", ref)
	}
}

func TestOnMembersAdded_NoNewMembersIsNoOp(t *testing.T) {
	state := storetest.NewStateStore(t)
	client := storetest.NewClientWithState(t, nil, state)
	computer := grants.NewComputer(client, state, nil)

	computer.OnMembersAdded(context.Background(), "team-topic", types.Ref("bafyG"), types.Ref("bafyS"), nil)

	recs, err := state.GetGrants(context.Background(), "bafyG")
	require.NoError(t, err)
	assert.Empty(t, recs)
}
