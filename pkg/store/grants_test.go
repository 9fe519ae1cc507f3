package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/storacha/go-ucanto/core/delegation"
	"github.com/storacha/go-ucanto/did"
	"github.com/storacha/go-ucanto/principal/ed25519/signer"
	"github.com/storacha/go-ucanto/ucan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/convosync/pkg/capabilities"
	"github.com/relves/convosync/pkg/store"
	"github.com/relves/convosync/pkg/store/storetest"
	"github.com/relves/convosync/pkg/types"
)

func TestCreateAccessGrant_HasGrant(t *testing.T) {
	client := storetest.NewClient(t, nil)
	ctx := context.Background()

	alice, _ := storetest.NewIdentity(t)
	bob, _ := storetest.NewIdentity(t)

	ref, err := client.Put(ctx, []byte(`{"members":["a"]}`), types.ObjectMembershipSet)
	require.NoError(t, err)

	err = client.CreateAccessGrant(ctx, ref, types.ObjectMembershipSet,
		[]string{alice.DID}, []string{capabilities.AbilityRead})
	require.NoError(t, err)

	ok, err := client.HasGrant(ctx, ref, alice.DID, capabilities.AbilityRead)
	require.NoError(t, err)
	assert.True(t, ok)

	t.Run("ungranted principal", func(t *testing.T) {
		ok, err := client.HasGrant(ctx, ref, bob.DID, capabilities.AbilityRead)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ungranted ability", func(t *testing.T) {
		ok, err := client.HasGrant(ctx, ref, alice.DID, capabilities.AbilityWrite)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ungranted object", func(t *testing.T) {
		other, err := client.Put(ctx, []byte("other"), types.ObjectBlob)
		require.NoError(t, err)
		ok, err := client.HasGrant(ctx, other, alice.DID, capabilities.AbilityRead)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestCreateAccessGrant_MultiplePrincipalsAndAbilities(t *testing.T) {
	client := storetest.NewClient(t, nil)
	ctx := context.Background()

	alice, _ := storetest.NewIdentity(t)
	bob, _ := storetest.NewIdentity(t)

	ref, err := client.Put(ctx, []byte("channel"), types.ObjectChannel)
	require.NoError(t, err)

	err = client.CreateAccessGrant(ctx, ref, types.ObjectChannel,
		[]string{alice.DID, bob.DID}, capabilities.ReadWrite())
	require.NoError(t, err)

	for _, did := range []string{alice.DID, bob.DID} {
		for _, ability := range capabilities.ReadWrite() {
			ok, err := client.HasGrant(ctx, ref, did, ability)
			require.NoError(t, err)
			assert.True(t, ok, "%s should hold %s", did, ability)
		}
	}
}

func TestCreateAccessGrant_InvalidPrincipal(t *testing.T) {
	client := storetest.NewClient(t, nil)
	ctx := context.Background()

	alice, _ := storetest.NewIdentity(t)
	ref, err := client.Put(ctx, []byte("obj"), types.ObjectBlob)
	require.NoError(t, err)

	// A bad audience fails its own grant but not the others.
	err = client.CreateAccessGrant(ctx, ref, types.ObjectBlob,
		[]string{"not-a-did", alice.DID}, []string{capabilities.AbilityRead})
	assert.Error(t, err)

	ok, err := client.HasGrant(ctx, ref, alice.DID, capabilities.AbilityRead)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestValidateGrant_CapabilityChecks(t *testing.T) {
	issuerID, issuerKey := storetest.NewIdentity(t)
	issuer, err := signer.FromRaw(issuerKey)
	require.NoError(t, err)

	alice, _ := storetest.NewIdentity(t)
	audience, err := did.Parse(alice.DID)
	require.NoError(t, err)

	object := types.Ref("bafyObjectA")
	exp := ucan.UTCUnixTimestamp(time.Now().Add(time.Hour).Unix())
	dlg, err := capabilities.ObjectRead.Delegate(
		issuer,
		audience,
		ucan.Resource(issuerID.DID),
		capabilities.GrantCaveats{Object: object.String(), Type: string(types.ObjectMembershipSet)},
		delegation.WithExpiration(int(exp)),
	)
	require.NoError(t, err)

	require.NoError(t, store.ValidateGrant(dlg, alice.DID, issuerID.DID, capabilities.AbilityRead, object))

	t.Run("wrong object", func(t *testing.T) {
		err := store.ValidateGrant(dlg, alice.DID, issuerID.DID, capabilities.AbilityRead, types.Ref("bafyObjectB"))
		var gerr *store.GrantError
		require.ErrorAs(t, err, &gerr)
		assert.Equal(t, store.ErrCodeGrantWrongObject, gerr.Code)
	})

	t.Run("wrong audience", func(t *testing.T) {
		mallory, _ := storetest.NewIdentity(t)
		err := store.ValidateGrant(dlg, mallory.DID, issuerID.DID, capabilities.AbilityRead, object)
		var gerr *store.GrantError
		require.ErrorAs(t, err, &gerr)
		assert.Equal(t, store.ErrCodeGrantWrongAudience, gerr.Code)
	})

	t.Run("ability not delegated", func(t *testing.T) {
		err := store.ValidateGrant(dlg, alice.DID, issuerID.DID, capabilities.AbilityWrite, object)
		var gerr *store.GrantError
		require.ErrorAs(t, err, &gerr)
		assert.Equal(t, store.ErrCodeGrantMissingCapability, gerr.Code)
	})

	t.Run("unknown ability", func(t *testing.T) {
		err := store.ValidateGrant(dlg, alice.DID, issuerID.DID, "object/admin", object)
		var gerr *store.GrantError
		require.ErrorAs(t, err, &gerr)
		assert.Equal(t, store.ErrCodeGrantUnknownAbility, gerr.Code)
	})
}
