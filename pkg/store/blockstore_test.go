package store_test

import (
	"context"
	"path/filepath"
	"testing"

	flatfs "github.com/ipfs/go-ds-flatfs"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/convosync/internal/storage/sqlite"
	"github.com/relves/convosync/pkg/store"
	"github.com/relves/convosync/pkg/store/storetest"
	"github.com/relves/convosync/pkg/types"
)

func TestBlockClient_PutGetRoundtrip(t *testing.T) {
	client := storetest.NewClient(t, nil)
	ctx := context.Background()

	data := []byte(`{"members":["did:key:zA"]}`)
	ref, err := client.Put(ctx, data, types.ObjectMembershipSet)
	require.NoError(t, err)
	require.True(t, ref.Defined())

	got, err := client.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// Same bytes, same address.
	ref2, err := client.Put(ctx, data, types.ObjectMembershipSet)
	require.NoError(t, err)
	assert.Equal(t, ref, ref2)
}

func TestBlockClient_GetUnknownRef(t *testing.T) {
	client := storetest.NewClient(t, nil)
	ctx := context.Background()

	other := storetest.NewClient(t, nil)
	ref, err := other.Put(ctx, []byte("elsewhere"), types.ObjectBlob)
	require.NoError(t, err)

	_, err = client.Get(ctx, ref)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestBlockClient_Versioning(t *testing.T) {
	client := storetest.NewClient(t, nil)
	ctx := context.Background()

	_, _, err := client.GetLatest(ctx, "topic/team")
	assert.ErrorIs(t, err, store.ErrNotFound)

	v1, err := client.PutVersion(ctx, "topic/team", []byte(`{"id":"team","v":1}`), types.ObjectTopic)
	require.NoError(t, err)

	data, head, err := client.GetLatest(ctx, "topic/team")
	require.NoError(t, err)
	assert.Equal(t, v1, head)
	assert.Equal(t, []byte(`{"id":"team","v":1}`), data)

	v2, err := client.PutVersion(ctx, "topic/team", []byte(`{"id":"team","v":2}`), types.ObjectTopic)
	require.NoError(t, err)
	require.NotEqual(t, v1, v2)

	_, head, err = client.GetLatest(ctx, "topic/team")
	require.NoError(t, err)
	assert.Equal(t, v2, head)
}

func TestBlockClient_AdoptVersionIdempotent(t *testing.T) {
	client := storetest.NewClient(t, nil)
	ctx := context.Background()

	data := []byte(`{"id":"team","v":1}`)
	ref, err := client.AdoptVersion(ctx, "topic/team", data, types.ObjectTopic)
	require.NoError(t, err)

	again, err := client.AdoptVersion(ctx, "topic/team", data, types.ObjectTopic)
	require.NoError(t, err)
	assert.Equal(t, ref, again)

	_, head, err := client.GetLatest(ctx, "topic/team")
	require.NoError(t, err)
	assert.Equal(t, ref, head)
}

func TestBlockClient_Contacts(t *testing.T) {
	client := storetest.NewClient(t, nil)
	assert.Empty(t, client.KnownContacts())

	contact, _ := storetest.NewIdentity(t)
	client.AddContact(contact)

	contacts := client.KnownContacts()
	require.Len(t, contacts, 1)
	assert.Equal(t, contact.DID, contacts[0].DID)

	self := client.SelfIdentity()
	assert.NotEmpty(t, self.DID)
	assert.NotEqual(t, contact.DID, self.DID)
}

// Heads persisted in the state store must still resolve after the
// process restarts, so the block datastore has to share the state
// store's directory and lifetime.
func TestBlockClient_SurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	_, priv := storetest.NewIdentity(t)
	ctx := context.Background()

	open := func() (*store.BlockClient, func()) {
		state, err := sqlite.OpenStateStore(dir)
		require.NoError(t, err)
		blocksDS, err := flatfs.CreateOrOpen(filepath.Join(dir, "blocks"), flatfs.NextToLast(2), false)
		require.NoError(t, err)
		client, err := store.NewBlockClient(store.Config{
			Blocks:     blockstore.NewBlockstore(blocksDS),
			State:      state,
			PrivateKey: priv,
		})
		require.NoError(t, err)
		return client, func() {
			require.NoError(t, blocksDS.Close())
			require.NoError(t, state.Close())
		}
	}

	client, shutdown := open()
	data := []byte(`{"id":"team","v":1}`)
	ref, err := client.PutVersion(ctx, store.TopicObjectID("team"), data, types.ObjectTopic)
	require.NoError(t, err)
	shutdown()

	client, shutdown = open()
	defer shutdown()

	got, head, err := client.GetLatest(ctx, store.TopicObjectID("team"))
	require.NoError(t, err)
	assert.Equal(t, ref, head)
	assert.Equal(t, data, got)
}
