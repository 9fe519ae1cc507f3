// Package storetest provides test helpers for the convosync object store
package storetest

import (
	"crypto/ed25519"
	"testing"

	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	"github.com/storacha/go-ucanto/principal/ed25519/signer"
	"github.com/stretchr/testify/require"

	"github.com/relves/convosync/internal/storage/sqlite"
	"github.com/relves/convosync/pkg/store"
	"github.com/relves/convosync/pkg/types"
)

// NewIdentity generates a fresh principal for tests.
func NewIdentity(t testing.TB) (types.Identity, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	sgnr, err := signer.FromRaw(priv)
	require.NoError(t, err)
	return types.Identity{DID: sgnr.DID().String(), PublicKey: types.PublicKey(pub)}, priv
}

// NewClient builds a BlockClient over an in-memory blockstore and a
// temp-dir SQLite state store. Pass nil to get a fresh key.
func NewClient(t testing.TB, priv ed25519.PrivateKey) *store.BlockClient {
	t.Helper()
	if priv == nil {
		_, priv = NewIdentity(t)
	}

	state, err := sqlite.OpenStateStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { state.Close() })

	blocks := blockstore.NewBlockstore(dssync.MutexWrap(ds.NewMapDatastore()))

	client, err := store.NewBlockClient(store.Config{
		Blocks:     blocks,
		State:      state,
		PrivateKey: priv,
	})
	require.NoError(t, err)
	return client
}

// NewClientWithState builds a BlockClient over the given state store,
// for tests that need to observe or share the local state directly.
func NewClientWithState(t testing.TB, priv ed25519.PrivateKey, state *sqlite.StateStore) *store.BlockClient {
	t.Helper()
	if priv == nil {
		_, priv = NewIdentity(t)
	}
	blocks := blockstore.NewBlockstore(dssync.MutexWrap(ds.NewMapDatastore()))
	client, err := store.NewBlockClient(store.Config{
		Blocks:     blocks,
		State:      state,
		PrivateKey: priv,
	})
	require.NoError(t, err)
	return client
}

// NewStateStore opens a temp-dir SQLite state store for tests that need
// direct access to local state.
func NewStateStore(t testing.TB) *sqlite.StateStore {
	t.Helper()
	state, err := sqlite.OpenStateStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { state.Close() })
	return state
}
