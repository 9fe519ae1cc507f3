package channellog_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/convosync/pkg/channellog"
	"github.com/relves/convosync/pkg/store/storetest"
	"github.com/relves/convosync/pkg/types"
)

func TestLog_AppendAndRoot(t *testing.T) {
	state := storetest.NewStateStore(t)
	ctx := context.Background()
	owner := "did:key:zOwner"

	log, err := channellog.Open(ctx, state, types.Ref("bafyCh1"), owner, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), log.Size())

	emptyRoot, err := log.Root()
	require.NoError(t, err)
	assert.NotEmpty(t, emptyRoot)

	idx, err := log.Append(ctx, owner, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), idx)

	idx, err = log.Append(ctx, owner, []byte("world"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), idx)
	assert.Equal(t, uint64(2), log.Size())

	root, err := log.Root()
	require.NoError(t, err)
	assert.NotEqual(t, emptyRoot, root)

	entries, err := log.Entries(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, []byte("hello"), entries[0].Data)
}

func TestLog_OwnerEnforcement(t *testing.T) {
	state := storetest.NewStateStore(t)
	ctx := context.Background()

	log, err := channellog.Open(ctx, state, types.Ref("bafyCh1"), "did:key:zOwner", nil)
	require.NoError(t, err)

	_, err = log.Append(ctx, "did:key:zIntruder", []byte("nope"))
	assert.ErrorIs(t, err, channellog.ErrNotChannelOwner)
	assert.Equal(t, uint64(0), log.Size())

	// Shared channels accept any writer.
	shared, err := channellog.Open(ctx, state, types.Ref("bafyShared"), "", nil)
	require.NoError(t, err)
	_, err = shared.Append(ctx, "did:key:zA", []byte("from a"))
	require.NoError(t, err)
	_, err = shared.Append(ctx, "did:key:zB", []byte("from b"))
	require.NoError(t, err)
}

func TestLog_ReopenRebuildsRange(t *testing.T) {
	state := storetest.NewStateStore(t)
	ctx := context.Background()
	owner := "did:key:zOwner"
	ref := types.Ref("bafyCh1")

	log, err := channellog.Open(ctx, state, ref, owner, nil)
	require.NoError(t, err)
	for _, msg := range []string{"a", "b", "c"} {
		_, err := log.Append(ctx, owner, []byte(msg))
		require.NoError(t, err)
	}
	want, err := log.Checkpoint()
	require.NoError(t, err)

	reopened, err := channellog.Open(ctx, state, ref, owner, nil)
	require.NoError(t, err)
	got, err := reopened.Checkpoint()
	require.NoError(t, err)

	assert.Equal(t, want.Size, got.Size)
	assert.Equal(t, want.Root, got.Root)

	// Appends continue from the rebuilt position.
	idx, err := reopened.Append(ctx, owner, []byte("d"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), idx)
}
