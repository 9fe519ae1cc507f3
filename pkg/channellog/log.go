// Package channellog maintains the per-channel append-only entry log.
// Each channel has exactly one writer; the log tracks a running Merkle
// root so the owner can checkpoint and attest its head.
package channellog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/transparency-dev/merkle/compact"
	"github.com/transparency-dev/merkle/rfc6962"

	"github.com/relves/convosync/internal/storage"
	"github.com/relves/convosync/pkg/types"
)

// ErrNotChannelOwner is returned when a principal other than the
// channel's designated owner attempts an append.
var ErrNotChannelOwner = errors.New("writer is not the channel owner")

var rangeFactory = &compact.RangeFactory{Hash: rfc6962.DefaultHasher.HashChildren}

// Checkpoint is a log head: how many entries and the root over them.
type Checkpoint struct {
	Size uint64
	Root []byte
}

// Log is the append-only entry log of one channel. Entries persist in
// the state store; the compact range is rebuilt from persisted leaf
// hashes on open and advanced in memory on append.
type Log struct {
	channelRef types.Ref
	owner      string
	state      storage.StateStore
	logger     *slog.Logger

	mu  sync.Mutex
	rng *compact.Range
}

// Open loads a channel log, rebuilding the Merkle range from the
// persisted leaf hashes. owner is the only DID allowed to append; an
// empty owner marks the shared two-party log both parties write to.
func Open(ctx context.Context, state storage.StateStore, channelRef types.Ref, owner string, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	leaves, err := state.GetChannelLeafHashes(ctx, channelRef.String())
	if err != nil {
		return nil, fmt.Errorf("failed to load leaf hashes for %s: %w", channelRef, err)
	}

	rng := rangeFactory.NewEmptyRange(0)
	for i, leaf := range leaves {
		if err := rng.Append(leaf, nil); err != nil {
			return nil, fmt.Errorf("failed to rebuild range at leaf %d: %w", i, err)
		}
	}

	return &Log{
		channelRef: channelRef,
		owner:      owner,
		state:      state,
		logger:     logger,
		rng:        rng,
	}, nil
}

// Append adds one entry written by writer and returns its index. Only
// the owner may append; the shared two-party log accepts either party
// by convention and therefore any writer at this level.
func (l *Log) Append(ctx context.Context, writer string, data []byte) (uint64, error) {
	if l.owner != "" && writer != l.owner {
		return 0, fmt.Errorf("%s on channel %s: %w", writer, l.channelRef, ErrNotChannelOwner)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	index := l.rng.End()
	leaf := rfc6962.DefaultHasher.HashLeaf(data)
	if err := l.state.AppendChannelEntry(ctx, storage.ChannelEntry{
		ChannelRef: l.channelRef.String(),
		Index:      index,
		LeafHash:   leaf,
		Data:       data,
		AppendedAt: time.Now(),
	}); err != nil {
		return 0, fmt.Errorf("failed to persist entry %d: %w", index, err)
	}
	if err := l.rng.Append(leaf, nil); err != nil {
		return 0, fmt.Errorf("failed to advance range: %w", err)
	}

	l.logger.Debug("entry appended", "channel", l.channelRef, "index", index, "size", len(data))
	return index, nil
}

// Size returns the number of entries.
func (l *Log) Size() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rng.End()
}

// Root returns the Merkle root over all entries.
func (l *Log) Root() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rng.End() == 0 {
		return rfc6962.DefaultHasher.EmptyRoot(), nil
	}
	return l.rng.GetRootHash(nil)
}

// Checkpoint returns the current head, suitable for a channel-head
// attestation certificate.
func (l *Log) Checkpoint() (Checkpoint, error) {
	root, err := l.Root()
	if err != nil {
		return Checkpoint{}, err
	}
	return Checkpoint{Size: l.Size(), Root: root}, nil
}

// Entries reads persisted entries in index order.
func (l *Log) Entries(ctx context.Context, offset, limit int64) ([]storage.ChannelEntry, error) {
	return l.state.GetChannelEntries(ctx, l.channelRef.String(), offset, limit)
}

// Owner returns the channel's designated writer ("" for shared).
func (l *Log) Owner() string {
	return l.owner
}
