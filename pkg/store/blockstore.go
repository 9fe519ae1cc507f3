package store

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	blockformat "github.com/ipfs/go-block-format"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	format "github.com/ipfs/go-ipld-format"
	"github.com/storacha/go-ucanto/principal"
	"github.com/storacha/go-ucanto/principal/ed25519/signer"

	"github.com/relves/convosync/internal/storage"
	"github.com/relves/convosync/pkg/types"
)

// Config holds what a BlockClient needs: a blockstore for the
// content-addressed objects, a StateStore for the mutable local state,
// and the local principal's signing key.
type Config struct {
	Blocks     blockstore.Blockstore
	State      storage.StateStore
	PrivateKey ed25519.PrivateKey
	Logger     *slog.Logger
}

// BlockClient implements Client over an IPFS blockstore. Immutable
// objects are stored as CID-checked blocks; version heads, grants and
// the attestation index live in the StateStore.
type BlockClient struct {
	blocks blockstore.Blockstore
	state  storage.StateStore
	signer principal.Signer
	priv   ed25519.PrivateKey
	self   types.Identity
	logger *slog.Logger

	mu       sync.RWMutex
	contacts map[string]types.Identity

	// readCache caches fetched blocks by ref. Content-addressed blocks
	// are immutable, so no TTL is needed.
	readCache *lru.Cache[string, []byte]
}

// NewBlockClient creates a store client for the given principal.
func NewBlockClient(cfg Config) (*BlockClient, error) {
	if cfg.Blocks == nil {
		return nil, fmt.Errorf("no blockstore configured: provide Config.Blocks")
	}
	if cfg.State == nil {
		return nil, fmt.Errorf("no state store configured: provide Config.State")
	}
	if len(cfg.PrivateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid ed25519 private key")
	}

	sgnr, err := signer.FromRaw(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}

	cache, err := lru.New[string, []byte](10000)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pub := cfg.PrivateKey.Public().(ed25519.PublicKey)
	return &BlockClient{
		blocks: cfg.Blocks,
		state:  cfg.State,
		signer: sgnr,
		priv:   cfg.PrivateKey,
		self: types.Identity{
			DID:       sgnr.DID().String(),
			PublicKey: types.PublicKey(pub),
		},
		logger:    logger,
		contacts:  make(map[string]types.Identity),
		readCache: cache,
	}, nil
}

// Put stores an immutable object and returns its content address.
func (c *BlockClient) Put(ctx context.Context, data []byte, typ types.ObjectType) (types.Ref, error) {
	ref, id, err := ComputeRef(data, typ)
	if err != nil {
		return "", fmt.Errorf("failed to compute ref: %w", err)
	}

	blk, err := blockformat.NewBlockWithCid(data, id)
	if err != nil {
		return "", fmt.Errorf("failed to build block: %w", err)
	}
	if err := c.blocks.Put(ctx, blk); err != nil {
		return "", fmt.Errorf("failed to store block: %w", err)
	}

	c.readCache.Add(ref.String(), data)
	c.logger.Debug("put", "ref", ref, "type", typ, "size", len(data))
	return ref, nil
}

// Get resolves a content address, consulting the read cache first.
func (c *BlockClient) Get(ctx context.Context, ref types.Ref) ([]byte, error) {
	if data, ok := c.readCache.Get(ref.String()); ok {
		return data, nil
	}

	id, err := DecodeRef(ref)
	if err != nil {
		return nil, fmt.Errorf("invalid ref %s: %w", ref, err)
	}

	blk, err := c.blocks.Get(ctx, id)
	if err != nil {
		if format.IsNotFound(err) {
			return nil, fmt.Errorf("%s: %w", ref, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to fetch block: %w", err)
	}

	data := blk.RawData()
	c.readCache.Add(ref.String(), data)
	return data, nil
}

// PutVersion stores a new version for objectID and moves its head.
func (c *BlockClient) PutVersion(ctx context.Context, objectID string, data []byte, typ types.ObjectType) (types.Ref, error) {
	if objectID == "" {
		return "", fmt.Errorf("versioned object id required")
	}
	ref, err := c.Put(ctx, data, typ)
	if err != nil {
		return "", err
	}
	if err := c.state.SetHead(ctx, objectID, ref.String()); err != nil {
		return "", fmt.Errorf("failed to move head for %s: %w", objectID, err)
	}
	return ref, nil
}

// GetLatest returns the current version of a versioned object.
func (c *BlockClient) GetLatest(ctx context.Context, objectID string) ([]byte, types.Ref, error) {
	head, err := c.state.GetHead(ctx, objectID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, "", fmt.Errorf("%s: %w", objectID, ErrNotFound)
		}
		return nil, "", err
	}
	ref := types.Ref(head)
	data, err := c.Get(ctx, ref)
	if err != nil {
		return nil, "", err
	}
	return data, ref, nil
}

// AdoptVersion stores a received version and moves the head to it.
// Adopting the version the head already points at is a no-op.
func (c *BlockClient) AdoptVersion(ctx context.Context, objectID string, data []byte, typ types.ObjectType) (types.Ref, error) {
	ref, err := c.Put(ctx, data, typ)
	if err != nil {
		return "", err
	}
	if head, err := c.state.GetHead(ctx, objectID); err == nil && head == ref.String() {
		return ref, nil
	}
	if err := c.state.SetHead(ctx, objectID, ref.String()); err != nil {
		return "", fmt.Errorf("failed to adopt version for %s: %w", objectID, err)
	}
	return ref, nil
}

// SelfIdentity returns the local principal.
func (c *BlockClient) SelfIdentity() types.Identity {
	return c.self
}

// AddContact adds an identity to the contact directory.
func (c *BlockClient) AddContact(id types.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contacts[id.DID] = id
}

// KnownContacts returns the contact directory.
func (c *BlockClient) KnownContacts() []types.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.Identity, 0, len(c.contacts))
	for _, id := range c.contacts {
		out = append(out, id)
	}
	return out
}

// trustedSigner resolves a DID against self and the contact directory.
func (c *BlockClient) trustedSigner(did string) (types.Identity, bool) {
	if did == c.self.DID {
		return c.self, true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.contacts[did]
	return id, ok
}
