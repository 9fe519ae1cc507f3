package channellog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/relves/convosync/internal/storage"
	"github.com/relves/convosync/pkg/store"
	"github.com/relves/convosync/pkg/types"
)

// Service manages the open channel logs of one instance and attests
// every head it advances. Appends go through the channel's Log so the
// writer check and the Merkle range stay consistent; each successful
// append certifies the new checkpoint as a channel-head certificate
// that other instances can verify.
type Service struct {
	store  store.Client
	state  storage.StateStore
	logger *slog.Logger

	mu   sync.Mutex
	logs map[string]*Log
}

// NewService creates a channel log service over the given store client
// and state store.
func NewService(client store.Client, state storage.StateStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  client,
		state:  state,
		logger: logger,
		logs:   make(map[string]*Log),
	}
}

// AppendResult describes one successful append: the entry's index, the
// checkpoint it produced, and the certificate endorsing that head.
type AppendResult struct {
	Index      uint64
	Checkpoint Checkpoint
	CertRef    types.Ref
}

// Append writes one entry as writer and certifies the resulting head.
func (s *Service) Append(ctx context.Context, channelRef types.Ref, writer string, data []byte) (*AppendResult, error) {
	l, err := s.open(ctx, channelRef)
	if err != nil {
		return nil, err
	}

	index, err := l.Append(ctx, writer, data)
	if err != nil {
		return nil, err
	}
	cp, err := l.Checkpoint()
	if err != nil {
		return nil, err
	}

	certRef, _, err := s.store.Certify(ctx, types.Certificate{
		Kind:     types.CertChannelHead,
		Target:   channelRef,
		TreeSize: cp.Size,
		RootHash: cp.Root,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to certify channel head: %w", err)
	}

	s.logger.Info("channel head certified", "channel", channelRef, "size", cp.Size, "cert", certRef)
	return &AppendResult{Index: index, Checkpoint: cp, CertRef: certRef}, nil
}

// Entries reads persisted entries of a channel log in index order.
func (s *Service) Entries(ctx context.Context, channelRef types.Ref, offset, limit int64) ([]storage.ChannelEntry, error) {
	l, err := s.open(ctx, channelRef)
	if err != nil {
		return nil, err
	}
	return l.Entries(ctx, offset, limit)
}

// open returns the channel's log, loading it on first use. The owner
// comes from the channel record, so the writer check matches whatever
// the provisioner recorded when the channel was created.
func (s *Service) open(ctx context.Context, channelRef types.Ref) (*Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.logs[channelRef.String()]; ok {
		return l, nil
	}

	rec, err := s.state.GetChannel(ctx, channelRef.String())
	if err != nil {
		return nil, fmt.Errorf("channel %s: %w", channelRef, err)
	}
	l, err := Open(ctx, s.state, channelRef, rec.Owner, s.logger)
	if err != nil {
		return nil, err
	}
	s.logs[channelRef.String()] = l
	return l, nil
}
