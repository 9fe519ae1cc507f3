package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/relves/convosync/internal/storage"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// StateStore is the SQLite-backed implementation of storage.StateStore.
type StateStore struct {
	db *sql.DB
}

// OpenStateStore opens (or creates) the state database under basePath.
func OpenStateStore(basePath string) (*StateStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	dbPath := filepath.Join(basePath, "state.db")
	db, err := sql.Open("sqlite", dbPath+
		"?_pragma=journal_mode(WAL)"+
		"&_pragma=foreign_keys(ON)"+
		"&_pragma=busy_timeout(5000)"+ // Wait up to 5s on lock instead of returning SQLITE_BUSY immediately
		"&_pragma=synchronous(NORMAL)"+ // Balance safety/speed (FULL is slower, OFF risks corruption)
		"&_pragma=wal_autocheckpoint(1000)") // Checkpoint every 1000 pages to prevent WAL accumulation
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Limit connection pool - SQLite handles concurrent writes poorly
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &StateStore{db: db}, nil
}

func (s *StateStore) Close() error {
	return s.db.Close()
}

// GetHead returns the latest version ref recorded for a versioned object.
func (s *StateStore) GetHead(ctx context.Context, objectID string) (string, error) {
	var versionRef string
	err := s.db.QueryRowContext(ctx,
		`SELECT version_ref FROM heads WHERE object_id = ?`,
		objectID).Scan(&versionRef)

	if err == sql.ErrNoRows {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return versionRef, nil
}

// SetHead records the latest version ref for a versioned object (upsert).
func (s *StateStore) SetHead(ctx context.Context, objectID, versionRef string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO heads (object_id, version_ref, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(object_id) DO UPDATE SET version_ref = excluded.version_ref, updated_at = excluded.updated_at`,
		objectID, versionRef, now)
	return err
}

// AddCreatedGroup marks a group version as created by this instance. Idempotent.
func (s *StateStore) AddCreatedGroup(ctx context.Context, groupRef string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO created_groups (group_ref, created_at) VALUES (?, ?)
		 ON CONFLICT(group_ref) DO NOTHING`,
		groupRef, now)
	return err
}

// GetCreatedGroups returns every locally created group version ref.
func (s *StateStore) GetCreatedGroups(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT group_ref FROM created_groups ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// AddChannel records a channel under its topic. Idempotent by ref.
func (s *StateStore) AddChannel(ctx context.Context, rec storage.ChannelRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channels (channel_ref, topic_id, owner, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(channel_ref) DO NOTHING`,
		rec.Ref, rec.TopicID, rec.Owner, createdAt.UTC().Format(time.RFC3339))
	return err
}

// GetChannel returns the record for a channel ref.
func (s *StateStore) GetChannel(ctx context.Context, channelRef string) (*storage.ChannelRecord, error) {
	var rec storage.ChannelRecord
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT channel_ref, topic_id, owner, created_at FROM channels WHERE channel_ref = ?`,
		channelRef).Scan(&rec.Ref, &rec.TopicID, &rec.Owner, &createdAt)

	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var parseErr error
	rec.CreatedAt, parseErr = time.Parse(time.RFC3339, createdAt)
	if parseErr != nil {
		slog.Warn("failed to parse created_at timestamp", "channelRef", channelRef, "value", createdAt, "error", parseErr)
	}
	return &rec, nil
}

// GetChannelsByTopic returns every channel recorded under a topic.
func (s *StateStore) GetChannelsByTopic(ctx context.Context, topicID string) ([]storage.ChannelRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel_ref, topic_id, owner, created_at FROM channels WHERE topic_id = ? ORDER BY created_at`,
		topicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []storage.ChannelRecord
	for rows.Next() {
		var rec storage.ChannelRecord
		var createdAt string
		if err := rows.Scan(&rec.Ref, &rec.TopicID, &rec.Owner, &createdAt); err != nil {
			return nil, err
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// AddGrant archives an issued grant. Re-granting the same triple is a no-op.
func (s *StateStore) AddGrant(ctx context.Context, rec storage.GrantRecord) error {
	grantedAt := rec.GrantedAt
	if grantedAt.IsZero() {
		grantedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO grants (object_ref, audience, ability, archive, granted_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(object_ref, audience, ability) DO NOTHING`,
		rec.ObjectRef, rec.Audience, rec.Ability, rec.Archive, grantedAt.UTC().Format(time.RFC3339))
	return err
}

// GetGrants returns every grant issued for an object.
func (s *StateStore) GetGrants(ctx context.Context, objectRef string) ([]storage.GrantRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT object_ref, audience, ability, archive, granted_at FROM grants WHERE object_ref = ? ORDER BY granted_at`,
		objectRef)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []storage.GrantRecord
	for rows.Next() {
		var rec storage.GrantRecord
		var grantedAt string
		if err := rows.Scan(&rec.ObjectRef, &rec.Audience, &rec.Ability, &rec.Archive, &grantedAt); err != nil {
			return nil, err
		}
		rec.GrantedAt, _ = time.Parse(time.RFC3339, grantedAt)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// AddAttestation indexes a certificate by target. Idempotent by cert ref.
func (s *StateStore) AddAttestation(ctx context.Context, rec storage.AttestationRecord) error {
	issuedAt := rec.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attestations (cert_ref, target_ref, signer, kind, issued_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(cert_ref) DO NOTHING`,
		rec.CertRef, rec.Target, rec.Signer, rec.Kind, issuedAt.UTC().Format(time.RFC3339))
	return err
}

// GetAttestationsByTarget returns every certificate indexed for a target object.
func (s *StateStore) GetAttestationsByTarget(ctx context.Context, targetRef string) ([]storage.AttestationRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cert_ref, target_ref, signer, kind, issued_at FROM attestations WHERE target_ref = ? ORDER BY issued_at`,
		targetRef)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []storage.AttestationRecord
	for rows.Next() {
		var rec storage.AttestationRecord
		var issuedAt string
		if err := rows.Scan(&rec.CertRef, &rec.Target, &rec.Signer, &rec.Kind, &issuedAt); err != nil {
			return nil, err
		}
		rec.IssuedAt, _ = time.Parse(time.RFC3339, issuedAt)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// AppendChannelEntry persists one channel log entry at its index.
// The primary key rejects a second write at the same index.
func (s *StateStore) AppendChannelEntry(ctx context.Context, entry storage.ChannelEntry) error {
	appendedAt := entry.AppendedAt
	if appendedAt.IsZero() {
		appendedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channel_entries (channel_ref, idx, leaf_hash, data, appended_at) VALUES (?, ?, ?, ?, ?)`,
		entry.ChannelRef, int64(entry.Index), entry.LeafHash, entry.Data, appendedAt.UTC().Format(time.RFC3339))
	return err
}

// GetChannelEntries returns entries for a channel ordered by index.
func (s *StateStore) GetChannelEntries(ctx context.Context, channelRef string, offset, limit int64) ([]storage.ChannelEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel_ref, idx, leaf_hash, data, appended_at FROM channel_entries
		 WHERE channel_ref = ? AND idx >= ? ORDER BY idx LIMIT ?`,
		channelRef, offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []storage.ChannelEntry
	for rows.Next() {
		var entry storage.ChannelEntry
		var idx int64
		var appendedAt string
		if err := rows.Scan(&entry.ChannelRef, &idx, &entry.LeafHash, &entry.Data, &appendedAt); err != nil {
			return nil, err
		}
		entry.Index = uint64(idx)
		entry.AppendedAt, _ = time.Parse(time.RFC3339, appendedAt)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// GetChannelLeafHashes returns all leaf hashes for a channel in index
// order, for rebuilding the Merkle range on open.
func (s *StateStore) GetChannelLeafHashes(ctx context.Context, channelRef string) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT leaf_hash FROM channel_entries WHERE channel_ref = ? ORDER BY idx`,
		channelRef)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hashes [][]byte
	for rows.Next() {
		var h []byte
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}
