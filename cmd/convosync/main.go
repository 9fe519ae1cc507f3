package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	flatfs "github.com/ipfs/go-ds-flatfs"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/relves/convosync/internal/storage/sqlite"
	"github.com/relves/convosync/pkg/channellog"
	"github.com/relves/convosync/pkg/grants"
	"github.com/relves/convosync/pkg/membership"
	"github.com/relves/convosync/pkg/provision"
	"github.com/relves/convosync/pkg/reconcile"
	"github.com/relves/convosync/pkg/store"
	"github.com/relves/convosync/pkg/syncfilter"
	"github.com/relves/convosync/pkg/types"
)

type config struct {
	DataPath       string   `envconfig:"DATA_PATH" default:"./data"`
	LogLevel       string   `envconfig:"LOG_LEVEL" default:"info"`
	Port           string   `envconfig:"PORT" default:"8080"`
	PrivateKey     string   `envconfig:"CONVOSYNC_PRIVATE_KEY"`
	TopicCacheSize int      `envconfig:"TOPIC_CACHE_SIZE" default:"1024"`
	Contacts       []string `envconfig:"CONTACTS"`
}

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	priv, err := loadKey(cfg.PrivateKey)
	if err != nil {
		logger.Error("failed to load key", "error", err)
		os.Exit(1)
	}

	state, err := sqlite.OpenStateStore(cfg.DataPath)
	if err != nil {
		logger.Error("failed to open state store", "error", err)
		os.Exit(1)
	}
	defer state.Close()

	// Blocks live next to the state database so a restart sees the same
	// objects the persisted heads point at.
	blocksDS, err := flatfs.CreateOrOpen(filepath.Join(cfg.DataPath, "blocks"), flatfs.NextToLast(2), false)
	if err != nil {
		logger.Error("failed to open block datastore", "error", err)
		os.Exit(1)
	}
	defer blocksDS.Close()

	blocks := blockstore.NewBlockstore(blocksDS)
	client, err := store.NewBlockClient(store.Config{
		Blocks:     blocks,
		State:      state,
		PrivateKey: priv,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("failed to create store client", "error", err)
		os.Exit(1)
	}
	if err := addContacts(client, cfg.Contacts); err != nil {
		logger.Error("invalid CONTACTS", "error", err)
		os.Exit(1)
	}

	created, err := syncfilter.LoadCreatedSet(context.Background(), state)
	if err != nil {
		logger.Error("failed to load created-group set", "error", err)
		os.Exit(1)
	}
	cache, err := membership.NewTopicCache(cfg.TopicCacheSize)
	if err != nil {
		logger.Error("failed to create topic cache", "error", err)
		os.Exit(1)
	}

	members := membership.NewManager(client, cache, created, logger)
	computer := grants.NewComputer(client, state, logger)
	provisioner := provision.NewProvisioner(client, members, computer, state, nil, logger)
	channels := channellog.NewService(client, state, logger)
	filter := syncfilter.NewFilter(client, created, logger)
	reconciler := reconcile.NewReconciler(client, members, computer, state, created, logger)
	dispatcher := reconcile.NewDispatcher(logger)
	dispatcher.RegisterReconciler(reconciler)

	api := &api{
		provisioner: provisioner,
		channels:    channels,
		filter:      filter,
		dispatcher:  dispatcher,
		self:        client.SelfIdentity().DID,
		logger:      logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /topics/p2p", api.handleCreateP2P)
	mux.HandleFunc("POST /topics/group", api.handleCreateGroup)
	mux.HandleFunc("POST /topics/{topicID}/participants", api.handleAddParticipants)
	mux.HandleFunc("GET /topics/{topicID}/participants", api.handleGetParticipants)
	mux.HandleFunc("POST /channels/{channelRef}/entries", api.handleAppendEntry)
	mux.HandleFunc("GET /channels/{channelRef}/entries", api.handleGetEntries)
	mux.HandleFunc("GET /filter/outbound", api.handleFilterOutbound)
	mux.HandleFunc("POST /replication/arrival", api.handleArrival)

	self := client.SelfIdentity()
	fmt.Println("convosync startup")
	fmt.Println("=================")
	fmt.Printf("Self DID: %s\n", self.DID)
	fmt.Printf("Public Key (hex): %s\n", hex.EncodeToString(self.PublicKey))
	if cfg.PrivateKey != "" {
		fmt.Println("Key Source: CONVOSYNC_PRIVATE_KEY environment variable")
	} else {
		fmt.Println("Key Source: Ephemeral (generated on startup)")
	}
	fmt.Printf("Data Path: %s\n", cfg.DataPath)
	fmt.Printf("Known Contacts: %d\n", len(client.KnownContacts()))
	fmt.Println()
	fmt.Printf("  POST http://localhost:%s/topics/p2p\n", cfg.Port)
	fmt.Printf("  POST http://localhost:%s/topics/group\n", cfg.Port)
	fmt.Printf("  POST http://localhost:%s/topics/{topicID}/participants\n", cfg.Port)
	fmt.Printf("  GET  http://localhost:%s/topics/{topicID}/participants\n", cfg.Port)
	fmt.Printf("  POST http://localhost:%s/channels/{channelRef}/entries\n", cfg.Port)
	fmt.Printf("  GET  http://localhost:%s/channels/{channelRef}/entries\n", cfg.Port)
	fmt.Printf("  GET  http://localhost:%s/filter/outbound?ref=...&type=...\n", cfg.Port)
	fmt.Printf("  POST http://localhost:%s/replication/arrival\n", cfg.Port)

	if err := http.ListenAndServe(":"+cfg.Port, mux); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

// loadKey decodes a base64 ed25519 private key, or generates an
// ephemeral one when the variable is unset.
func loadKey(encoded string) (ed25519.PrivateKey, error) {
	if encoded == "" {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate key: %w", err)
		}
		return priv, nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode CONVOSYNC_PRIVATE_KEY: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("CONVOSYNC_PRIVATE_KEY must be %d bytes, got %d", ed25519.PrivateKeySize, len(raw))
	}
	return ed25519.PrivateKey(raw), nil
}

// addContacts parses CONTACTS entries of the form <did>=<hex public key>
// into the trusted contact directory.
func addContacts(client *store.BlockClient, entries []string) error {
	for _, entry := range entries {
		did, keyHex, ok := strings.Cut(entry, "=")
		if !ok {
			return fmt.Errorf("contact %q: want <did>=<hex public key>", entry)
		}
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			return fmt.Errorf("contact %q: %w", did, err)
		}
		if len(key) != ed25519.PublicKeySize {
			return fmt.Errorf("contact %q: public key must be %d bytes", did, ed25519.PublicKeySize)
		}
		client.AddContact(types.Identity{DID: did, PublicKey: key})
	}
	return nil
}
