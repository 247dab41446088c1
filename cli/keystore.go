package cli

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ProtonDriveApps/sdk-sub001/api"
	"github.com/ProtonDriveApps/sdk-sub001/blockcrypto"
)

// Keystore is a file-backed key provider for the CLI. Keys generated
// for a new file are held pending until Bind associates them with the
// node UID the server assigned; downloads look keys up by node UID.
//
// This is development tooling. A real deployment derives node keys
// from the user's key hierarchy instead of storing them on disk.
type Keystore struct {
	path string

	mu      sync.Mutex
	entries map[string]keystoreEntry
	pending *keystoreEntry
}

type keystoreEntry struct {
	NodeKey          []byte `json:"nodeKey"`
	ContentKey       []byte `json:"contentKey"`
	SigningKey       []byte `json:"signingKey"`
	AddressID        string `json:"addressId"`
	SignatureAddress string `json:"signatureAddress"`
}

// OpenKeystore loads the keystore at path, creating an empty one if
// the file does not exist.
func OpenKeystore(path string) (*Keystore, error) {
	ks := &Keystore{path: path, entries: make(map[string]keystoreEntry)}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return ks, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read keystore: %w", err)
	}
	if err := json.Unmarshal(data, &ks.entries); err != nil {
		return nil, fmt.Errorf("keystore %s is corrupt: %w", path, err)
	}
	return ks, nil
}

// FileKeys returns the stored keys of a known node.
func (ks *Keystore) FileKeys(ctx context.Context, nodeUID string) (api.NodeKeys, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	entry, ok := ks.entries[nodeUID]
	if !ok {
		return api.NodeKeys{}, fmt.Errorf("no keys for node %s in keystore", nodeUID)
	}
	return entry.nodeKeys(), nil
}

// NewFileKeys generates keys for a file about to be created. The keys
// stay pending until Bind is called with the created node's UID.
func (ks *Keystore) NewFileKeys(ctx context.Context, parentUID string) (api.NodeKeys, error) {
	contentKey, err := blockcrypto.GenerateSessionKey()
	if err != nil {
		return api.NodeKeys{}, err
	}
	nodeKey, err := blockcrypto.GenerateSessionKey()
	if err != nil {
		return api.NodeKeys{}, err
	}
	signingKey, err := blockcrypto.GenerateSigningKey()
	if err != nil {
		return api.NodeKeys{}, err
	}
	entry := keystoreEntry{
		NodeKey:          nodeKey,
		ContentKey:       contentKey,
		SigningKey:       signingKey,
		AddressID:        "local",
		SignatureAddress: "drive-transfer@localhost",
	}
	ks.mu.Lock()
	ks.pending = &entry
	ks.mu.Unlock()
	return entry.nodeKeys(), nil
}

// Bind persists the pending keys under the node UID the server
// assigned.
func (ks *Keystore) Bind(nodeUID string) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.pending == nil {
		return fmt.Errorf("no pending keys to bind to %s", nodeUID)
	}
	ks.entries[nodeUID] = *ks.pending
	ks.pending = nil
	return ks.save()
}

func (ks *Keystore) save() error {
	data, err := json.MarshalIndent(ks.entries, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(ks.path), 0o700); err != nil {
		return fmt.Errorf("failed to create keystore directory: %w", err)
	}
	if err := os.WriteFile(ks.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write keystore: %w", err)
	}
	return nil
}

func (e keystoreEntry) nodeKeys() api.NodeKeys {
	return api.NodeKeys{
		NodeKey:          blockcrypto.SessionKey(e.NodeKey),
		ContentKey:       blockcrypto.SessionKey(e.ContentKey),
		SigningKey:       ed25519.PrivateKey(e.SigningKey),
		AddressID:        e.AddressID,
		SignatureAddress: e.SignatureAddress,
	}
}
