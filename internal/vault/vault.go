// Package vault stores and retrieves the agent's small set of persisted
// secrets (API key, backend URL override, serialized folder-sync config)
// in the host's native credential store.
package vault

import (
	"errors"
	"fmt"
	"log"

	"github.com/zalando/go-keyring"
)

const service = "docflow-scanner-bridge"

// Well-known keys stored under the service namespace.
const (
	KeyAPIKey           = "api_key"
	KeyDocflowURL       = "docflow_url"
	KeyFolderSyncConfig = "folder_sync_config"
)

// ErrNotFound names the absent-key condition. Get does not return it: an
// absent key is reported through Get's boolean result with a nil error.
var ErrNotFound = errors.New("vault: key not found")

// Vault is the narrow put/get/delete contract the rest of the agent depends
// on. Implementations back onto whatever native credential store the host
// OS provides.
type Vault interface {
	Put(key, value string) error
	Get(key string) (string, bool, error)
	Delete(key string) error
}

// KeyringVault backs the Vault interface with the OS credential store
// (Keychain on macOS, Secret Service on Linux, Credential Manager on
// Windows) via zalando/go-keyring.
type KeyringVault struct{}

// New returns a Vault backed by the host OS credential store.
func New() Vault {
	return &KeyringVault{}
}

// Put stores value under key. Failures are logged and returned; callers
// decide whether a failed write should abort the calling operation.
func (v *KeyringVault) Put(key, value string) error {
	if err := keyring.Set(service, key, value); err != nil {
		log.Printf("[vault] failed to store %q: %v", key, err)
		return fmt.Errorf("vault: put %q: %w", key, err)
	}
	return nil
}

// Get retrieves the value stored under key. The second return value
// reports whether the key exists; an absent key is not an error.
func (v *KeyringVault) Get(key string) (string, bool, error) {
	value, err := keyring.Get(service, key)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", false, nil
		}
		log.Printf("[vault] failed to read %q: %v", key, err)
		return "", false, fmt.Errorf("vault: get %q: %w", key, err)
	}
	return value, true, nil
}

// Delete removes the value stored under key. Deleting an absent key is not
// an error — it is treated as already-achieved.
func (v *KeyringVault) Delete(key string) error {
	if err := keyring.Delete(service, key); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil
		}
		log.Printf("[vault] failed to delete %q: %v", key, err)
		return fmt.Errorf("vault: delete %q: %w", key, err)
	}
	return nil
}

// ClearAll removes every well-known key. Used by disconnect to return the
// agent to an unpaired state. Best-effort: it logs and continues past
// individual failures rather than aborting partway through.
func ClearAll(v Vault) {
	for _, key := range []string{KeyAPIKey, KeyDocflowURL, KeyFolderSyncConfig} {
		if err := v.Delete(key); err != nil {
			log.Printf("[vault] clear: %v", err)
		}
	}
}
