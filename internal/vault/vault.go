// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package vault is the file-backed KeyVault implementation: a master key
// derived from a passphrase, domain-separated subkeys, AES-256-GCM wrapped
// per-document keys, and Shamir split/combine for recovery shards.
//
// Key material is zeroised on Close and never logged.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// KeySize is the master and document key size in bytes.
	KeySize = 32
	// SaltSize is the PBKDF2 salt size.
	SaltSize = 16
	// Iterations is the PBKDF2 work factor.
	Iterations = 600_000

	saltFilename = "vault_salt"
	keysFilename = "document_keys.json"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrLocked is returned when the vault has been closed.
	ErrLocked = errors.New("vault is locked")
	// ErrBadShards is returned when shards cannot reconstruct a key.
	ErrBadShards = errors.New("invalid or insufficient shards")
)

// =============================================================================
// VAULT
// =============================================================================

// wrappedKey is one document key sealed under the wrap subkey.
type wrappedKey struct {
	Nonce string `json:"nonce"`
	CT    string `json:"ct"`
}

// Vault is the on-disk key store.
type Vault struct {
	mu     sync.Mutex
	dir    string
	master []byte
	keys   map[string]wrappedKey
	closed bool
}

// Open derives the master key from the passphrase and loads the wrapped
// document keys. The salt is created on first open.
func Open(dir, passphrase string) (*Vault, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("vault dir: %w", err)
	}
	saltPath := filepath.Join(dir, saltFilename)
	salt, err := os.ReadFile(saltPath)
	if os.IsNotExist(err) {
		salt = make([]byte, SaltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, err
		}
		if err := os.WriteFile(saltPath, salt, 0o600); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	v := &Vault{
		dir:    dir,
		master: pbkdf2.Key([]byte(passphrase), salt, Iterations, KeySize, sha256.New),
		keys:   make(map[string]wrappedKey),
	}

	data, err := os.ReadFile(filepath.Join(dir, keysFilename))
	if err == nil {
		if err := json.Unmarshal(data, &v.keys); err != nil {
			v.Close()
			return nil, fmt.Errorf("parse document keys: %w", err)
		}
	} else if !os.IsNotExist(err) {
		v.Close()
		return nil, err
	}
	return v, nil
}

// Close zeroises the master key. Subsequent operations fail with ErrLocked.
func (v *Vault) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.master {
		v.master[i] = 0
	}
	v.closed = true
}

// DeriveSubkey derives a purpose-bound key via HMAC over a domain label.
// The label namespaces uses: "session-log", "document-wrap", ...
func (v *Vault) DeriveSubkey(domain string) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil, ErrLocked
	}
	mac := hmac.New(sha256.New, v.master)
	mac.Write([]byte("sovereign/subkey/" + domain))
	return mac.Sum(nil), nil
}

// UnwrapDocumentKey returns the content key for a document, minting and
// persisting one on first use.
func (v *Vault) UnwrapDocumentKey(docID string) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil, ErrLocked
	}
	wrap, err := v.wrapKeyLocked()
	if err != nil {
		return nil, err
	}
	if sealed, ok := v.keys[docID]; ok {
		return unseal(wrap, sealed)
	}
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	sealed, err := seal(wrap, key)
	if err != nil {
		return nil, err
	}
	v.keys[docID] = sealed
	if err := v.saveLocked(); err != nil {
		return nil, err
	}
	return key, nil
}

// RotateDocumentKey replaces a document's content key. Re-encryption of the
// document body is the store's concern.
func (v *Vault) RotateDocumentKey(docID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrLocked
	}
	wrap, err := v.wrapKeyLocked()
	if err != nil {
		return err
	}
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return err
	}
	sealed, err := seal(wrap, key)
	if err != nil {
		return err
	}
	v.keys[docID] = sealed
	return v.saveLocked()
}

// SplitMasterKey produces total shards, any threshold of which reconstruct
// the master key.
func (v *Vault) SplitMasterKey(threshold, total int) ([][]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil, ErrLocked
	}
	return shamirSplit(v.master, threshold, total)
}

// CombineMasterKey reconstructs a master key from shards.
func (v *Vault) CombineMasterKey(shards [][]byte) ([]byte, error) {
	return shamirCombine(shards)
}

// wrapKeyLocked derives the document-wrap subkey.
func (v *Vault) wrapKeyLocked() ([]byte, error) {
	mac := hmac.New(sha256.New, v.master)
	mac.Write([]byte("sovereign/subkey/document-wrap"))
	return mac.Sum(nil), nil
}

// saveLocked persists the wrapped keys atomically.
func (v *Vault) saveLocked() error {
	data, err := json.MarshalIndent(v.keys, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(v.dir, keysFilename+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(v.dir, keysFilename))
}

// =============================================================================
// AEAD HELPERS
// =============================================================================

func seal(key, plaintext []byte) (wrappedKey, error) {
	aead, err := newGCM(key)
	if err != nil {
		return wrappedKey{}, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return wrappedKey{}, err
	}
	ct := aead.Seal(nil, nonce, plaintext, nil)
	return wrappedKey{
		Nonce: base64.StdEncoding.EncodeToString(nonce),
		CT:    base64.StdEncoding.EncodeToString(ct),
	}, nil
}

func unseal(key []byte, sealed wrappedKey) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce, err := base64.StdEncoding.DecodeString(sealed.Nonce)
	if err != nil {
		return nil, err
	}
	ct, err := base64.StdEncoding.DecodeString(sealed.CT)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ct, nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
