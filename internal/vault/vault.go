// Package vault implements the encrypted token store (C1): a password-
// derived AES-256-GCM envelope around per-provider secrets, with a
// lock/unlock lifecycle and portable encrypted export/import.
//
// The encryption shape (Argon2id KDF, nonce-prepended AEAD) follows the
// teacher's internal/crypto convention; the KDF parameters, fixed salts,
// and lock/unlock state machine follow the original secrets vault this
// engine's data model was distilled from.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/kestrelci/pipeforge/internal/domain"
	"github.com/rakunlabs/logi"
	"golang.org/x/crypto/argon2"
)

const (
	argonMemoryKiB  = 65536
	argonIterations = 3
	argonThreads    = 1
	argonKeyLen     = 32
	nonceSize       = 12
)

// saltVault and saltBackup are fixed, not secret: Argon2id's security
// rests on the password, and a fixed salt lets every instance of this
// engine derive the same key from the same password without storing the
// salt anywhere. They are exactly 32 bytes, derived by hashing a label so
// the byte values aren't a hand-typed magic constant.
var (
	saltVault  = sha256.Sum256([]byte("pipeforge-vault-salt-v1"))
	saltBackup = sha256.Sum256([]byte("pipeforge-backup-salt-v1"))
)

// Record is the persisted shape of one encrypted token: a random nonce
// and the AES-256-GCM sealed secret (tag included, per the AEAD contract).
type Record struct {
	ProviderID int64
	Nonce      []byte
	Ciphertext []byte
}

// RecordStore is the minimal persistence surface the vault needs. A
// config store backend (postgres/sqlite/memory) implements this over
// whatever column layout it uses for encrypted secrets.
type RecordStore interface {
	ListRecords(ctx context.Context) ([]Record, error)
	PutRecord(ctx context.Context, r Record) error
	DeleteRecord(ctx context.Context, providerID int64) error
}

// state is the vault's lock-state machine (spec §4.1).
type state int

const (
	stateLocked state = iota
	stateUnlocked
)

// Vault is the encrypted token store. Zero value is not usable; build one
// with New.
type Vault struct {
	store RecordStore

	mu    sync.RWMutex
	state state
	key   []byte // 32-byte AES-256 key, present only while Unlocked
	cache map[int64]string

	fallback Store // optional secondary store, see Fallback
}

// Store is the subset of Vault's behavior a fallback (e.g. an OS keyring
// wrapper) must provide to back a composite vault.
type Store interface {
	Get(ctx context.Context, providerID int64) (string, error)
}

// New constructs a locked vault. Call Unlock before any put/get/list/export.
func New(store RecordStore) *Vault {
	return &Vault{store: store, state: stateLocked}
}

// WithFallback attaches a secondary read-through store (§4.1 "Fallback
// store"). get tries the primary first, falls back to secondary on miss,
// and migrates the value into the primary on a fallback hit. put/delete
// never touch the fallback.
func (v *Vault) WithFallback(fallback Store) *Vault {
	v.fallback = fallback
	return v
}

func deriveKey(password string, salt [32]byte) []byte {
	return argon2.IDKey([]byte(password), salt[:], argonIterations, argonMemoryKiB, argonThreads, argonKeyLen)
}

// Unlock attempts to transition Locked → Unlocked. It succeeds iff at
// least one stored record decrypts under the password-derived key; with
// zero stored records it also succeeds (nothing to contradict the
// password). On failure the vault remains Locked.
func (v *Vault) Unlock(ctx context.Context, password string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	key := deriveKey(password, saltVault)

	records, err := v.store.ListRecords(ctx)
	if err != nil {
		return domain.NewError(domain.KindDatabaseError, "list vault records", err)
	}

	cache := make(map[int64]string, len(records))
	anyOK := false
	var firstErr error
	for _, r := range records {
		plaintext, err := open(key, r.Nonce, r.Ciphertext)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		anyOK = true
		cache[r.ProviderID] = plaintext
	}

	if len(records) > 0 && !anyOK {
		return domain.NewError(domain.KindAuthenticationFailed, "wrong vault password", firstErr)
	}

	v.key = key
	v.cache = cache
	v.state = stateUnlocked
	logi.Ctx(ctx).Info("vault unlocked", "records", len(records), "decrypted", len(cache))
	return nil
}

// Lock discards the in-memory key and decrypted cache. Best-effort
// zeroization: Go can't guarantee the backing memory is scrubbed, but we
// overwrite it before dropping the reference.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.key {
		v.key[i] = 0
	}
	v.key = nil
	v.cache = nil
	v.state = stateLocked
}

// IsLocked reports the current lock state.
func (v *Vault) IsLocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state == stateLocked
}

// Warmup pre-decrypts every stored record into the cache. It reuses the
// already-derived key, so it is cheap relative to Unlock (no KDF work).
func (v *Vault) Warmup(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state == stateLocked {
		return domain.NewError(domain.KindInternal, "warmup requires an unlocked vault", nil)
	}

	records, err := v.store.ListRecords(ctx)
	if err != nil {
		return domain.NewError(domain.KindDatabaseError, "list vault records", err)
	}

	cache := make(map[int64]string, len(records))
	for _, r := range records {
		plaintext, err := open(v.key, r.Nonce, r.Ciphertext)
		if err != nil {
			logi.Ctx(ctx).Warn("vault warmup: record failed to decrypt", "provider_id", r.ProviderID, "error", err)
			continue
		}
		cache[r.ProviderID] = plaintext
	}
	v.cache = cache
	return nil
}

// Put seals secret under the vault key and persists it, refreshing the
// in-memory cache entry.
func (v *Vault) Put(ctx context.Context, providerID int64, secret string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state == stateLocked {
		return domain.NewError(domain.KindInternal, "vault is locked", nil)
	}

	nonce, ciphertext, err := seal(v.key, secret)
	if err != nil {
		return domain.NewError(domain.KindInternal, "seal secret", err)
	}

	if err := v.store.PutRecord(ctx, Record{ProviderID: providerID, Nonce: nonce, Ciphertext: ciphertext}); err != nil {
		return domain.NewError(domain.KindDatabaseError, "persist vault record", err)
	}

	v.cache[providerID] = secret
	return nil
}

// Get returns the plaintext secret for providerID, consulting the cache
// first, then the primary store, then (on miss) the fallback store —
// migrating a fallback hit into the primary.
func (v *Vault) Get(ctx context.Context, providerID int64) (string, error) {
	v.mu.RLock()
	if v.state == stateLocked {
		v.mu.RUnlock()
		return "", domain.NewError(domain.KindInternal, "vault is locked", nil)
	}
	if secret, ok := v.cache[providerID]; ok {
		v.mu.RUnlock()
		return secret, nil
	}
	key := v.key
	v.mu.RUnlock()

	records, err := v.store.ListRecords(ctx)
	if err != nil {
		return "", domain.NewError(domain.KindDatabaseError, "list vault records", err)
	}
	for _, r := range records {
		if r.ProviderID != providerID {
			continue
		}
		plaintext, err := open(key, r.Nonce, r.Ciphertext)
		if err != nil {
			return "", domain.NewError(domain.KindAuthenticationFailed, "record failed to decrypt", err)
		}
		v.mu.Lock()
		v.cache[providerID] = plaintext
		v.mu.Unlock()
		return plaintext, nil
	}

	if v.fallback != nil {
		secret, err := v.fallback.Get(ctx, providerID)
		if err == nil {
			_ = v.Put(ctx, providerID, secret) // migrate into primary, best-effort
			return secret, nil
		}
	}

	return "", domain.NewError(domain.KindProviderNotFound, fmt.Sprintf("no token for provider %d", providerID), nil)
}

// Delete removes the record and invalidates its cache entry.
func (v *Vault) Delete(ctx context.Context, providerID int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state == stateLocked {
		return domain.NewError(domain.KindInternal, "vault is locked", nil)
	}
	if err := v.store.DeleteRecord(ctx, providerID); err != nil {
		return domain.NewError(domain.KindDatabaseError, "delete vault record", err)
	}
	delete(v.cache, providerID)
	return nil
}

// List returns every decrypted secret, keyed by provider ID.
func (v *Vault) List(ctx context.Context) (map[int64]string, error) {
	v.mu.RLock()
	if v.state == stateLocked {
		v.mu.RUnlock()
		return nil, domain.NewError(domain.KindInternal, "vault is locked", nil)
	}
	if v.cache != nil {
		out := make(map[int64]string, len(v.cache))
		for k, val := range v.cache {
			out[k] = val
		}
		v.mu.RUnlock()
		return out, nil
	}
	v.mu.RUnlock()

	if err := v.Warmup(ctx); err != nil {
		return nil, err
	}
	return v.List(ctx)
}

// Export produces a portable encrypted blob: the current secret set,
// JSON-encoded and sealed under a key derived from backupPassword with
// the independent backup salt. Format: nonce(12) || ciphertext.
func (v *Vault) Export(ctx context.Context, backupPassword string) ([]byte, error) {
	secrets, err := v.List(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(secrets)
	if err != nil {
		return nil, domain.NewError(domain.KindInternal, "marshal export payload", err)
	}

	backupKey := deriveKey(backupPassword, saltBackup)
	nonce, ciphertext, err := seal(backupKey, string(payload))
	if err != nil {
		return nil, domain.NewError(domain.KindInternal, "seal export payload", err)
	}

	out := make([]byte, 0, len(nonce)+len(ciphertext))
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

// Import decrypts a blob produced by Export and stores every contained
// secret via Put. import/unlock/is_locked remain allowed while Locked,
// but import still needs a key to write through — callers must Unlock
// (with the vault's own password) before importing.
func (v *Vault) Import(ctx context.Context, data []byte, backupPassword string) error {
	if len(data) < nonceSize {
		return domain.NewError(domain.KindInvalidConfig, "import blob too short", nil)
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]

	backupKey := deriveKey(backupPassword, saltBackup)
	plaintext, err := open(backupKey, nonce, ciphertext)
	if err != nil {
		return domain.NewError(domain.KindAuthenticationFailed, "wrong backup password", err)
	}

	var secrets map[int64]string
	if err := json.Unmarshal([]byte(plaintext), &secrets); err != nil {
		return domain.NewError(domain.KindDataConsistency, "parse import payload", err)
	}

	for id, secret := range secrets {
		if err := v.Put(ctx, id, secret); err != nil {
			return err
		}
	}
	return nil
}

// Rotate re-derives the vault key from newPassword and re-encrypts every
// record under it. Every record is decrypted before any is rewritten, so
// a record that fails to decrypt aborts the rotation with nothing
// changed. The rewrites are then persisted one record at a time with no
// rollback: if a PutRecord fails, the records written before it are
// under the new key while the vault keeps the old one. Adapted from the teacher's
// Postgres.RotateEncryptionKey, generalized from a SQL-transaction
// rewrite to a read-all/reseal-all/write-all pass over RecordStore.
func (v *Vault) Rotate(ctx context.Context, newPassword string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state == stateLocked {
		return domain.NewError(domain.KindInternal, "vault is locked", nil)
	}

	records, err := v.store.ListRecords(ctx)
	if err != nil {
		return domain.NewError(domain.KindDatabaseError, "list vault records", err)
	}

	plaintexts := make(map[int64]string, len(records))
	for _, r := range records {
		plaintext, err := open(v.key, r.Nonce, r.Ciphertext)
		if err != nil {
			return domain.NewError(domain.KindAuthenticationFailed, "record failed to decrypt during rotation", err)
		}
		plaintexts[r.ProviderID] = plaintext
	}

	newKey := deriveKey(newPassword, saltVault)
	for id, secret := range plaintexts {
		nonce, ciphertext, err := seal(newKey, secret)
		if err != nil {
			return domain.NewError(domain.KindInternal, "reseal record during rotation", err)
		}
		if err := v.store.PutRecord(ctx, Record{ProviderID: id, Nonce: nonce, Ciphertext: ciphertext}); err != nil {
			return domain.NewError(domain.KindDatabaseError, "persist rotated record", err)
		}
	}

	v.SetKey(newKey)
	v.cache = plaintexts
	logi.Ctx(ctx).Info("vault key rotated", "records", len(records))
	return nil
}

// SetKey swaps the in-memory key without touching the persisted records
// or cache. Exposed for callers (e.g. the migration orchestrator) that
// re-derive the key out-of-band and need to hand it to an already-open
// vault; it does not re-encrypt anything, unlike Rotate.
func (v *Vault) SetKey(key []byte) {
	v.key = key
}

func seal(key []byte, plaintext string) (nonce, ciphertext []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("create gcm: %w", err)
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext = gcm.Seal(nil, nonce, []byte(plaintext), nil)
	return nonce, ciphertext, nil
}

func open(key, nonce, ciphertext []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}
	if len(nonce) != gcm.NonceSize() {
		return "", fmt.Errorf("invalid nonce length %d", len(nonce))
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}
