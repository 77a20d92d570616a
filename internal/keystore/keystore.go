// Package keystore derives an encryption key from a passphrase and seals
// opaque blobs with AES-256-GCM. Only a salted verifier is persisted; the
// encryption key lives in memory while the keystore is unlocked.
package keystore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// DefaultIterations is the PBKDF2 iteration count used when none is given.
const DefaultIterations = 100000

const (
	saltSize = 16
	keySize  = 32

	infoVerifier   = "kura keystore verifier v1"
	infoEncryption = "kura keystore encryption v1"
)

var (
	ErrLocked          = errors.New("keystore: locked")
	ErrWrongPassphrase = errors.New("keystore: wrong passphrase")
	ErrNotInitialized  = errors.New("keystore: not initialized")
	ErrAlreadyExists   = errors.New("keystore: already initialized")
	ErrDisabled        = errors.New("keystore: disabled")
	ErrCiphertext      = errors.New("keystore: malformed ciphertext")
)

// Entry is the persisted record for one database. PassphraseHash is the HKDF
// verifier, never the key itself.
type Entry struct {
	DBName         string    `json:"db_name"`
	Salt           []byte    `json:"salt"`
	PassphraseHash []byte    `json:"passphrase_hash"`
	Iterations     int       `json:"iterations"`
	Enabled        bool      `json:"enabled"`
	CreatedAt      time.Time `json:"created_at"`
	LastUsedAt     time.Time `json:"last_used_at"`
}

// Keystore manages the passphrase lifecycle for databases whose entries live
// in an EntryStore. At most one database key is held at a time.
type Keystore struct {
	store  EntryStore
	logger *zap.Logger

	mu     sync.RWMutex
	dbName string
	key    []byte
	aead   cipher.AEAD
}

// Option configures a Keystore.
type Option func(*Keystore)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(k *Keystore) {
		if l != nil {
			k.logger = l
		}
	}
}

// New returns a locked keystore over store.
func New(store EntryStore, opts ...Option) *Keystore {
	k := &Keystore{store: store, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

func derive(passphrase string, salt []byte, iterations int) (verifier, encKey []byte, err error) {
	master := pbkdf2.Key([]byte(passphrase), salt, iterations, keySize, sha256.New)
	verifier = make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, salt, []byte(infoVerifier)), verifier); err != nil {
		return nil, nil, err
	}
	encKey = make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, salt, []byte(infoEncryption)), encKey); err != nil {
		return nil, nil, err
	}
	return verifier, encKey, nil
}

func newEntry(dbName, passphrase string, iterations int, now time.Time) (*Entry, []byte, error) {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, err
	}
	verifier, encKey, err := derive(passphrase, salt, iterations)
	if err != nil {
		return nil, nil, err
	}
	return &Entry{
		DBName:         dbName,
		Salt:           salt,
		PassphraseHash: verifier,
		Iterations:     iterations,
		Enabled:        true,
		CreatedAt:      now,
		LastUsedAt:     now,
	}, encKey, nil
}

// Initialize creates the entry for dbName. It fails with ErrAlreadyExists if
// one is already stored. The keystore is left unlocked for dbName.
func (k *Keystore) Initialize(ctx context.Context, dbName, passphrase string, iterations int) error {
	if dbName == "" || passphrase == "" {
		return fmt.Errorf("keystore: database name and passphrase are required")
	}
	if _, err := k.store.Get(ctx, dbName); err == nil {
		return ErrAlreadyExists
	} else if !errors.Is(err, ErrNotInitialized) {
		return err
	}
	entry, encKey, err := newEntry(dbName, passphrase, iterations, time.Now().UTC())
	if err != nil {
		return err
	}
	if err := k.store.Put(ctx, entry); err != nil {
		return err
	}
	k.logger.Info("Keystore initialized", zap.String("db", dbName), zap.Int("iterations", entry.Iterations))
	return k.setKey(dbName, encKey)
}

// verify returns the encryption key when passphrase matches entry.
func verify(entry *Entry, passphrase string) ([]byte, bool, error) {
	verifier, encKey, err := derive(passphrase, entry.Salt, entry.Iterations)
	if err != nil {
		return nil, false, err
	}
	if subtle.ConstantTimeCompare(verifier, entry.PassphraseHash) != 1 {
		return nil, false, nil
	}
	return encKey, true, nil
}

func (k *Keystore) load(ctx context.Context, dbName string) (*Entry, error) {
	entry, err := k.store.Get(ctx, dbName)
	if err != nil {
		return nil, err
	}
	if !entry.Enabled {
		return nil, ErrDisabled
	}
	return entry, nil
}

// Unlock derives the key for dbName. A wrong passphrase returns false with a
// nil error and leaves the current state untouched.
func (k *Keystore) Unlock(ctx context.Context, dbName, passphrase string) (bool, error) {
	entry, err := k.load(ctx, dbName)
	if err != nil {
		return false, err
	}
	encKey, ok, err := verify(entry, passphrase)
	if err != nil || !ok {
		if !ok && err == nil {
			k.logger.Warn("Keystore unlock rejected", zap.String("db", dbName))
		}
		return false, err
	}
	if err := k.setKey(dbName, encKey); err != nil {
		return false, err
	}
	entry.LastUsedAt = time.Now().UTC()
	if err := k.store.Put(ctx, entry); err != nil {
		k.logger.Warn("Failed to record keystore use", zap.String("db", dbName), zap.Error(err))
	}
	return true, nil
}

func (k *Keystore) setKey(dbName string, encKey []byte) error {
	block, err := aes.NewCipher(encKey)
	if err != nil {
		return err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.wipeLocked()
	k.dbName = dbName
	k.key = encKey
	k.aead = aead
	return nil
}

func (k *Keystore) wipeLocked() {
	for i := range k.key {
		k.key[i] = 0
	}
	k.key = nil
	k.aead = nil
	k.dbName = ""
}

// Lock drops the in-memory key.
func (k *Keystore) Lock() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.wipeLocked()
}

// IsUnlocked reports whether a key is held.
func (k *Keystore) IsUnlocked() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.aead != nil
}

// UnlockedFor returns the database name whose key is held, or "".
func (k *Keystore) UnlockedFor() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.dbName
}

// ChangePassphrase re-salts dbName under newPassphrase. Data sealed under the
// old key must be re-sealed by the caller; if the keystore held the old key
// it now holds the new one.
func (k *Keystore) ChangePassphrase(ctx context.Context, dbName, oldPassphrase, newPassphrase string) error {
	if newPassphrase == "" {
		return fmt.Errorf("keystore: new passphrase is required")
	}
	entry, err := k.load(ctx, dbName)
	if err != nil {
		return err
	}
	if _, ok, err := verify(entry, oldPassphrase); err != nil {
		return err
	} else if !ok {
		return ErrWrongPassphrase
	}
	next, encKey, err := newEntry(dbName, newPassphrase, entry.Iterations, time.Now().UTC())
	if err != nil {
		return err
	}
	next.CreatedAt = entry.CreatedAt
	if err := k.store.Put(ctx, next); err != nil {
		return err
	}
	if k.UnlockedFor() == dbName {
		return k.setKey(dbName, encKey)
	}
	return nil
}

// Disable marks the entry disabled after checking the passphrase and locks
// the keystore if it held dbName.
func (k *Keystore) Disable(ctx context.Context, dbName, passphrase string) error {
	entry, err := k.load(ctx, dbName)
	if err != nil {
		return err
	}
	if _, ok, err := verify(entry, passphrase); err != nil {
		return err
	} else if !ok {
		return ErrWrongPassphrase
	}
	entry.Enabled = false
	if err := k.store.Put(ctx, entry); err != nil {
		return err
	}
	if k.UnlockedFor() == dbName {
		k.Lock()
	}
	return nil
}

// Delete removes the entry for dbName. Data sealed under it becomes unreadable.
func (k *Keystore) Delete(ctx context.Context, dbName string) error {
	if err := k.store.Delete(ctx, dbName); err != nil {
		return err
	}
	if k.UnlockedFor() == dbName {
		k.Lock()
	}
	return nil
}

// Seal encrypts plain as nonce || ciphertext.
func (k *Keystore) Seal(plain []byte) ([]byte, error) {
	k.mu.RLock()
	aead := k.aead
	k.mu.RUnlock()
	if aead == nil {
		return nil, ErrLocked
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plain, nil), nil
}

// Open decrypts data produced by Seal.
func (k *Keystore) Open(sealed []byte) ([]byte, error) {
	k.mu.RLock()
	aead := k.aead
	k.mu.RUnlock()
	if aead == nil {
		return nil, ErrLocked
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrCiphertext
	}
	nonce, body := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCiphertext, err)
	}
	return plain, nil
}
