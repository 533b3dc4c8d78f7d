package recovery

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/pbkdf2"
)

// ErrStale indicates a persisted snapshot is older than the staleness
// window and must not be auto-recovered.
var ErrStale = errors.New("persisted session state is stale")

// ErrNoSnapshot indicates no snapshot has been persisted.
var ErrNoSnapshot = errors.New("no persisted session state")

// StalenessWindow is how old a snapshot may be and still trigger
// automatic recovery on process start.
const StalenessWindow = 30 * time.Minute

// Snapshot is the typed, best-effort persisted session state. The TTL
// check happens at load time against Heartbeat; callers never inspect
// untyped storage directly.
type Snapshot struct {
	ChannelID     string    `json:"channelId"`
	UserID        string    `json:"userId"`
	Muted         bool      `json:"muted"`
	Deafened      bool      `json:"deafened"`
	VideoEnabled  bool      `json:"videoEnabled"`
	ScreenSharing bool      `json:"screenSharing"`
	Participants  []string  `json:"participants"`
	Heartbeat     time.Time `json:"heartbeat"`
}

// SnapshotStore persists session state across process restarts. All
// operations are best effort: failures are logged by callers, never
// fatal to the session.
type SnapshotStore interface {
	// Save persists the snapshot, stamping its heartbeat.
	Save(snap Snapshot) error
	// Load returns the persisted snapshot. Returns ErrNoSnapshot when
	// nothing is stored and ErrStale when the snapshot is older than
	// the staleness window.
	Load() (Snapshot, error)
	// Clear removes persisted state. Called on explicit leave.
	Clear() error
}

const (
	saltSize    = 16
	nonceSize   = 24
	pbkdf2Iters = 4096
)

// FileStore is a SnapshotStore backed by one encrypted file.
//
// Snapshots carry channel membership and a participant roster, so they
// are sealed at rest: a key derived from the caller's passphrase via
// PBKDF2 encrypts the JSON payload with NaCl secretbox. File layout is
// salt || nonce || box.
type FileStore struct {
	path       string
	passphrase []byte
	now        func() time.Time
}

// NewFileStore creates a snapshot store at path, keyed by passphrase.
// The passphrase is typically derived from the local user identity; it
// guards the cached roster, not the session itself.
func NewFileStore(path string, passphrase []byte) *FileStore {
	return &FileStore{
		path:       path,
		passphrase: append([]byte(nil), passphrase...),
		now:        time.Now,
	}
}

// SetNowFunc injects a clock for deterministic tests.
func (s *FileStore) SetNowFunc(now func() time.Time) {
	s.now = now
}

// Save implements SnapshotStore.
func (s *FileStore) Save(snap Snapshot) error {
	snap.Heartbeat = s.now()

	plain, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	var salt [saltSize]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	key := s.deriveKey(salt[:])
	sealed := secretbox.Seal(nil, plain, &nonce, &key)

	out := make([]byte, 0, saltSize+nonceSize+len(sealed))
	out = append(out, salt[:]...)
	out = append(out, nonce[:]...)
	out = append(out, sealed...)

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	if err := os.WriteFile(s.path, out, 0o600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "FileStore.Save",
		"channel":  snap.ChannelID,
	}).Debug("Session snapshot persisted")
	return nil
}

// Load implements SnapshotStore.
func (s *FileStore) Load() (Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, ErrNoSnapshot
		}
		return Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	if len(data) < saltSize+nonceSize+secretbox.Overhead {
		return Snapshot{}, errors.New("snapshot file truncated")
	}

	var salt [saltSize]byte
	copy(salt[:], data[:saltSize])
	var nonce [nonceSize]byte
	copy(nonce[:], data[saltSize:saltSize+nonceSize])

	key := s.deriveKey(salt[:])
	plain, ok := secretbox.Open(nil, data[saltSize+nonceSize:], &nonce, &key)
	if !ok {
		return Snapshot{}, errors.New("snapshot decryption failed")
	}

	var snap Snapshot
	if err := json.Unmarshal(plain, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	if s.now().Sub(snap.Heartbeat) > StalenessWindow {
		logrus.WithFields(logrus.Fields{
			"function":  "FileStore.Load",
			"heartbeat": snap.Heartbeat,
		}).Info("Persisted session state is stale, ignoring")
		return Snapshot{}, ErrStale
	}
	return snap, nil
}

// Clear implements SnapshotStore.
func (s *FileStore) Clear() error {
	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	return nil
}

func (s *FileStore) deriveKey(salt []byte) [32]byte {
	var key [32]byte
	copy(key[:], pbkdf2.Key(s.passphrase, salt, pbkdf2Iters, 32, sha256.New))
	return key
}
