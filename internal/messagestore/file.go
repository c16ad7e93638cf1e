package messagestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/life-stream-dev/life-stream-go-chatroom/internal/crypto"
)

// KeyPurpose is the HKDF label of the snapshot key derived from the master key.
const KeyPurpose = "message-log"

var ErrCorruptSnapshot = errors.New("message snapshot cannot be decrypted or decoded")

// File is the encrypted durable copy of a Snapshot. Every Save overwrites the
// whole mapping.
type File struct {
	path string
	key  []byte
}

func NewFile(path string, key []byte) (*File, error) {
	if len(key) != crypto.KeySize {
		return nil, crypto.ErrInvalidKeyLength
	}
	return &File{path: path, key: key}, nil
}

func (f *File) Path() string {
	return f.path
}

// Load returns an empty snapshot when the file does not exist.
func (f *File) Load() (Snapshot, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read message snapshot: %w", err)
	}
	plain, err := crypto.DecryptAESGCM(f.key, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	snapshot := Snapshot{}
	if err := json.Unmarshal(plain, &snapshot); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	return snapshot, nil
}

func (f *File) Save(s Snapshot) error {
	if s == nil {
		s = Snapshot{}
	}
	plain, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode message snapshot: %w", err)
	}
	sealed, err := crypto.EncryptAESGCM(f.key, plain)
	if err != nil {
		return fmt.Errorf("encrypt message snapshot: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temporary snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(sealed); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temporary snapshot: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temporary snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temporary snapshot: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("replace message snapshot: %w", err)
	}
	return nil
}
