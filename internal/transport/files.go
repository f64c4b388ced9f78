package transport

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// fileStore keeps files received via /file/upload, keyed by generated
// file id, and serves them back for /file/download.
type fileStore struct {
	dir string
}

func newFileStore(dir string) (*fileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create file dir: %w", err)
	}
	return &fileStore{dir: dir}, nil
}

// Save streams r to disk under a fresh file id, hashing the content as it
// goes. The hash returned is what the uploader compares against.
func (fs *fileStore) Save(r io.Reader) (fileID, hash string, size int64, err error) {
	fileID = uuid.NewString()
	path := filepath.Join(fs.dir, fileID)

	f, err := os.Create(path)
	if err != nil {
		return "", "", 0, fmt.Errorf("create file: %w", err)
	}

	h := sha256.New()
	size, err = io.Copy(f, io.TeeReader(r, h))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return "", "", 0, fmt.Errorf("store file: %w", err)
	}

	return fileID, hex.EncodeToString(h.Sum(nil)), size, nil
}

// Open returns a reader for a stored file. File ids never contain path
// separators, so anything that does is treated as unknown.
func (fs *fileStore) Open(fileID string) (*os.File, error) {
	if fileID == "" || filepath.Base(fileID) != fileID {
		return nil, os.ErrNotExist
	}
	return os.Open(filepath.Join(fs.dir, fileID))
}

// HashFile computes the SHA-256 digest of a file on disk.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
