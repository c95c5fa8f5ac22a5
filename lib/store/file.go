package store

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

// FileStore keeps one file per object under <dir>/<kind>/<key>. Files are
// written 0600 through a temporary file and rename, directories 0700.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, oops.Wrapf(err, "store: creating %s", dir)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the root directory.
func (f *FileStore) Dir() string { return f.dir }

func (f *FileStore) path(kind Kind, key Key) string {
	return filepath.Join(f.dir, kind.String(), key.String())
}

func (f *FileStore) Get(kind Kind, key Key) ([]byte, error) {
	data, err := os.ReadFile(f.path(kind, key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, oops.Wrapf(err, "store: reading %s/%s", kind, key)
	}
	return data, nil
}

func (f *FileStore) Put(kind Kind, key Key, data []byte) error {
	p := f.path(kind, key)
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return oops.Wrapf(err, "store: creating directory for %s", kind)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return oops.Wrapf(err, "store: creating temporary file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return oops.Wrapf(err, "store: writing %s/%s", kind, key)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return oops.Wrapf(err, "store: setting permissions")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return oops.Wrapf(err, "store: closing %s/%s", kind, key)
	}
	if err := os.Rename(tmpName, p); err != nil {
		os.Remove(tmpName)
		log.WithFields(logger.Fields{
			"at":   "FileStore.Put",
			"kind": kind.String(),
			"key":  key.String(),
		}).WithError(err).Error("failed to persist object")
		return oops.Wrapf(err, "store: renaming into place")
	}
	return nil
}

func (f *FileStore) Delete(kind Kind, key Key) error {
	err := os.Remove(f.path(kind, key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return oops.Wrapf(err, "store: deleting %s/%s", kind, key)
	}
	return nil
}
