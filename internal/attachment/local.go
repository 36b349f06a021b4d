package attachment

import (
	"fmt"
	"os"

	"github.com/tflow/attachstore/pkg/errors"
	"github.com/tflow/attachstore/pkg/utils"
)

// LocalStore keeps attachments on local disk when the remote store rejected
// them. Names are flat; no subdirectories are created.
type LocalStore struct {
	dir string
}

// NewLocalStore creates dir if needed.
func NewLocalStore(dir string) (*LocalStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("local fallback directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create local fallback directory: %w", err)
	}
	return &LocalStore{dir: dir}, nil
}

// Dir returns the storage directory.
func (l *LocalStore) Dir() string {
	return l.dir
}

func (l *LocalStore) path(name string) (string, error) {
	name = utils.SanitizeFileName(name)
	if name == "" {
		return "", errors.NewError(errors.ErrCodePathInvalid, "empty local file name").
			WithComponent("local-store")
	}
	return utils.SecureJoin(l.dir, name)
}

// Save writes data under name through a temporary file.
func (l *LocalStore) Save(name string, data []byte) error {
	p, err := l.path(name)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(l.dir, ".upload-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), p)
}

// Open returns the file stored under name and its size.
func (l *LocalStore) Open(name string) (*os.File, int64, error) {
	p, err := l.path(name)
	if err != nil {
		return nil, 0, err
	}

	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, errors.NewError(errors.ErrCodeObjectNotFound, "attachment not found in local storage").
				WithComponent("local-store").
				WithDetail("name", name)
		}
		return nil, 0, err
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

// Remove deletes name. A missing file is not an error.
func (l *LocalStore) Remove(name string) error {
	p, err := l.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
