package storage

import (
	"context"
	"os"
	"path/filepath"
	"regexp"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// FileBackend keeps one file per key in a directory. Writes go to a
// temporary file that is renamed over the target.
type FileBackend struct {
	Dir string
}

var _ Backend = (*FileBackend)(nil)

func NewFileBackend(dir string) (*FileBackend, error) {
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			homeDir = "."
		}
		dir = filepath.Join(homeDir, ".gaiachat", "store")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "could not create store directory %s", dir)
	}
	return &FileBackend{Dir: dir}, nil
}

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func (f *FileBackend) pathFor(key string) string {
	return filepath.Join(f.Dir, unsafeKeyChars.ReplaceAllString(key, "_")+".json")
}

func (f *FileBackend) Load(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(f.pathFor(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "could not read key %s", key)
	}
	return data, nil
}

func (f *FileBackend) Save(_ context.Context, key string, data []byte) error {
	target := f.pathFor(key)
	tmp, err := os.CreateTemp(f.Dir, ".tmp-*")
	if err != nil {
		return errors.Wrap(err, "could not create temporary file")
	}
	tmpName := tmp.Name()
	defer func() {
		// no-op once renamed
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return errors.Wrapf(err, "could not write key %s", key)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "could not write key %s", key)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return errors.Wrapf(err, "could not replace %s", target)
	}
	log.Trace().Str("key", key).Str("path", target).Int("bytes", len(data)).Msg("saved record")
	return nil
}

func (f *FileBackend) Close() error {
	return nil
}
