package storage

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pion/logging"
)

const lockFileName = ".lock"

// FileConfig configures a FileStorage.
type FileConfig struct {
	// Dir is the root directory. It is created if missing.
	Dir string

	// FileMode is the permission of value files. Defaults to 0600.
	FileMode os.FileMode

	// LoggerFactory for logging. If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// FileStorage keeps one file per key below a root directory. Writes go to
// a temporary file which is then renamed over the target, so a crash
// leaves either the old or the new value. The directory is locked for the
// lifetime of the store.
type FileStorage struct {
	mu     sync.Mutex
	dir    string
	mode   os.FileMode
	lock   *os.File
	closed bool
	log    logging.LeveledLogger
}

// OpenFileStorage opens (or creates) a file-backed store rooted at
// config.Dir and takes an exclusive lock on it.
func OpenFileStorage(config FileConfig) (*FileStorage, error) {
	if config.Dir == "" {
		return nil, failure("open", "", errors.New("directory is required"))
	}
	mode := config.FileMode
	if mode == 0 {
		mode = 0o600
	}
	if err := os.MkdirAll(config.Dir, 0o700); err != nil {
		return nil, failure("open", config.Dir, err)
	}

	lock, err := os.OpenFile(filepath.Join(config.Dir, lockFileName), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, failure("open", config.Dir, err)
	}
	if err := lockFile(lock); err != nil {
		_ = lock.Close()
		return nil, err
	}

	s := &FileStorage{dir: config.Dir, mode: mode, lock: lock}
	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("storage")
		s.log.Debugf("file store opened at %s", config.Dir)
	}
	return s, nil
}

// Close releases the directory lock.
func (s *FileStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_ = unlockFile(s.lock)
	return s.lock.Close()
}

func (s *FileStorage) path(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	if key == lockFileName {
		return "", ErrInvalidKey
	}
	return filepath.Join(s.dir, filepath.FromSlash(key)), nil
}

// Load reads the value stored under key.
func (s *FileStorage) Load(key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	b, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, failure("load", key, err)
	}
	return b, nil
}

// Save atomically replaces the value stored under key.
func (s *FileStorage) Save(key string, value []byte) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return failure("save", key, err)
	}
	if err := writeFile(p, value, s.mode); err != nil {
		if s.log != nil {
			s.log.Warnf("save %s: %v", key, err)
		}
		return failure("save", key, err)
	}
	return nil
}

// Delete removes the file for key.
func (s *FileStorage) Delete(key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return failure("delete", key, err)
	}
	return nil
}

// Keys walks the directory and returns the keys with the given prefix.
func (s *FileStorage) Keys(prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	var keys []string
	err := filepath.WalkDir(s.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.dir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if key == lockFileName || strings.Contains(d.Name(), ".tmp-") {
			return nil
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, failure("keys", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// writeFile writes bytes via a temp file, then atomically replaces the target.
func writeFile(path string, b []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	f, err := os.CreateTemp(dir, base+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Chmod(mode); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
