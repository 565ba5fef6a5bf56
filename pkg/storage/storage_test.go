package storage

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/go-test/deep"
)

func backends(t *testing.T) map[string]Storage {
	t.Helper()

	fs, err := OpenFileStorage(FileConfig{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("OpenFileStorage() error = %v", err)
	}
	t.Cleanup(func() { _ = fs.Close() })

	db, err := OpenSQLiteStorage(SQLiteConfig{Path: filepath.Join(t.TempDir(), "knx.db")})
	if err != nil {
		t.Fatalf("OpenSQLiteStorage() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return map[string]Storage{
		"memory": NewMemoryStorage(),
		"file":   fs,
		"sqlite": db,
	}
}

func TestStorageContract(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Load("auth/at/0"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Load(missing) error = %v, want ErrNotFound", err)
			}

			if err := s.Save("auth/at/0", []byte{0xa1, 0x00, 0x61, 0x78}); err != nil {
				t.Fatalf("Save() error = %v", err)
			}
			if err := s.Save("auth/at/0", []byte{0x01}); err != nil {
				t.Fatalf("Save(overwrite) error = %v", err)
			}
			got, err := s.Load("auth/at/0")
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if !bytes.Equal(got, []byte{0x01}) {
				t.Errorf("Load() = %x, want 01", got)
			}

			if err := s.Save("auth/at/1", nil); err != nil {
				t.Fatalf("Save(empty) error = %v", err)
			}
			if got, err := s.Load("auth/at/1"); err != nil || len(got) != 0 {
				t.Errorf("Load(empty) = %x, %v; want empty, nil", got, err)
			}
			if err := s.Save("oscore/ssn/01", []byte{0x0a}); err != nil {
				t.Fatalf("Save() error = %v", err)
			}

			keys, err := s.Keys("auth/")
			if err != nil {
				t.Fatalf("Keys() error = %v", err)
			}
			if diff := deep.Equal(keys, []string{"auth/at/0", "auth/at/1"}); diff != nil {
				t.Errorf("Keys(auth/) diff: %v", diff)
			}

			if err := s.Delete("auth/at/0"); err != nil {
				t.Fatalf("Delete() error = %v", err)
			}
			if err := s.Delete("auth/at/0"); err != nil {
				t.Errorf("Delete(missing) error = %v, want nil", err)
			}
			if _, err := s.Load("auth/at/0"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Load(deleted) error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStorageInvalidKeys(t *testing.T) {
	keys := []string{"", "/abs", "a/../b", "trailing/", "a//b", `a\b`}
	for name, s := range backends(t) {
		for _, key := range keys {
			if err := s.Save(key, []byte{1}); !errors.Is(err, ErrInvalidKey) {
				t.Errorf("%s: Save(%q) error = %v, want ErrInvalidKey", name, key, err)
			}
		}
	}
}

func TestMemoryStorageCopies(t *testing.T) {
	s := NewMemoryStorage()
	v := []byte{1, 2, 3}
	if err := s.Save("k", v); err != nil {
		t.Fatal(err)
	}
	v[0] = 9
	got, _ := s.Load("k")
	if got[0] != 1 {
		t.Errorf("Load()[0] = %d, want 1 (stored value aliased caller slice)", got[0])
	}
	got[1] = 9
	again, _ := s.Load("k")
	if again[1] != 2 {
		t.Errorf("Load()[1] = %d, want 2 (returned value aliased store)", again[1])
	}
}

func TestFileStorageLockAndReopen(t *testing.T) {
	dir := t.TempDir()
	first, err := OpenFileStorage(FileConfig{Dir: dir})
	if err != nil {
		t.Fatalf("OpenFileStorage() error = %v", err)
	}
	if err := first.Save("spake/params", []byte("params")); err != nil {
		t.Fatal(err)
	}

	if _, err := OpenFileStorage(FileConfig{Dir: dir}); !errors.Is(err, ErrLocked) {
		t.Errorf("second OpenFileStorage() error = %v, want ErrLocked", err)
	}

	if err := first.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := first.Load("spake/params"); !errors.Is(err, ErrClosed) {
		t.Errorf("Load() after Close error = %v, want ErrClosed", err)
	}

	second, err := OpenFileStorage(FileConfig{Dir: dir})
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer second.Close()
	got, err := second.Load("spake/params")
	if err != nil || string(got) != "params" {
		t.Errorf("Load() after reopen = %q, %v; want params, nil", got, err)
	}
	keys, _ := second.Keys("")
	if diff := deep.Equal(keys, []string{"spake/params"}); diff != nil {
		t.Errorf("Keys() diff: %v", diff)
	}
}

func TestSQLiteStoragePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "knx.db")
	s, err := OpenSQLiteStorage(SQLiteConfig{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Save("oscore/ssn/aa", []byte{0x18, 0x64}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = OpenSQLiteStorage(SQLiteConfig{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	got, err := s.Load("oscore/ssn/aa")
	if err != nil || !bytes.Equal(got, []byte{0x18, 0x64}) {
		t.Errorf("Load() = %x, %v; want 1864, nil", got, err)
	}
}
