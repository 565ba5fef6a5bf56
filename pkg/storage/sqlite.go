package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/logging"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY NOT NULL,
	value BLOB NOT NULL
) WITHOUT ROWID;`

// SQLiteConfig configures a SQLiteStorage.
type SQLiteConfig struct {
	// Path is the database file. The parent directory must exist.
	Path string

	// PoolSize is the number of pooled connections. Defaults to 2.
	PoolSize int

	// LoggerFactory for logging. If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// SQLiteStorage stores values in a single key/value table of a SQLite
// database. Each Save is its own immediate transaction.
type SQLiteStorage struct {
	pool *sqlitex.Pool
	path string
	log  logging.LeveledLogger
}

// OpenSQLiteStorage opens (or creates) the database at config.Path.
func OpenSQLiteStorage(config SQLiteConfig) (*SQLiteStorage, error) {
	if config.Path == "" {
		return nil, failure("open", "", errors.New("path is required"))
	}
	poolSize := config.PoolSize
	if poolSize <= 0 {
		poolSize = 2
	}

	pool, err := sqlitex.NewPool(config.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, failure("open", config.Path, err)
	}

	s := &SQLiteStorage{pool: pool, path: config.Path}
	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("storage")
		s.log.Debugf("sqlite store opened at %s (pool %d)", config.Path, poolSize)
	}
	return s, nil
}

func prepareConn(conn *sqlite.Conn) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	} {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return sqlitex.ExecuteScript(conn, sqliteSchema, nil)
}

// Close closes every pooled connection.
func (s *SQLiteStorage) Close() error {
	if err := s.pool.Close(); err != nil {
		return failure("close", s.path, err)
	}
	return nil
}

func (s *SQLiteStorage) take(op, key string) (*sqlite.Conn, error) {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return nil, failure(op, key, err)
	}
	return conn, nil
}

// Load reads the value stored under key.
func (s *SQLiteStorage) Load(key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	conn, err := s.take("load", key)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var value []byte
	found := false
	err = sqlitex.Execute(conn, "SELECT value FROM kv WHERE key = ?", &sqlitex.ExecOptions{
		Args: []any{key},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			value = make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, value)
			found = true
			return nil
		},
	})
	if err != nil {
		return nil, failure("load", key, err)
	}
	if !found {
		return nil, ErrNotFound
	}
	return value, nil
}

// Save inserts or replaces the value stored under key.
func (s *SQLiteStorage) Save(key string, value []byte) (err error) {
	if err := ValidateKey(key); err != nil {
		return err
	}
	conn, err := s.take("save", key)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return failure("save", key, err)
	}
	defer endTransaction(&err)

	if value == nil {
		value = []byte{}
	}
	err = sqlitex.Execute(conn,
		"INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		&sqlitex.ExecOptions{Args: []any{key, value}})
	if err != nil {
		if s.log != nil {
			s.log.Warnf("save %s: %v", key, err)
		}
		return failure("save", key, err)
	}
	return nil
}

// Delete removes key.
func (s *SQLiteStorage) Delete(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	conn, err := s.take("delete", key)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	if err := sqlitex.Execute(conn, "DELETE FROM kv WHERE key = ?", &sqlitex.ExecOptions{
		Args: []any{key},
	}); err != nil {
		return failure("delete", key, err)
	}
	return nil
}

// Keys returns the stored keys with the given prefix.
func (s *SQLiteStorage) Keys(prefix string) ([]string, error) {
	conn, err := s.take("keys", prefix)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var keys []string
	err = sqlitex.Execute(conn,
		"SELECT key FROM kv WHERE substr(key, 1, ?) = ? ORDER BY key",
		&sqlitex.ExecOptions{
			Args: []any{len(prefix), prefix},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				keys = append(keys, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, failure("keys", prefix, err)
	}
	return keys, nil
}
