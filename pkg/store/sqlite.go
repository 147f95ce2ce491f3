package store

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// subscript separator inside the stored path column; \x1f sorts below all
// printable characters so path ordering matches subscript ordering.
const sep = "\x1f"

// SQLiteStore implements Store on a single SQLite file. Safe for use from
// multiple goroutines; SQLite serialises the writes.
type SQLiteStore struct {
	db *sql.DB

	mu    sync.Mutex
	locks map[string]chan struct{}
}

// OpenSQLite opens (or creates) the store at path. ":memory:" gives an
// ephemeral store for tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	if path == ":memory:" {
		dsn = "file::memory:?mode=memory&cache=shared"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS nodes (
		doc    TEXT NOT NULL,
		path   TEXT NOT NULL,
		parent TEXT NOT NULL,
		sub    TEXT NOT NULL,
		data   BLOB,
		PRIMARY KEY (doc, path)
	);
	CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes (doc, parent, sub);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create store schema: %w", err)
	}

	return &SQLiteStore{
		db:    db,
		locks: make(map[string]chan struct{}),
	}, nil
}

func pathOf(subs []string) string   { return strings.Join(subs, sep) }
func parentOf(subs []string) string { return strings.Join(subs[:len(subs)-1], sep) }

func (s *SQLiteStore) Get(loc Locator) ([]byte, bool, error) {
	var data []byte
	err := s.db.QueryRow(
		`SELECT data FROM nodes WHERE doc = ? AND path = ? AND data IS NOT NULL`,
		loc.Document, pathOf(loc.Subscripts),
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *SQLiteStore) Set(loc Locator, data []byte) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Materialise intermediate nodes so Children/Order can walk them.
	for i := 1; i < len(loc.Subscripts); i++ {
		subs := loc.Subscripts[:i]
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO nodes (doc, path, parent, sub, data) VALUES (?, ?, ?, ?, NULL)`,
			loc.Document, pathOf(subs), parentOf(subs), subs[i-1],
		); err != nil {
			return err
		}
	}

	last := loc.Subscripts[len(loc.Subscripts)-1]
	if _, err := tx.Exec(
		`INSERT INTO nodes (doc, path, parent, sub, data) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (doc, path) DO UPDATE SET data = excluded.data`,
		loc.Document, pathOf(loc.Subscripts), parentOf(loc.Subscripts), last, data,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Kill(loc Locator) error {
	p := pathOf(loc.Subscripts)
	_, err := s.db.Exec(
		`DELETE FROM nodes WHERE doc = ? AND (path = ? OR path LIKE ? ESCAPE '\')`,
		loc.Document, p, likePrefix(p)+sep+"%",
	)
	return err
}

func (s *SQLiteStore) Order(loc Locator, from string) (string, error) {
	var next string
	err := s.db.QueryRow(
		`SELECT sub FROM nodes WHERE doc = ? AND parent = ? AND sub > ? ORDER BY sub LIMIT 1`,
		loc.Document, pathOf(loc.Subscripts), from,
	).Scan(&next)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return next, nil
}

func (s *SQLiteStore) Children(loc Locator, fn func(sub string, data []byte) bool) error {
	rows, err := s.db.Query(
		`SELECT sub, data FROM nodes WHERE doc = ? AND parent = ? ORDER BY sub`,
		loc.Document, pathOf(loc.Subscripts),
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var sub string
		var data []byte
		if err := rows.Scan(&sub, &data); err != nil {
			return err
		}
		if !fn(sub, data) {
			return nil
		}
	}
	return rows.Err()
}

// Lock uses an in-process wait table keyed by locator. Lock holders across
// processes are out of scope here: all workers share this store handle.
func (s *SQLiteStore) Lock(loc Locator, timeout time.Duration) error {
	key := loc.Document + sep + pathOf(loc.Subscripts)
	deadline := time.Now().Add(timeout)

	for {
		s.mu.Lock()
		ch, held := s.locks[key]
		if !held {
			s.locks[key] = make(chan struct{})
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrLockTimeout
		}
		select {
		case <-ch:
			// released; retry acquisition
		case <-time.After(remaining):
			return ErrLockTimeout
		}
	}
}

func (s *SQLiteStore) Unlock(loc Locator) error {
	key := loc.Document + sep + pathOf(loc.Subscripts)
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, held := s.locks[key]; held {
		delete(s.locks, key)
		close(ch)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func likePrefix(p string) string {
	p = strings.ReplaceAll(p, `\`, `\\`)
	p = strings.ReplaceAll(p, `%`, `\%`)
	return strings.ReplaceAll(p, `_`, `\_`)
}

// Compile-time verification
var _ Store = (*SQLiteStore)(nil)
