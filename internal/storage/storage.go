package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed durable layer: playback sessions, users and the
// video catalog.
type Store struct {
	db *sql.DB
}

// Options tune the SQLite connection. Zero values mean no busy timeout,
// synchronous=NORMAL and the driver's default cache size.
type Options struct {
	BusyTimeout time.Duration
	Synchronous string
	CacheSize   int
	ReadOnly    bool
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// connectionPragmas are applied by the driver to every pooled connection.
// PRAGMAs run through db.Exec only reach whichever connection served them.
func connectionPragmas(path string, busyTimeout time.Duration) string {
	if isMemory(path) {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)", path, sep, busyTimeout/time.Millisecond)
}

// sqliteDSN turns path into a read-only file: URI when asked to.
func sqliteDSN(path string, readOnly bool) (string, error) {
	if !readOnly {
		return path, nil
	}
	if isMemory(path) {
		return "", errors.New("read-only mode requires a file-backed database")
	}
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	query := parsed.Query()
	query.Set("mode", "ro")
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// sessionPragmas are run once after opening. Writable stores use WAL.
func sessionPragmas(options Options) []string {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		fmt.Sprintf("PRAGMA busy_timeout=%d", options.BusyTimeout/time.Millisecond),
		"PRAGMA temp_store=MEMORY",
	}
	if options.CacheSize != 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA cache_size=%d", options.CacheSize))
	}
	if options.ReadOnly {
		return pragmas
	}

	synchronous := options.Synchronous
	if synchronous == "" {
		synchronous = "NORMAL"
	}
	return append(pragmas,
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous="+strings.ToUpper(synchronous),
		"PRAGMA journal_size_limit=67108864",
	)
}

// Open connects to the session database at path and, unless read-only,
// brings its schema up to date. ":memory:" gives a private database that
// lives as long as the Store.
func Open(path string, options Options) (*Store, error) {
	dsn, err := sqliteDSN(path, options.ReadOnly)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	db, err := sql.Open("sqlite", connectionPragmas(dsn, options.BusyTimeout))
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}

	// every pooled connection to :memory: would get its own empty database
	if isMemory(path) {
		db.SetMaxOpenConns(1)
	}

	for _, pragma := range sessionPragmas(options) {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("storage: open %s: %s: %w", path, pragma, err)
		}
	}

	store := &Store{db: db}
	if !options.ReadOnly {
		if err := store.MigrateSchema(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("storage: migrate %s: %w", path, err)
		}
	}
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// IntegrityCheck returns the rows of PRAGMA integrity_check; a healthy
// database yields exactly "ok".
func (s *Store) IntegrityCheck() ([]string, error) {
	if s == nil || s.db == nil {
		return nil, repoErr("integrity check", errMissingDB)
	}
	rows, err := s.db.Query("PRAGMA integrity_check")
	if err != nil {
		return nil, repoErr("integrity check", err)
	}
	defer rows.Close()

	var results []string
	for rows.Next() {
		var result string
		if err := rows.Scan(&result); err != nil {
			return nil, repoErr("integrity check", err)
		}
		results = append(results, result)
	}
	if err := rows.Err(); err != nil {
		return nil, repoErr("integrity check", err)
	}
	return results, nil
}

// Vacuum compacts the database in place, or into a new file at target.
func (s *Store) Vacuum(target string) error {
	if s == nil || s.db == nil {
		return repoErr("vacuum", errMissingDB)
	}
	var err error
	if target == "" {
		_, err = s.db.Exec("VACUUM")
	} else {
		_, err = s.db.Exec("VACUUM INTO ?", target)
	}
	return repoErr("vacuum", err)
}

func (s *Store) Analyze() error {
	if s == nil || s.db == nil {
		return repoErr("analyze", errMissingDB)
	}
	_, err := s.db.Exec("ANALYZE")
	return repoErr("analyze", err)
}
