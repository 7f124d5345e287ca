package repository

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	memoryPath        = ":memory:"
	defaultSQLitePath = "./kestrel.db"
)

// File-backed databases run in WAL mode so that history reads do not block
// the session log writer.
var sqlitePragmas = []string{
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"busy_timeout(5000)",
	"foreign_keys(ON)",
}

// openSQLite opens the pure-Go (modernc) SQLite driver, creating the parent
// directory of the database file when needed.
func openSQLite(cfg domain.RepositoryConfig) (*sql.DB, error) {
	path := cfg.SQLitePath
	if path == "" {
		path = defaultSQLitePath
	}
	inMemory := path == memoryPath

	if !inMemory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create directory for %s: %w", path, err)
		}
	}

	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	if inMemory {
		// each connection to :memory: is its own database
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping %s: %w", path, err)
	}
	return db, nil
}

func sqliteDSN(path string) string {
	if path == memoryPath {
		return "file::memory:?_pragma=foreign_keys(ON)"
	}
	q := url.Values{"_pragma": sqlitePragmas}
	return "file:" + path + "?" + q.Encode()
}
