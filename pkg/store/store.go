// Package store opens the SQLite databases gohpc keeps next to its work
// directories (batch checkpoints). Builds with cgo use libsql and can also
// reach remote libsql/Turso databases; builds without cgo use the pure-Go
// modernc SQLite driver and are limited to local files.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Memory is the path of a private in-memory database.
const Memory = ":memory:"

// busyTimeout is how long a local connection waits for a competing writer.
const busyTimeout = 5 * time.Second

// Config locates a database. Exactly one of Path or URL is used; URL wins.
type Config struct {
	// Path is a local file, a file: DSN or Memory.
	Path string
	// URL is a libsql://, https:// or http:// database URL.
	URL string
	// AuthToken is added to URL as authToken unless the URL carries one.
	AuthToken string
}

// Locate returns the Config for a command-line location: remote URLs go to
// URL, everything else is a local path.
func Locate(location, authToken string) Config {
	if isRemote(location) {
		return Config{URL: location, AuthToken: authToken}
	}
	return Config{Path: location}
}

// Remote reports whether c points at a database server.
func (c Config) Remote() bool {
	return strings.TrimSpace(c.URL) != ""
}

// dsn renders c for the driver. Parent directories of local files are
// created.
func (c Config) dsn() (string, error) {
	if c.Remote() {
		return withAuthToken(strings.TrimSpace(c.URL), c.AuthToken)
	}

	path := strings.TrimSpace(c.Path)
	switch {
	case path == "":
		return "", errors.New("store: path or url is required")
	case path == Memory:
		return Memory, nil
	case strings.HasPrefix(path, "file:"):
		local, err := filePath(path)
		if err != nil {
			return "", err
		}
		return path, mkParent(local)
	default:
		return "file:" + filepath.Clean(path), mkParent(path)
	}
}

// Open opens the database described by cfg, creating local files as needed.
// Local files run in WAL mode behind a single connection so a batch run and
// concurrent "batch show" readers can share them.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	dsn, err := cfg.dsn()
	if err != nil {
		return nil, err
	}
	if err := checkDSN(dsn); err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}
	if err := tuneLocal(ctx, db, dsn); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate runs stmts in one transaction and records version in schema_meta.
// Statements must be idempotent (CREATE ... IF NOT EXISTS).
func Migrate(ctx context.Context, db *sql.DB, version int, stmts []string) error {
	if db == nil {
		return errors.New("store: db is nil")
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	meta := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version) VALUES (1, 0) ON CONFLICT(id) DO NOTHING;`,
	}
	for _, stmt := range append(meta, stmts...) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate schema: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version = ? WHERE id = 1`, version); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// SchemaVersion reads the version recorded by Migrate.
func SchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id = 1`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// FormatTime renders timestamps the way every table stores them.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime parses a timestamp written by FormatTime.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func withAuthToken(raw, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid store url: %w", err)
	}
	q := u.Query()
	if q.Get("authToken") != "" {
		return raw, nil
	}
	q.Set("authToken", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// filePath extracts the filesystem path of a file: DSN.
func filePath(dsn string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid store path: %w", err)
	}
	p := u.Path
	if p == "" {
		p = u.Opaque
	}
	return strings.TrimPrefix(p, "//"), nil
}

func isRemote(s string) bool {
	for _, scheme := range []string{"libsql://", "https://", "http://"} {
		if strings.HasPrefix(s, scheme) {
			return true
		}
	}
	return false
}

func tuneLocal(ctx context.Context, db *sql.DB, dsn string) error {
	switch {
	case dsn == Memory:
		// Each pooled connection would see its own empty database.
		db.SetMaxOpenConns(1)
		return nil
	case !strings.HasPrefix(dsn, "file:"):
		return nil
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(ctx, busyTimeout)
	defer cancel()
	var mode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&mode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	var ms int
	if err := db.QueryRowContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeout.Milliseconds())).Scan(&ms); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	return nil
}

func mkParent(path string) error {
	dir := filepath.Dir(filepath.Clean(path))
	if dir == "." || dir == string(filepath.Separator) {
		return nil
	}
	// #nosec G301 -- shared cluster work directories
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	return nil
}
