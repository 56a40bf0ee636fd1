package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/digkill/TGVideoBot/internal/config"
)

//go:embed migrations
var migrations embed.FS

// Dialect selects the SQL flavour repositories emit.
type Dialect string

const (
	DialectMySQL  Dialect = "mysql"
	DialectSQLite Dialect = "sqlite"
)

// ForUpdate returns the row-lock suffix for SELECT statements. SQLite has no row locks;
// its writers are serialised by the single pooled connection instead.
func (d Dialect) ForUpdate() string {
	if d == DialectMySQL {
		return " FOR UPDATE"
	}
	return ""
}

// Connect opens the configured store with sensible pooling defaults.
func Connect(cfg config.Config) (*sql.DB, Dialect, error) {
	switch cfg.DBDriver {
	case config.DriverSQLite:
		db, err := OpenSQLite(cfg.SQLitePath)
		return db, DialectSQLite, err
	default:
		db, err := OpenMySQL(cfg.MySQLDSN)
		return db, DialectMySQL, err
	}
}

// OpenMySQL opens a MySQL pool. parseTime and UTC are forced so DATETIME columns
// scan into time.Time consistently.
func OpenMySQL(dsn string) (*sql.DB, error) {
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	parsed.ParseTime = true
	parsed.Loc = time.UTC

	db, err := sql.Open("mysql", parsed.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	db.SetConnMaxLifetime(time.Minute * 5)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	if err := ping(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	return db, nil
}

// OpenSQLite opens a file-backed SQLite database with a single connection, which
// serialises every transaction.
func OpenSQLite(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_time_format=sqlite"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := ping(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}

func ping(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	return db.PingContext(ctx)
}

func newMigrationProvider(db *sql.DB, dialect Dialect) (*goose.Provider, error) {
	dir := "migrations/mysql"
	gooseDialect := goose.DialectMySQL
	if dialect == DialectSQLite {
		dir = "migrations/sqlite"
		gooseDialect = goose.DialectSQLite3
	}
	fsys, err := fs.Sub(migrations, dir)
	if err != nil {
		return nil, fmt.Errorf("migrations fs: %w", err)
	}
	provider, err := goose.NewProvider(gooseDialect, db, fsys)
	if err != nil {
		return nil, fmt.Errorf("goose provider: %w", err)
	}
	return provider, nil
}

// Migrate applies every pending versioned migration and returns the resulting schema version.
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect) (int64, error) {
	provider, err := newMigrationProvider(db, dialect)
	if err != nil {
		return 0, err
	}
	if _, err := provider.Up(ctx); err != nil {
		return 0, fmt.Errorf("apply migrations: %w", err)
	}
	version, err := provider.GetDBVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// MigrationState is one row of `migrate status` output.
type MigrationState struct {
	Version   int64
	Path      string
	Applied   bool
	AppliedAt time.Time
}

// Status lists known migrations and whether each has been applied.
func Status(ctx context.Context, db *sql.DB, dialect Dialect) ([]MigrationState, error) {
	provider, err := newMigrationProvider(db, dialect)
	if err != nil {
		return nil, err
	}
	statuses, err := provider.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("migration status: %w", err)
	}
	out := make([]MigrationState, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, MigrationState{
			Version:   s.Source.Version,
			Path:      s.Source.Path,
			Applied:   s.State == goose.StateApplied,
			AppliedAt: s.AppliedAt,
		})
	}
	return out, nil
}
