package database

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/alimgiray/ghpulse/pkg/logger"
)

var DB *sql.DB

// Init initializes the SQLite database connection used by the job ledger
func Init(path string) error {
	db, err := Open(path)
	if err != nil {
		return err
	}
	DB = db
	return nil
}

// Open opens a SQLite database at path (":memory:" works for tests),
// applies pragmas and creates the schema.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=ON&_busy_timeout=30000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	// One writer at a time keeps SQLite from returning SQLITE_BUSY under the worker pool,
	// and an in-memory database only lives as long as its single connection.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	if err = optimizeDatabase(db); err != nil {
		db.Close()
		return nil, err
	}

	if _, err = db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	if err = migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	logger.WithField("path", path).Debug("Database connected")
	return db, nil
}

func migrate(db *sql.DB) error {
	for _, m := range migrations {
		exists, err := hasColumn(db, m.table, m.column)
		if err != nil {
			return err
		}
		if !exists {
			if _, err := db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.table, m.column, m.definition)); err != nil {
				return fmt.Errorf("failed to add %s.%s: %w", m.table, m.column, err)
			}
			logger.WithField("column", m.table+"."+m.column).Info("Database migrated")
		}
		for _, stmt := range m.statements {
			if _, err := db.Exec(stmt); err != nil {
				return fmt.Errorf("failed to migrate %s.%s: %w", m.table, m.column, err)
			}
		}
	}
	return nil
}

func hasColumn(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// optimizeDatabase configures SQLite for optimal performance
func optimizeDatabase(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=30000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the database connection
func Close() error {
	if DB != nil {
		return DB.Close()
	}
	return nil
}
