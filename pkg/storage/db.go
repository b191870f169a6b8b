// Package storage opens the backing relational store. Postgres is the
// production engine; SQLite serves development and tests.
package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Open connects to the configured database engine.
func Open(driver, dsn string) (*sql.DB, error) {
	switch driver {
	case "postgres", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	if driver == "sqlite" {
		// SQLite gets one writer; multiple pooled connections to the same
		// file (or :memory:) break transaction semantics.
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// Initializer is implemented by stores that own schema objects.
type Initializer interface {
	Init(ctx context.Context) error
}

// InitAll creates schema for every store, failing on the first error.
func InitAll(ctx context.Context, stores ...Initializer) error {
	for _, s := range stores {
		if err := s.Init(ctx); err != nil {
			return err
		}
	}
	return nil
}
