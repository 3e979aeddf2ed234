package main

import (
	"context"
	"strings"

	"collabtext/store"
	"collabtext/store/boltstore"
	"collabtext/store/memstore"
	"collabtext/store/pgstore"
	"collabtext/store/sqlitestore"
)

// openStore picks a backend from dsn:
//
//	postgres://... or postgresql://...  PostgreSQL
//	bolt://path                         bbolt file
//	memory://                           process memory
//	sqlite://path or a bare path        SQLite file
func openStore(ctx context.Context, dsn string) (store.Store, string, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		s, err := pgstore.Open(ctx, dsn)
		return s, "postgres", err
	case strings.HasPrefix(dsn, "bolt://"):
		s, err := boltstore.Open(strings.TrimPrefix(dsn, "bolt://"))
		return s, "bolt", err
	case strings.HasPrefix(dsn, "memory://"):
		return memstore.New(), "memory", nil
	default:
		s, err := sqlitestore.Open(strings.TrimPrefix(dsn, "sqlite://"))
		return s, "sqlite", err
	}
}
