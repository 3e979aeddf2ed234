package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"

	"collabtext/store/boltstore"
	"collabtext/store/memstore"
	"collabtext/store/sqlitestore"
)

func TestOpenStore(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		dsn  string
		kind string
	}{
		{"memory://", "memory"},
		{"bolt://" + filepath.Join(dir, "a.bolt"), "bolt"},
		{"sqlite://" + filepath.Join(dir, "b.db"), "sqlite"},
		{filepath.Join(dir, "c.db"), "sqlite"},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			s, kind, err := openStore(context.Background(), tt.dsn)
			assert.Equal(t, nil, err)
			defer s.Close()
			assert.Equal(t, tt.kind, kind)

			switch kind {
			case "memory":
				_, ok := s.(*memstore.MemStore)
				assert.Equal(t, true, ok)
			case "bolt":
				_, ok := s.(*boltstore.BoltStore)
				assert.Equal(t, true, ok)
			case "sqlite":
				_, ok := s.(*sqlitestore.SQLiteStore)
				assert.Equal(t, true, ok)
			}
		})
	}
}
