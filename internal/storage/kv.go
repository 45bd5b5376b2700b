// Package storage holds the key/value backends the agent persists to.
//
// A KV is a flat namespace of JSON documents. Operations on different keys are
// not atomic with respect to each other; callers that read-modify-write a key
// own any serialization they need.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/quantumauth-io/wallet-approval-agent/internal/constants"
)

var (
	ErrNotFound = errors.New("storage: key not found")
	ErrLocked   = errors.New("storage: session is locked")
)

type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Open builds the backend named by kind rooted at dir.
func Open(kind, dir string) (KV, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", BackendFile:
		return NewFileKV(filepath.Join(dir, "store"))
	case BackendSQLite:
		return NewSQLite(filepath.Join(dir, constants.SQLiteFile))
	case BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q (allowed: file, sqlite, memory)", kind)
	}
}

// Close releases kv if it holds resources.
func Close(kv KV) error {
	if c, ok := kv.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

func validKey(key string) error {
	if key == "" {
		return errors.New("storage: empty key")
	}
	if strings.ContainsAny(key, `/\`) || strings.Contains(key, "..") {
		return fmt.Errorf("storage: invalid key %q", key)
	}
	return nil
}
