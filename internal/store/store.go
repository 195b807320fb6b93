// Package store defines the StateStore abstraction: load/save of named JSON
// documents, backed by either the filesystem (fsstore) or a relational
// database (pgstore). Save must be atomic with respect to concurrent Load;
// a failed Load is treated by callers as "empty document", a failed Save is
// a non-fatal warning in recovery loops but a fatal error on write-back paths.
package store

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound is returned by backends that distinguish "absent" from "empty"
// at the storage layer; most callers instead treat Load's (nil, nil) return
// as "absent" and do not need to check for this.
var ErrNotFound = errors.New("store: key not found")

// StateStore loads and saves named JSON documents.
type StateStore interface {
	// Load returns the raw JSON document for key, or (nil, nil) if it does
	// not exist. It never wraps ErrNotFound; callers check len(doc) == 0.
	Load(ctx context.Context, key string) (json.RawMessage, error)

	// Save atomically replaces the document stored at key.
	Save(ctx context.Context, key string, document any) error
}

// LoadInto is a convenience wrapper that loads key and unmarshals it into out.
// If the key is absent, out is left untouched and ok is false.
func LoadInto(ctx context.Context, s StateStore, key string, out any) (ok bool, err error) {
	raw, err := s.Load(ctx, key)
	if err != nil {
		return false, err
	}
	if len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, err
	}
	return true, nil
}
