// Package ledger implements IdempotencyLedger: an append-only set of
// completion-event digests used to suppress a step transition the engine
// has already applied. Each entry is the SHA-256 digest of
// "{issue}:{step}:{agent}:{event}", matching the dedup key the workflow
// engine's complete_step operation checks before mutating any state.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/pkg/errors"

	"github.com/nickmisasi/nexuscore/internal/store"
)

// Ledger records whether a completion event has already been applied.
type Ledger interface {
	// Digest computes the ledger key for a given (issue, step, agent, event) tuple.
	Digest(issueID string, stepNum int, agentName, event string) string

	// Seen reports whether digest has already been recorded.
	Seen(ctx context.Context, digest string) (bool, error)

	// Record adds digest to the ledger. Recording an already-present
	// digest is a no-op, not an error (append-only set semantics).
	Record(ctx context.Context, digest string) error
}

// Digest computes the SHA-256 hex digest of the canonical dedup key.
func Digest(issueID string, stepNum int, agentName, event string) string {
	key := fmt.Sprintf("%s:%d:%s:%s", issueID, stepNum, agentName, event)
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

const documentKey = "idempotency_ledger"

type document struct {
	Seen map[string]bool `json:"seen"`
}

// StoreLedger is a StateStore-backed Ledger: the whole digest set lives in
// one JSON document, which is adequate for the ledger's write pattern
// (append-only, checked far more often than it grows).
type StoreLedger struct {
	backend store.StateStore
}

// New returns a Ledger persisting through backend.
func New(backend store.StateStore) *StoreLedger {
	return &StoreLedger{backend: backend}
}

func (l *StoreLedger) Digest(issueID string, stepNum int, agentName, event string) string {
	return Digest(issueID, stepNum, agentName, event)
}

func (l *StoreLedger) load(ctx context.Context) (*document, error) {
	var doc document
	ok, err := store.LoadInto(ctx, l.backend, documentKey, &doc)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load idempotency ledger")
	}
	if !ok || doc.Seen == nil {
		doc.Seen = map[string]bool{}
	}
	return &doc, nil
}

func (l *StoreLedger) Seen(ctx context.Context, digest string) (bool, error) {
	doc, err := l.load(ctx)
	if err != nil {
		return false, err
	}
	return doc.Seen[digest], nil
}

func (l *StoreLedger) Record(ctx context.Context, digest string) error {
	doc, err := l.load(ctx)
	if err != nil {
		return err
	}
	if doc.Seen[digest] {
		return nil
	}
	doc.Seen[digest] = true
	if err := l.backend.Save(ctx, documentKey, doc); err != nil {
		return errors.Wrap(err, "failed to record idempotency ledger entry")
	}
	return nil
}

var _ Ledger = (*StoreLedger)(nil)
