// Package queue defines InboxQueue: a durable FIFO of task payloads with
// at-least-once claim/ack semantics and duplicate suppression. At most one
// row with status=pending may exist per (project_key, filename); secondary
// rows are suppressed at claim time, not at enqueue time, so the write path
// stays a single append with no read-modify-write.
package queue

import (
	"context"

	"github.com/nickmisasi/nexuscore/internal/nexus"
)

// InboxQueue is the durable task queue abstraction.
type InboxQueue interface {
	// Enqueue appends a pending row and returns its task ID. Duplicate
	// (project, filename) pending rows are permitted here; suppression
	// happens on Claim.
	Enqueue(ctx context.Context, projectKey, workspace, filename, markdownContent string) (string, error)

	// Claim atomically selects up to limit pending rows ordered by id
	// ascending, assigns them to workerID, and suppresses duplicate rows
	// sharing a (project, filename) with a selected row.
	Claim(ctx context.Context, limit int, workerID string) ([]nexus.Task, error)

	// MarkDone transitions a task to the terminal done state.
	MarkDone(ctx context.Context, id string) error

	// MarkFailed transitions a task to the terminal failed state with an error.
	MarkFailed(ctx context.Context, id string, cause error) error

	// ReclaimStale re-marks rows stuck in processing longer than
	// staleClaimSeconds back to pending, so a crashed worker's claim does
	// not orphan the row forever. Returns the number of rows reclaimed.
	ReclaimStale(ctx context.Context, staleClaimSeconds int64) (int, error)

	// ArchiveForIssue transitions every row referencing issueID (by its
	// issue_<id>.md filename convention or by an issue reference embedded
	// in its markdown content) to the terminal archived state, regardless
	// of its current status. Returns the number of rows archived.
	ArchiveForIssue(ctx context.Context, issueID string) (int, error)
}

// DuplicateSuppressedError is the fixed error text a suppressed duplicate
// row is marked done with (spec §4.C).
const DuplicateSuppressedError = "Duplicate queue row suppressed"
