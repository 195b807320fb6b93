package storequeue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickmisasi/nexuscore/internal/clock"
	"github.com/nickmisasi/nexuscore/internal/nexus"
	"github.com/nickmisasi/nexuscore/internal/queue"
	"github.com/nickmisasi/nexuscore/internal/queue/storequeue"
	"github.com/nickmisasi/nexuscore/internal/store/fsstore"
)

func newTestQueue(t *testing.T) *storequeue.Queue {
	t.Helper()
	backend, err := fsstore.New(t.TempDir())
	require.NoError(t, err)
	return storequeue.New(backend, clock.NewFake(time.Unix(1_700_000_000, 0)))
}

func TestEnqueueClaimOrdersByArrival(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id1, err := q.Enqueue(ctx, "acme", "/ws", "issue_1.md", "first")
	require.NoError(t, err)
	id2, err := q.Enqueue(ctx, "acme", "/ws", "issue_2.md", "second")
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, 10, "worker-1")
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, id1, claimed[0].ID)
	assert.Equal(t, id2, claimed[1].ID)
	assert.Equal(t, nexus.TaskProcessing, claimed[0].Status)
	assert.Equal(t, "worker-1", claimed[0].ClaimedBy)
}

func TestClaimSuppressesDuplicateProjectFilename(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	firstID, err := q.Enqueue(ctx, "acme", "/ws", "issue_1.md", "v1")
	require.NoError(t, err)
	secondID, err := q.Enqueue(ctx, "acme", "/ws", "issue_1.md", "v2")
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, 10, "worker-1")
	require.NoError(t, err)

	// Only the earliest-arrived row of the (project, filename) pair is
	// actually claimed; the later one is suppressed as done.
	require.Len(t, claimed, 1)
	assert.Equal(t, firstID, claimed[0].ID)

	require.NoError(t, q.MarkDone(ctx, claimed[0].ID))

	// Re-claiming confirms the duplicate row never becomes pending again.
	again, err := q.Claim(ctx, 10, "worker-1")
	require.NoError(t, err)
	assert.Empty(t, again)

	_ = secondID
}

func TestClaimRespectsLimit(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(ctx, "acme", "/ws", "issue_"+string(rune('a'+i))+".md", "body")
		require.NoError(t, err)
	}

	claimed, err := q.Claim(ctx, 2, "worker-1")
	require.NoError(t, err)
	assert.Len(t, claimed, 2)
}

func TestMarkFailedRowIsNotReclaimed(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "acme", "/ws", "issue_1.md", "body")
	require.NoError(t, err)
	claimed, err := q.Claim(ctx, 10, "worker-1")
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, q.MarkFailed(ctx, claimed[0].ID, assert.AnError))

	reclaimed, err := q.ReclaimStale(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, reclaimed) // failed rows are terminal, not reclaimed
}

func TestArchiveForIssueMatchesFilenameConvention(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "acme", "/ws", "issue_42.md", "# Issue #42\n")
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "acme", "/ws", "issue_7.md", "# Issue #7\n")
	require.NoError(t, err)

	archived, err := q.ArchiveForIssue(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, 1, archived)

	claimed, err := q.Claim(ctx, 10, "worker-1")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "issue_7.md", claimed[0].Filename)
}

func TestArchiveForIssueMatchesEmbeddedReference(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "acme", "/ws", "task_901.md", "Follow-up for #42: tidy docs")
	require.NoError(t, err)

	archived, err := q.ArchiveForIssue(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, 1, archived)
}

func TestArchiveForIssueIsIdempotent(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "acme", "/ws", "issue_42.md", "# Issue #42\n")
	require.NoError(t, err)

	first, err := q.ArchiveForIssue(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, 1, first)

	second, err := q.ArchiveForIssue(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, 0, second)
}

func TestReclaimStaleReturnsProcessingRowsToPending(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "acme", "/ws", "issue_1.md", "body")
	require.NoError(t, err)
	_, err = q.Claim(ctx, 10, "worker-1")
	require.NoError(t, err)

	n, err := q.ReclaimStale(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	claimed, err := q.Claim(ctx, 10, "worker-2")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "worker-2", claimed[0].ClaimedBy)
}

var _ queue.InboxQueue = (*storequeue.Queue)(nil)
