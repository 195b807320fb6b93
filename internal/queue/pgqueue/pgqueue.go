// Package pgqueue implements queue.InboxQueue directly against the
// nexus_inbox_tasks table (see store/pgstore/migrations) using
// SELECT ... FOR UPDATE SKIP LOCKED, giving genuine concurrent-safe claim
// semantics across multiple worker processes. storequeue's single-process
// mutex cannot provide that, so production multi-worker deployments use
// this implementation instead.
package pgqueue

import (
	"context"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/nickmisasi/nexuscore/internal/nexus"
	"github.com/nickmisasi/nexuscore/internal/queue"
)

// Queue is a Postgres-backed InboxQueue.
type Queue struct {
	pool *pgxpool.Pool
}

// New wraps an existing pgxpool.Pool (the table is created by goose
// migrations run at startup, not here).
func New(pool *pgxpool.Pool) *Queue {
	return &Queue{pool: pool}
}

func (q *Queue) Enqueue(ctx context.Context, projectKey, workspace, filename, markdownContent string) (string, error) {
	const insert = `
		INSERT INTO nexus_inbox_tasks (project_key, workspace, filename, markdown_content, status)
		VALUES ($1, $2, $3, $4, 'pending')
		RETURNING id`

	var id int64
	err := q.pool.QueryRow(ctx, insert, projectKey, workspace, filename, markdownContent).Scan(&id)
	if err != nil {
		return "", errors.Wrap(err, "failed to enqueue inbox task")
	}
	return strconv.FormatInt(id, 10), nil
}

func (q *Queue) Claim(ctx context.Context, limit int, workerID string) ([]nexus.Task, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin claim transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const selectPending = `
		SELECT id, project_key, workspace, filename, markdown_content, status,
		       coalesce(claimed_by, ''), extract(epoch from claimed_at)::bigint,
		       attempt_count, coalesce(error, ''), extract(epoch from created_at)::bigint
		FROM nexus_inbox_tasks
		WHERE status = 'pending'
		ORDER BY id ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`

	rows, err := tx.Query(ctx, selectPending, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to select pending inbox tasks")
	}

	var selected []nexus.Task
	for rows.Next() {
		var t nexus.Task
		var claimedAt int64
		if err := rows.Scan(&t.ID, &t.ProjectKey, &t.Workspace, &t.Filename, &t.MarkdownContent,
			&t.Status, &t.ClaimedBy, &claimedAt, &t.AttemptCount, &t.Error, &t.CreatedAt); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "failed to scan pending inbox task")
		}
		t.ClaimedAt = claimedAt
		selected = append(selected, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate pending inbox tasks")
	}

	const suppressDuplicates = `
		UPDATE nexus_inbox_tasks
		SET status = 'done', error = $3
		WHERE status = 'pending'
		  AND project_key = $1 AND filename = $2
		  AND id <> (
		      SELECT min(id) FROM nexus_inbox_tasks
		      WHERE status = 'pending' AND project_key = $1 AND filename = $2
		  )`

	const claim = `
		UPDATE nexus_inbox_tasks
		SET status = 'processing', claimed_by = $2, claimed_at = now()
		WHERE id = $1 AND status = 'pending'`

	claimed := make([]nexus.Task, 0, len(selected))
	for _, t := range selected {
		id, convErr := strconv.ParseInt(t.ID, 10, 64)
		if convErr != nil {
			return nil, errors.Wrapf(convErr, "invalid inbox task id %q", t.ID)
		}

		if _, err := tx.Exec(ctx, suppressDuplicates, t.ProjectKey, t.Filename, queue.DuplicateSuppressedError); err != nil {
			return nil, errors.Wrap(err, "failed to suppress duplicate inbox tasks")
		}

		tag, err := tx.Exec(ctx, claim, id, workerID)
		if err != nil {
			return nil, errors.Wrap(err, "failed to claim inbox task")
		}
		if tag.RowsAffected() == 0 {
			// Row was suppressed as a duplicate by the statement above
			// (it shared a (project_key, filename) with an earlier row
			// in this same batch); skip it rather than claim a done row.
			continue
		}

		t.Status = nexus.TaskProcessing
		t.ClaimedBy = workerID
		claimed = append(claimed, t)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to commit claim transaction")
	}
	return claimed, nil
}

func (q *Queue) MarkDone(ctx context.Context, id string) error {
	const update = `UPDATE nexus_inbox_tasks SET status = 'done', error = NULL WHERE id = $1`
	tag, err := q.pool.Exec(ctx, update, id)
	if err != nil {
		return errors.Wrapf(err, "failed to mark inbox task %q done", id)
	}
	if tag.RowsAffected() == 0 {
		return errors.Errorf("inbox task %q not found", id)
	}
	return nil
}

func (q *Queue) MarkFailed(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	const update = `
		UPDATE nexus_inbox_tasks
		SET status = 'failed', attempt_count = attempt_count + 1, error = $2
		WHERE id = $1`
	tag, err := q.pool.Exec(ctx, update, id, msg)
	if err != nil {
		return errors.Wrapf(err, "failed to mark inbox task %q failed", id)
	}
	if tag.RowsAffected() == 0 {
		return errors.Errorf("inbox task %q not found", id)
	}
	return nil
}

func (q *Queue) ReclaimStale(ctx context.Context, staleClaimSeconds int64) (int, error) {
	const update = `
		UPDATE nexus_inbox_tasks
		SET status = 'pending', claimed_by = NULL, claimed_at = NULL
		WHERE status = 'processing'
		  AND claimed_at <= now() - ($1 || ' seconds')::interval`
	tag, err := q.pool.Exec(ctx, update, staleClaimSeconds)
	if err != nil {
		return 0, errors.Wrap(err, "failed to reclaim stale inbox tasks")
	}
	return int(tag.RowsAffected()), nil
}

func (q *Queue) ArchiveForIssue(ctx context.Context, issueID string) (int, error) {
	const update = `
		UPDATE nexus_inbox_tasks
		SET status = 'archived'
		WHERE status <> 'archived'
		  AND (filename = $1
		       OR markdown_content LIKE $2
		       OR markdown_content LIKE $3)`
	tag, err := q.pool.Exec(ctx, update,
		"issue_"+issueID+".md",
		"%#"+issueID+":%",
		"%/issues/"+issueID+"%",
	)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to archive inbox tasks for issue %q", issueID)
	}
	return int(tag.RowsAffected()), nil
}

var _ queue.InboxQueue = (*Queue)(nil)
