// Package storequeue implements queue.InboxQueue on top of any
// store.StateStore by keeping every task row in a single JSON document
// guarded by an in-process mutex. It is the queue used with fsstore for
// single-process deployments; pgqueue supersedes it when multiple worker
// processes must claim concurrently, since a single mutex only serializes
// claims within one process.
package storequeue

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/nickmisasi/nexuscore/internal/clock"
	"github.com/nickmisasi/nexuscore/internal/nexus"
	"github.com/nickmisasi/nexuscore/internal/queue"
	"github.com/nickmisasi/nexuscore/internal/store"
)

const documentKey = "inbox_queue"

// document is the single JSON blob persisted at documentKey.
type document struct {
	NextSeq int                    `json:"nextSeq"`
	Tasks   map[string]*taskRecord `json:"tasks"`
}

// taskRecord wraps a nexus.Task with an insertion sequence number so Claim
// can order pending rows by arrival even though task IDs are UUIDs.
type taskRecord struct {
	Seq  int         `json:"seq"`
	Task nexus.Task `json:"task"`
}

// Queue is a StateStore-backed InboxQueue.
type Queue struct {
	backend store.StateStore
	clock   clock.Clock

	mu sync.Mutex
}

// New returns a Queue persisting through backend, using clk for timestamps.
func New(backend store.StateStore, clk clock.Clock) *Queue {
	return &Queue{backend: backend, clock: clk}
}

func (q *Queue) load(ctx context.Context) (*document, error) {
	var doc document
	ok, err := store.LoadInto(ctx, q.backend, documentKey, &doc)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load inbox queue document")
	}
	if !ok {
		doc = document{Tasks: map[string]*taskRecord{}}
	}
	if doc.Tasks == nil {
		doc.Tasks = map[string]*taskRecord{}
	}
	return &doc, nil
}

func (q *Queue) save(ctx context.Context, doc *document) error {
	if err := q.backend.Save(ctx, documentKey, doc); err != nil {
		return errors.Wrap(err, "failed to save inbox queue document")
	}
	return nil
}

func (q *Queue) Enqueue(ctx context.Context, projectKey, workspace, filename, markdownContent string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	doc, err := q.load(ctx)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	now := q.clock.Now().Unix()
	doc.NextSeq++
	doc.Tasks[id] = &taskRecord{
		Seq: doc.NextSeq,
		Task: nexus.Task{
			ID:              id,
			ProjectKey:      projectKey,
			Workspace:       workspace,
			Filename:        filename,
			MarkdownContent: markdownContent,
			Status:          nexus.TaskPending,
			CreatedAt:       now,
		},
	}

	if err := q.save(ctx, doc); err != nil {
		return "", err
	}
	return id, nil
}

func (q *Queue) Claim(ctx context.Context, limit int, workerID string) ([]nexus.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	doc, err := q.load(ctx)
	if err != nil {
		return nil, err
	}

	pending := make([]*taskRecord, 0, len(doc.Tasks))
	for _, rec := range doc.Tasks {
		if rec.Task.Status == nexus.TaskPending {
			pending = append(pending, rec)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Seq < pending[j].Seq })

	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}

	now := q.clock.Now().Unix()
	claimed := make([]nexus.Task, 0, len(pending))
	for _, rec := range pending {
		if rec.Task.Status != nexus.TaskPending {
			continue
		}
		for _, other := range doc.Tasks {
			if other == rec {
				continue
			}
			if other.Task.Status != nexus.TaskPending {
				continue
			}
			if other.Task.ProjectKey == rec.Task.ProjectKey && other.Task.Filename == rec.Task.Filename {
				if other.Seq < rec.Seq {
					continue
				}
				other.Task.Status = nexus.TaskDone
				other.Task.Error = queue.DuplicateSuppressedError
			}
		}

		rec.Task.Status = nexus.TaskProcessing
		rec.Task.ClaimedBy = workerID
		rec.Task.ClaimedAt = now
		claimed = append(claimed, rec.Task)
	}

	if err := q.save(ctx, doc); err != nil {
		return nil, err
	}
	return claimed, nil
}

func (q *Queue) MarkDone(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	doc, err := q.load(ctx)
	if err != nil {
		return err
	}
	rec, ok := doc.Tasks[id]
	if !ok {
		return errors.Errorf("inbox task %q not found", id)
	}
	rec.Task.Status = nexus.TaskDone
	rec.Task.Error = ""
	return q.save(ctx, doc)
}

func (q *Queue) MarkFailed(ctx context.Context, id string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	doc, err := q.load(ctx)
	if err != nil {
		return err
	}
	rec, ok := doc.Tasks[id]
	if !ok {
		return errors.Errorf("inbox task %q not found", id)
	}
	rec.Task.Status = nexus.TaskFailed
	rec.Task.AttemptCount++
	if cause != nil {
		rec.Task.Error = cause.Error()
	}
	return q.save(ctx, doc)
}

func (q *Queue) ReclaimStale(ctx context.Context, staleClaimSeconds int64) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	doc, err := q.load(ctx)
	if err != nil {
		return 0, err
	}

	now := q.clock.Now().Unix()
	reclaimed := 0
	for _, rec := range doc.Tasks {
		if rec.Task.Status != nexus.TaskProcessing {
			continue
		}
		if now-rec.Task.ClaimedAt >= staleClaimSeconds {
			rec.Task.Status = nexus.TaskPending
			rec.Task.ClaimedBy = ""
			rec.Task.ClaimedAt = 0
			reclaimed++
		}
	}

	if reclaimed == 0 {
		return 0, nil
	}
	if err := q.save(ctx, doc); err != nil {
		return 0, err
	}
	return reclaimed, nil
}

// taskReferencesIssue matches a task filed by the webhook's issue_<id>.md
// naming convention, or whose markdown body embeds an "#<id>:" heading or
// a "/issues/<id>" GitHub URL (the two shapes handleIssues/router produce
// for queued tasks).
func taskReferencesIssue(t *nexus.Task, issueID string) bool {
	if t.Filename == "issue_"+issueID+".md" {
		return true
	}
	return strings.Contains(t.MarkdownContent, "#"+issueID+":") ||
		strings.Contains(t.MarkdownContent, "/issues/"+issueID)
}

func (q *Queue) ArchiveForIssue(ctx context.Context, issueID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	doc, err := q.load(ctx)
	if err != nil {
		return 0, err
	}

	archived := 0
	for _, rec := range doc.Tasks {
		if rec.Task.Status == nexus.TaskArchived {
			continue
		}
		if !taskReferencesIssue(&rec.Task, issueID) {
			continue
		}
		rec.Task.Status = nexus.TaskArchived
		archived++
	}

	if archived == 0 {
		return 0, nil
	}
	if err := q.save(ctx, doc); err != nil {
		return 0, err
	}
	return archived, nil
}

var _ queue.InboxQueue = (*Queue)(nil)
