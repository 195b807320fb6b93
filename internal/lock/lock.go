// Package lock serializes operations on a single issue's workflow so two
// goroutines (e.g. a webhook delivery and a scheduler tick) never apply
// complete_step or a reconciliation pass to the same issue concurrently.
// This replaces the teacher's single global mutex around KV read-modify-
// write sequences with a per-key lock, so unrelated issues never contend.
package lock

import "sync"

// IssueLocker grants exclusive access to one issue ID at a time.
type IssueLocker interface {
	// Lock blocks until the caller holds the lock for issueID and returns
	// a function that releases it. Callers must always call the returned
	// unlock func, typically via defer.
	Lock(issueID string) (unlock func())
}

// InMemory is a process-local IssueLocker keyed by issue ID, suitable for
// single-process deployments (fsstore/storequeue). redislock.Locker
// supersedes it for multi-process deployments.
type InMemory struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewInMemory returns an empty per-issue locker.
func NewInMemory() *InMemory {
	return &InMemory{locks: map[string]*sync.Mutex{}}
}

func (l *InMemory) Lock(issueID string) func() {
	l.mu.Lock()
	m, ok := l.locks[issueID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[issueID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

var _ IssueLocker = (*InMemory)(nil)
