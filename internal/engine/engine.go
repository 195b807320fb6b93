// Package engine implements WorkflowEngine: the per-issue state machine
// that chains agents through an ordered step list, deduplicating
// completion events via an IdempotencyLedger and linearizing mutation
// with a per-issue lock.
package engine

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/nickmisasi/nexuscore/internal/clock"
	"github.com/nickmisasi/nexuscore/internal/eventbus"
	"github.com/nickmisasi/nexuscore/internal/ledger"
	"github.com/nickmisasi/nexuscore/internal/lock"
	"github.com/nickmisasi/nexuscore/internal/metrics"
	"github.com/nickmisasi/nexuscore/internal/nexus"
	"github.com/nickmisasi/nexuscore/internal/store"
)

const (
	issueWorkflowMapKey = "issue_workflow_map"
	workflowKeyPrefix   = "workflows/"
)

// Topics published on the event bus.
const (
	TopicStepStatusChanged = "step_status_changed"
	TopicWorkflowCompleted = "workflow_completed"
)

// StepStatusChangedEvent is the payload for TopicStepStatusChanged.
type StepStatusChangedEvent struct {
	IssueID    string
	WorkflowID string
	Step       nexus.Step
}

// WorkflowCompletedEvent is the payload for TopicWorkflowCompleted.
type WorkflowCompletedEvent struct {
	IssueID    string
	WorkflowID string
}

// CompleteStepResult is the return value of CompleteStep.
type CompleteStepResult struct {
	Terminal  bool
	NextAgent string
}

// Status is the return value of GetWorkflowStatus.
type Status struct {
	State           nexus.WorkflowState
	CurrentStepNum  int
	TotalSteps      int
	CurrentStepName string
	WorkflowName    string
}

// Engine is the WorkflowEngine implementation.
type Engine struct {
	store     store.StateStore
	ledger    ledger.Ledger
	locker    lock.IssueLocker
	bus       eventbus.Bus
	clock     clock.Clock
	terminals *nexus.TerminalSet
	metrics   *metrics.Registry
}

// New constructs an Engine. terminals may be nil, in which case only the
// built-in default sentinels are honored. m may be nil, in which case
// step-transition and workflow-completion counters are not recorded.
func New(backend store.StateStore, led ledger.Ledger, locker lock.IssueLocker, bus eventbus.Bus, clk clock.Clock, terminals *nexus.TerminalSet, m *metrics.Registry) *Engine {
	return &Engine{store: backend, ledger: led, locker: locker, bus: bus, clock: clk, terminals: terminals, metrics: m}
}

type issueWorkflowMap map[string]string

func (e *Engine) loadIssueMap(ctx context.Context) (issueWorkflowMap, error) {
	var m issueWorkflowMap
	ok, err := store.LoadInto(ctx, e.store, issueWorkflowMapKey, &m)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load issue workflow map")
	}
	if !ok || m == nil {
		m = issueWorkflowMap{}
	}
	return m, nil
}

func (e *Engine) saveIssueMap(ctx context.Context, m issueWorkflowMap) error {
	if err := e.store.Save(ctx, issueWorkflowMapKey, m); err != nil {
		return errors.Wrap(err, "failed to save issue workflow map")
	}
	return nil
}

func (e *Engine) loadWorkflow(ctx context.Context, workflowID string) (*nexus.Workflow, error) {
	var wf nexus.Workflow
	ok, err := store.LoadInto(ctx, e.store, workflowKeyPrefix+workflowID, &wf)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load workflow %q", workflowID)
	}
	if !ok {
		return nil, nil
	}
	return &wf, nil
}

func (e *Engine) saveWorkflow(ctx context.Context, wf *nexus.Workflow) error {
	wf.UpdatedAt = e.clock.Now().Unix()
	if err := e.store.Save(ctx, workflowKeyPrefix+wf.WorkflowID, wf); err != nil {
		return errors.Wrapf(err, "failed to save workflow %q", wf.WorkflowID)
	}
	return nil
}

// findWorkflowForIssue resolves an issue ID to its workflow, or (nil, nil)
// if unmapped.
func (e *Engine) findWorkflowForIssue(ctx context.Context, issueID string) (*nexus.Workflow, error) {
	m, err := e.loadIssueMap(ctx)
	if err != nil {
		return nil, err
	}
	workflowID, ok := m[issueID]
	if !ok {
		return nil, nil
	}
	return e.loadWorkflow(ctx, workflowID)
}

// GetWorkflowForIssue returns the issue's workflow, or (nil, nil) if
// unmapped. Exposed for the Reconciler, which needs read access to every
// mapped workflow without going through an engine operation.
func (e *Engine) GetWorkflowForIssue(ctx context.Context, issueID string) (*nexus.Workflow, error) {
	return e.findWorkflowForIssue(ctx, issueID)
}

// RunningStepAgent returns the normalized agent name of issueID's currently
// running step — the value CompleteStep's completedAgent parameter must
// match. Returns ("", ErrWorkflowNotFound) if the issue has no workflow
// mapping, or ("", nil) if the workflow has no step currently running.
func (e *Engine) RunningStepAgent(ctx context.Context, issueID string) (string, error) {
	wf, err := e.findWorkflowForIssue(ctx, issueID)
	if err != nil {
		return "", err
	}
	if wf == nil {
		return "", ErrWorkflowNotFound
	}
	running := wf.RunningStep()
	if running == nil {
		return "", nil
	}
	return nexus.NormalizeAgentReference(running.Agent.Name), nil
}

// ListIssueWorkflowIDs returns the full issue→workflow mapping, for the
// Reconciler's per-tick scan over every tracked issue.
func (e *Engine) ListIssueWorkflowIDs(ctx context.Context) (map[string]string, error) {
	m, err := e.loadIssueMap(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]string(m), nil
}

// CancelWorkflow transitions a workflow straight to cancelled, used by the
// Reconciler's closed-issue reconciliation step (no step transitions, no
// ledger interaction — this is an administrative state change, not a
// completion).
func (e *Engine) CancelWorkflow(ctx context.Context, issueID string) error {
	unlock := e.locker.Lock(issueID)
	defer unlock()

	wf, err := e.findWorkflowForIssue(ctx, issueID)
	if err != nil {
		return err
	}
	if wf == nil {
		return ErrWorkflowNotFound
	}
	wf.State = nexus.WorkflowCancelled
	return e.saveWorkflow(ctx, wf)
}

// CreateWorkflowForIssue persists a new workflow document and the
// issue→workflow mapping atomically (a single StateStore document write
// each, guarded by the issue lock so a concurrent create for the same
// issue cannot race).
func (e *Engine) CreateWorkflowForIssue(ctx context.Context, issueID, projectKey, repoKey, tier string, def nexus.WorkflowDefinition) (string, error) {
	unlock := e.locker.Lock(issueID)
	defer unlock()

	steps := make([]nexus.Step, len(def.Steps))
	for i, sd := range def.Steps {
		steps[i] = nexus.Step{
			StepNum: i + 1,
			Name:    sd.Name,
			Agent:   sd.Agent,
			Status:  nexus.StepPending,
		}
	}

	now := e.clock.Now().Unix()
	wf := &nexus.Workflow{
		WorkflowID:     uuid.NewString(),
		Name:           def.Name,
		IssueID:        issueID,
		ProjectKey:     projectKey,
		RepoKey:        repoKey,
		Tier:           tier,
		State:          nexus.WorkflowPending,
		Steps:          steps,
		CurrentStepNum: 0,
		Metadata:       nexus.WorkflowMetadata{CreatedAt: now},
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := e.saveWorkflow(ctx, wf); err != nil {
		return "", err
	}

	m, err := e.loadIssueMap(ctx)
	if err != nil {
		return "", err
	}
	m[issueID] = wf.WorkflowID
	if err := e.saveIssueMap(ctx, m); err != nil {
		return "", err
	}

	return wf.WorkflowID, nil
}

// StartWorkflow transitions workflowID to running and sets step 1 running.
func (e *Engine) StartWorkflow(ctx context.Context, workflowID, issueID string) error {
	unlock := e.locker.Lock(issueID)
	defer unlock()

	wf, err := e.loadWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf == nil {
		return ErrWorkflowNotFound
	}

	wf.State = nexus.WorkflowRunning
	if len(wf.Steps) > 0 {
		wf.Steps[0].Status = nexus.StepRunning
		wf.Steps[0].StartedAt = e.clock.Now().Unix()
		wf.CurrentStepNum = wf.Steps[0].StepNum
	}
	return e.saveWorkflow(ctx, wf)
}

// CompleteStep applies the eight-step complete_step contract: dedup via the
// ledger, verify the reporting agent matches the running step, transition
// the step, detect workflow terminus, advance to the next step, persist,
// record the ledger entry, and emit events — strictly in that order, and
// only on success of every prior step.
func (e *Engine) CompleteStep(ctx context.Context, issueID, completedAgent string, outputs map[string]any, eventID string) (CompleteStepResult, error) {
	unlock := e.locker.Lock(issueID)
	defer unlock()

	wf, err := e.findWorkflowForIssue(ctx, issueID)
	if err != nil {
		return CompleteStepResult{}, err
	}
	if wf == nil {
		return CompleteStepResult{}, ErrWorkflowNotFound
	}

	running := wf.RunningStep()
	if running == nil {
		return CompleteStepResult{}, errors.New("engine: no step is currently running")
	}

	stepNum := running.StepNum
	if reported := wf.StepByAgent(completedAgent); reported != nil {
		stepNum = reported.StepNum
	}
	digest := e.ledger.Digest(issueID, stepNum, completedAgent, eventID)
	if dup, err := e.ledger.Seen(ctx, digest); err != nil {
		return CompleteStepResult{}, err
	} else if dup {
		return CompleteStepResult{}, nil
	}

	if nexus.NormalizeAgentReference(completedAgent) != nexus.NormalizeAgentReference(running.Agent.Name) {
		return CompleteStepResult{}, ErrStepAgentMismatch
	}

	status, _ := outputs["status"].(string)
	now := e.clock.Now().Unix()
	running.CompletedAt = now
	running.Outputs = outputs
	if status == "failed" {
		running.Status = nexus.StepFailed
	} else {
		running.Status = nexus.StepComplete
	}

	nextAgent, _ := outputs["next_agent"].(string)
	result := CompleteStepResult{}
	var completedEvt *WorkflowCompletedEvent

	if running.Status == nexus.StepFailed || e.terminals.IsTerminal(nextAgent) {
		wf.State = nexus.WorkflowCompleted
		if running.Status == nexus.StepFailed {
			wf.State = nexus.WorkflowFailed
		}
		result.Terminal = true
		completedEvt = &WorkflowCompletedEvent{IssueID: issueID, WorkflowID: wf.WorkflowID}
	} else {
		next := wf.StepByAgent(nextAgent)
		if next == nil {
			return CompleteStepResult{}, errors.Errorf("engine: no step matches next_agent %q", nextAgent)
		}
		next.Status = nexus.StepRunning
		next.StartedAt = now
		wf.CurrentStepNum = next.StepNum
		result.NextAgent = nextAgent
	}

	if err := e.saveWorkflow(ctx, wf); err != nil {
		return CompleteStepResult{}, err
	}

	if err := e.ledger.Record(ctx, digest); err != nil {
		return CompleteStepResult{}, err
	}

	e.bus.Publish(eventbus.Event{Topic: TopicStepStatusChanged, Payload: StepStatusChangedEvent{
		IssueID: issueID, WorkflowID: wf.WorkflowID, Step: *running,
	}})
	if completedEvt != nil {
		e.bus.Publish(eventbus.Event{Topic: TopicWorkflowCompleted, Payload: *completedEvt})
	}

	if e.metrics != nil {
		e.metrics.StepTransitionsTotal.WithLabelValues(string(running.Status)).Inc()
		if completedEvt != nil {
			e.metrics.WorkflowsCompletedTotal.Inc()
		}
	}

	return result, nil
}

// PauseWorkflow freezes auto-chaining without altering any step's status.
func (e *Engine) PauseWorkflow(ctx context.Context, issueID, reason string) error {
	unlock := e.locker.Lock(issueID)
	defer unlock()

	wf, err := e.findWorkflowForIssue(ctx, issueID)
	if err != nil {
		return err
	}
	if wf == nil {
		return ErrWorkflowNotFound
	}
	wf.State = nexus.WorkflowPaused
	wf.PauseReason = reason
	return e.saveWorkflow(ctx, wf)
}

// ResumeWorkflow re-enables chaining without launching an agent.
func (e *Engine) ResumeWorkflow(ctx context.Context, issueID string) error {
	unlock := e.locker.Lock(issueID)
	defer unlock()

	wf, err := e.findWorkflowForIssue(ctx, issueID)
	if err != nil {
		return err
	}
	if wf == nil {
		return ErrWorkflowNotFound
	}
	wf.State = nexus.WorkflowRunning
	wf.PauseReason = ""
	return e.saveWorkflow(ctx, wf)
}

// StopWorkflow is a terminal operator action.
func (e *Engine) StopWorkflow(ctx context.Context, issueID string) error {
	unlock := e.locker.Lock(issueID)
	defer unlock()

	wf, err := e.findWorkflowForIssue(ctx, issueID)
	if err != nil {
		return err
	}
	if wf == nil {
		return ErrWorkflowNotFound
	}
	wf.State = nexus.WorkflowStopped
	return e.saveWorkflow(ctx, wf)
}

// GetWorkflowStatus reports the current position of an issue's workflow.
func (e *Engine) GetWorkflowStatus(ctx context.Context, issueID string) (Status, error) {
	wf, err := e.findWorkflowForIssue(ctx, issueID)
	if err != nil {
		return Status{}, err
	}
	if wf == nil {
		return Status{}, ErrWorkflowNotFound
	}

	var currentName string
	for _, s := range wf.Steps {
		if s.StepNum == wf.CurrentStepNum {
			currentName = s.Name
			break
		}
	}

	return Status{
		State:           wf.State,
		CurrentStepNum:  wf.CurrentStepNum,
		TotalSteps:      len(wf.Steps),
		CurrentStepName: currentName,
		WorkflowName:    wf.Name,
	}, nil
}

// ResetWorkflowToAgent is the operator escape hatch: finds the first step
// whose agent equals targetAgent, sets it running, all later steps
// pending, all earlier steps complete.
func (e *Engine) ResetWorkflowToAgent(ctx context.Context, issueID, targetAgent string) (bool, error) {
	unlock := e.locker.Lock(issueID)
	defer unlock()

	wf, err := e.findWorkflowForIssue(ctx, issueID)
	if err != nil {
		return false, err
	}
	if wf == nil {
		return false, ErrWorkflowNotFound
	}

	target := wf.StepByAgent(targetAgent)
	if target == nil {
		return false, ErrNoMatchingStep
	}

	now := e.clock.Now().Unix()
	for i := range wf.Steps {
		switch {
		case wf.Steps[i].StepNum < target.StepNum:
			wf.Steps[i].Status = nexus.StepComplete
			if wf.Steps[i].CompletedAt == 0 {
				wf.Steps[i].CompletedAt = now
			}
		case wf.Steps[i].StepNum == target.StepNum:
			wf.Steps[i].Status = nexus.StepRunning
			wf.Steps[i].StartedAt = now
			wf.Steps[i].CompletedAt = 0
		default:
			wf.Steps[i].Status = nexus.StepPending
			wf.Steps[i].StartedAt = 0
			wf.Steps[i].CompletedAt = 0
		}
	}
	wf.CurrentStepNum = target.StepNum
	wf.State = nexus.WorkflowRunning

	if err := e.saveWorkflow(ctx, wf); err != nil {
		return false, err
	}
	return true, nil
}
