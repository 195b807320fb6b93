// Package nexus holds the entity types shared across the orchestration core:
// inbox tasks, workflows and steps, launched-agent records, idempotency keys,
// completion summaries, and feature records. Storage and transport packages
// depend on nexus; nexus depends on nothing else in this module.
package nexus

// TaskStatus is the lifecycle state of a queued inbox row.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskDone       TaskStatus = "done"
	TaskFailed     TaskStatus = "failed"
	TaskArchived   TaskStatus = "archived"
)

// Task is a single inbox queue row awaiting processing into an issue + workflow.
type Task struct {
	ID              string     `json:"id"`
	ProjectKey      string     `json:"projectKey"`
	Workspace       string     `json:"workspace"`
	Filename        string     `json:"filename"`
	MarkdownContent string     `json:"markdownContent"`
	Status          TaskStatus `json:"status"`
	ClaimedBy       string     `json:"claimedBy,omitempty"`
	ClaimedAt       int64      `json:"claimedAt,omitempty"`
	AttemptCount    int        `json:"attemptCount"`
	Error           string     `json:"error,omitempty"`
	CreatedAt       int64      `json:"createdAt"`
}

// WorkflowState is the lifecycle state of a per-issue workflow.
type WorkflowState string

const (
	WorkflowPending   WorkflowState = "pending"
	WorkflowRunning   WorkflowState = "running"
	WorkflowPaused    WorkflowState = "paused"
	WorkflowCompleted WorkflowState = "completed"
	WorkflowFailed    WorkflowState = "failed"
	WorkflowCancelled WorkflowState = "cancelled"
	WorkflowStopped   WorkflowState = "stopped"
)

// IsTerminal reports whether the workflow will never transition again.
func (s WorkflowState) IsTerminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled, WorkflowStopped:
		return true
	default:
		return false
	}
}

// StepStatus is the lifecycle state of a single workflow step.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepComplete StepStatus = "complete"
	StepFailed   StepStatus = "failed"
	StepSkipped  StepStatus = "skipped"
	StepPaused   StepStatus = "paused"
)

// Agent identifies the external AI process bound to a workflow step.
type Agent struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	Type        string `json:"type"`
}

// Step is one stage of a workflow's ordered step list.
type Step struct {
	StepNum     int        `json:"stepNum"`
	Name        string     `json:"name"`
	Agent       Agent      `json:"agent"`
	Status      StepStatus `json:"status"`
	StartedAt   int64      `json:"startedAt,omitempty"`
	CompletedAt int64      `json:"completedAt,omitempty"`
	Outputs     map[string]any `json:"outputs,omitempty"`
}

// WorkflowMetadata carries denormalized display fields for a workflow.
type WorkflowMetadata struct {
	IssueURL  string `json:"issueUrl"`
	CreatedAt int64  `json:"createdAt"`
}

// Workflow is the ordered sequence of steps run for one issue.
type Workflow struct {
	WorkflowID     string           `json:"workflowId"`
	Name           string           `json:"name"`
	IssueID        string           `json:"issueId"`
	ProjectKey     string           `json:"projectKey"`
	RepoKey        string           `json:"repoKey"`
	Tier           string           `json:"tier"`
	State          WorkflowState    `json:"state"`
	Steps          []Step           `json:"steps"`
	CurrentStepNum int              `json:"currentStepNum"`
	Metadata       WorkflowMetadata `json:"metadata"`
	PauseReason    string           `json:"pauseReason,omitempty"`
	CreatedAt      int64            `json:"createdAt"`
	UpdatedAt      int64            `json:"updatedAt"`
}

// RunningStep returns the single step currently running, if any.
func (w *Workflow) RunningStep() *Step {
	for i := range w.Steps {
		if w.Steps[i].Status == StepRunning {
			return &w.Steps[i]
		}
	}
	return nil
}

// StepByAgent returns the first step whose agent name matches (normalized), if any.
func (w *Workflow) StepByAgent(agentName string) *Step {
	normalized := NormalizeAgentReference(agentName)
	for i := range w.Steps {
		if NormalizeAgentReference(w.Steps[i].Agent.Name) == normalized {
			return &w.Steps[i]
		}
	}
	return nil
}

// StepDefinition is one entry of a WorkflowDefinition's ordered step list,
// supplied by callers of create_workflow_for_issue.
type StepDefinition struct {
	Name  string `json:"name"`
	Agent Agent  `json:"agent"`
}

// WorkflowDefinition is the template create_workflow_for_issue instantiates
// into a concrete Workflow's Steps.
type WorkflowDefinition struct {
	Name  string           `json:"name"`
	Steps []StepDefinition `json:"steps"`
}

// LaunchedAgentRecord is the last-known state of one external agent process.
type LaunchedAgentRecord struct {
	IssueID      string   `json:"issueId"`
	AgentName    string   `json:"agentName"`
	PID          int      `json:"pid"`
	Tool         string   `json:"tool"`
	Tier         string   `json:"tier"`
	Timestamp    int64    `json:"timestamp"`
	ExcludeTools []string `json:"excludeTools,omitempty"`
}

// CompletionSummary is the structured result an agent writes on exit.
type CompletionSummary struct {
	IssueID     string   `json:"issueId,omitempty"`
	Status      string   `json:"status"`
	AgentType   string   `json:"agentType"`
	Summary     string   `json:"summary"`
	KeyFindings []string `json:"keyFindings"`
	NextAgent   string   `json:"nextAgent"`
}

const (
	CompletionStatusComplete = "complete"
	CompletionStatusFailed   = "failed"
)

// FeatureRecord is a deduplication-aware "already implemented" feature entry.
type FeatureRecord struct {
	FeatureID          string   `json:"featureId"`
	ProjectKey         string   `json:"projectKey"`
	CanonicalTitle     string   `json:"canonicalTitle"`
	CanonicalTitleHash string   `json:"canonicalTitleHash"`
	Aliases            []string `json:"aliases,omitempty"`
	SourceIssue        string   `json:"sourceIssue,omitempty"`
	SourcePR           string   `json:"sourcePr,omitempty"`
	ManualOverride     bool     `json:"manualOverride"`
	CreatedAt          int64    `json:"createdAt"`
}

// Alert is a structured, severity-tagged record surfaced to front-ends.
type Alert struct {
	Message     string `json:"message"`
	Severity    string `json:"severity"`
	Source      string `json:"source"`
	ProjectKey  string `json:"projectKey,omitempty"`
	IssueNumber string `json:"issueNumber,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)
