package engine

import "github.com/pkg/errors"

// ErrWorkflowNotFound is returned when an issue has no workflow mapping.
var ErrWorkflowNotFound = errors.New("engine: workflow not found")

// ErrStepAgentMismatch is returned when the reported completing agent does
// not match the currently-running step's agent.
var ErrStepAgentMismatch = errors.New("engine: completed agent does not match running step")

// ErrNoMatchingStep is returned by reset_workflow_to_agent when no step's
// agent matches the requested target.
var ErrNoMatchingStep = errors.New("engine: no step matches target agent")
