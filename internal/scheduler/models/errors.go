package models

import (
	"fmt"
)

// ErrorCategory classifies why a job failed. Only SYSTEM errors are retried.
type ErrorCategory string

const (
	ErrorCategoryData      ErrorCategory = "DATA"
	ErrorCategoryAlgorithm ErrorCategory = "ALGORITHM"
	ErrorCategorySystem    ErrorCategory = "SYSTEM"
)

// JobError is the user visible reason a job or execution failed.
type JobError struct {
	Category    ErrorCategory `json:"category"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
}

func (e *JobError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("%s error %s", e.Category, e.Name)
	}
	return fmt.Sprintf("%s error %s: %s", e.Category, e.Name, e.Description)
}

// Retryable reports whether the core may launch another execution after this error.
func (e *JobError) Retryable() bool {
	return e != nil && e.Category == ErrorCategorySystem
}

func SystemError(name, description string) *JobError {
	return &JobError{Category: ErrorCategorySystem, Name: name, Description: description}
}

func DataError(name, description string) *JobError {
	return &JobError{Category: ErrorCategoryData, Name: name, Description: description}
}

func AlgorithmError(name, description string) *JobError {
	return &JobError{Category: ErrorCategoryAlgorithm, Name: name, Description: description}
}

// Well known system errors.
const (
	ErrorNameTimeout           = "timeout"
	ErrorNameNodeLost          = "node-lost"
	ErrorNamePullFailed        = "pull-failed"
	ErrorNamePreTaskFailed     = "pre-task-failed"
	ErrorNamePostTaskFailed    = "post-task-failed"
	ErrorNameTaskKilled        = "task-killed"
	ErrorNameLaunchFailed      = "launch-failed"
	ErrorNameSchedulerRestart  = "scheduler-restarted"
	ErrorNameDeadLettered      = "message-dead-lettered"
	ErrorNameAlgorithmUnknown  = "algorithm-unknown"
	ErrorNameInvalidInput      = "invalid-input"
	ErrorNameMissingInputFiles = "missing-input-files"
)

// ErrNotFound is returned whenever a requested entity does not exist.
type ErrNotFound struct {
	Type  string
	Value string
}

func (err *ErrNotFound) Error() string {
	return fmt.Sprintf("%s %q not found", err.Type, err.Value)
}

// ErrInvalidArgument is returned when a caller supplies a value that can never be valid.
type ErrInvalidArgument struct {
	Name    string
	Value   interface{}
	Message string
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %v is invalid for %s", err.Value, err.Name)
	}
	return fmt.Sprintf("value %v is invalid for %s: %s", err.Value, err.Name, err.Message)
}

// ErrConflict is returned when a state transition is not allowed from the entity's current state.
type ErrConflict struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrConflict) Error() string {
	return fmt.Sprintf("%s %q: %s", err.Type, err.Value, err.Message)
}
