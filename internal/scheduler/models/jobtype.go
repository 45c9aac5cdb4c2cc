package models

import (
	"fmt"
	"time"

	"github.com/scaleproject/scale/internal/scheduler/resources"
)

// JobType is one revision of an algorithm's manifest. Revisions are immutable; a change to a job type creates a new
// revision with a higher RevisionNum.
type JobType struct {
	Name        string
	Version     string
	RevisionNum int64
	// Docker image that runs the algorithm
	Image   string
	Command string
	Args    []string
	Env     map[string]string
	// Resources needed by the main task.
	Resources resources.NodeResources
	// Zero means no timeout.
	TimeoutSeconds int
	MaxTries       int
	Priority       int
	IsActive       bool
	IsPaused       bool
	// If set, executions may only run on the agent with this hostname.
	NodeAffinity string
	// Names of inputs that must be present before a job can be queued.
	RequiredInputs []string
	// Workspace the post task writes outputs to.
	OutputWorkspace string
	ErrorMapping    ErrorMapping
	Created         time.Time
	LastModified    time.Time
}

// Key identifies all revisions of a job type.
func (jt *JobType) Key() string {
	return JobTypeKey(jt.Name, jt.Version)
}

// RevisionKey identifies this exact revision.
func (jt *JobType) RevisionKey() string {
	return JobTypeRevisionKey(jt.Name, jt.Version, jt.RevisionNum)
}

func (jt *JobType) Timeout() time.Duration {
	return time.Duration(jt.TimeoutSeconds) * time.Second
}

func JobTypeKey(name, version string) string {
	return fmt.Sprintf("%s:%s", name, version)
}

func JobTypeRevisionKey(name, version string, revision int64) string {
	return fmt.Sprintf("%s:%s:%d", name, version, revision)
}

// ErrorMapping maps the exit codes of an algorithm onto user visible errors.
type ErrorMapping struct {
	ExitCodes map[int]JobError
}

// Lookup returns the error for a non-zero exit code of the main task. Exit codes without a mapping are reported as
// an unknown algorithm error.
func (m ErrorMapping) Lookup(exitCode int) *JobError {
	if mapped, ok := m.ExitCodes[exitCode]; ok {
		e := mapped
		if e.Category == "" {
			e.Category = ErrorCategoryAlgorithm
		}
		return &e
	}
	return AlgorithmError(ErrorNameAlgorithmUnknown, fmt.Sprintf("algorithm exited with code %d", exitCode))
}
