package models

import "time"

// Node is the persisted view of an agent. Operators pause nodes by hostname.
type Node struct {
	AgentID     string
	Hostname    string
	IsActive    bool
	IsPaused    bool
	PauseReason string
	LastSeen    time.Time
}

// Workspace is a storage location that jobs read inputs from and write outputs to. The configuration is opaque to the
// scheduler and is handed to the pre and post tasks.
type Workspace struct {
	Name          string
	IsActive      bool
	Configuration map[string]interface{}
	LastModified  time.Time
}

// SchedulerSettings are operator controlled knobs stored in the database.
type SchedulerSettings struct {
	IsPaused bool
	// Upper bound on the number of queue candidates considered per scheduling cycle. Zero means use the default.
	MaxCandidates int
	// Requests a one-off diagnostic probe on every agent.
	DiagnosticRequested bool
}
