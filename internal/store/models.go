package store

import "time"

const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

type Run struct {
	RunID      string
	Workflow   string
	Resource   string
	Owner      string
	Status     string
	State      string
	StartedAt  time.Time
	FinishedAt *time.Time
	InputsJSON []byte
	ResultJSON []byte
}

type Event struct {
	RunID   string
	Seq     int
	State   string
	Step    string
	Message string
	At      time.Time
}

type ListFilter struct {
	Workflow string
	Resource string
	// Limit defaults to 50.
	Limit int
}
