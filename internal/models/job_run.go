package models

import (
	"fmt"
	"time"
)

type RunStatus string

const (
	RunStatusRunning RunStatus = "RUNNING"
	RunStatusSuccess RunStatus = "SUCCESS"
	RunStatusFailed  RunStatus = "FAILED"
)

// Code is the single-character form stored in the audit table.
func (s RunStatus) Code() string {
	switch s {
	case RunStatusSuccess:
		return "S"
	case RunStatusFailed:
		return "F"
	default:
		return "R"
	}
}

func RunStatusFromCode(code string) (RunStatus, error) {
	switch code {
	case "S":
		return RunStatusSuccess, nil
	case "F":
		return RunStatusFailed, nil
	case "R":
		return RunStatusRunning, nil
	}
	return "", fmt.Errorf("unknown run status code %q", code)
}

// JobRun is one audit row per execution of a job.
type JobRun struct {
	ID        int64      `json:"id" db:"id"`
	JobName   string     `json:"name" db:"name"`
	RunStatus RunStatus  `json:"run_status" db:"run_status"`
	LogText   string     `json:"log_text" db:"log_text"`
	StartedAt time.Time  `json:"start_run" db:"start_run"`
	EndedAt   *time.Time `json:"end_run,omitempty" db:"end_run"`
}

// JobResult is what a run reports back to its trigger.
type JobResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type TriggerResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	JobName   string `json:"jobName"`
	Timestamp int64  `json:"timestamp"`
}
