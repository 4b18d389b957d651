package pipeline

import (
	"fmt"
	"strings"

	"github.com/stanstork/ocms-cron/internal/models"
)

// Result is the aggregate of one pipeline run.
type Result struct {
	Job       string
	State     models.PipelineState
	Overall   models.StepStatus
	Steps     []models.StepOutcome
	Records   int
	FileName  string
	RequestID string
	Notes     []string
}

func (r *Result) add(out models.StepOutcome) {
	r.Steps = append(r.Steps, out)
}

// StepsExecuted counts steps that did work, so a run that found no data
// reports zero.
func (r Result) StepsExecuted() int {
	n := 0
	for _, s := range r.Steps {
		if s.Status != models.StepSkipped {
			n++
		}
	}
	return n
}

func (r Result) Step(name models.StepName) (models.StepOutcome, bool) {
	for _, s := range r.Steps {
		if s.Step == name {
			return s, true
		}
	}
	return models.StepOutcome{}, false
}

// Message is the one-line outcome reported to the trigger.
func (r Result) Message() string {
	switch r.Overall {
	case models.StepSkipped:
		return fmt.Sprintf("%s skip no data", r.Job)
	case models.StepSuccess:
		return fmt.Sprintf("%s completed: %d records sent in %s", r.Job, r.Records, r.FileName)
	}
	var failed []string
	for _, s := range r.Steps {
		if s.Status == models.StepFailed {
			failed = append(failed, fmt.Sprintf("%s (%s)", s.Step, s.Detail))
		}
	}
	return fmt.Sprintf("%s failed: %s", r.Job, strings.Join(failed, "; "))
}

// Summary is the per-step breakdown written to the audit log text.
func (r Result) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "overall=%s state=%s records=%d", r.Overall, r.State, r.Records)
	if r.FileName != "" {
		fmt.Fprintf(&b, " file=%s", r.FileName)
	}
	if r.RequestID != "" {
		fmt.Fprintf(&b, " request=%s", r.RequestID)
	}
	for _, s := range r.Steps {
		fmt.Fprintf(&b, "\n%s: %s records=%d", s.Step, s.Status, s.RecordCount)
		if s.Attempts > 1 {
			fmt.Fprintf(&b, " attempts=%d", s.Attempts)
		}
		if s.Detail != "" {
			fmt.Fprintf(&b, " (%s)", s.Detail)
		}
	}
	for _, n := range r.Notes {
		fmt.Fprintf(&b, "\nnote: %s", n)
	}
	return b.String()
}
