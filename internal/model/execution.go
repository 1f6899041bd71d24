package model

import (
	"sort"
	"time"
)

// PipelineExecution is the per-project audit record
type PipelineExecution struct {
	ProjectID       string         `json:"projectId"`
	Status          ProjectStatus  `json:"status"`
	Outcomes        []StageOutcome `json:"outcomes"`
	CancelRequested bool           `json:"cancelRequested,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
	FinishedAt      *time.Time     `json:"finishedAt,omitempty"`
}

// StageOutcome records what happened to one stage of a project
type StageOutcome struct {
	Stage        StageName     `json:"stageName"`
	Status       OutcomeStatus `json:"status"`
	Attempts     int           `json:"attempts"`
	StartedAt    *time.Time    `json:"startedAt,omitempty"`
	FinishedAt   *time.Time    `json:"finishedAt,omitempty"`
	ErrorKind    string        `json:"errorKind,omitempty"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
	Degraded     bool          `json:"degraded,omitempty"`
}

// NewExecution creates an empty running execution record
func NewExecution(projectID string, now time.Time) *PipelineExecution {
	return &PipelineExecution{
		ProjectID: projectID,
		Status:    ProjectStatusRunning,
		Outcomes:  []StageOutcome{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Outcome returns the outcome recorded for a stage, if any.
func (e *PipelineExecution) Outcome(stage StageName) (*StageOutcome, bool) {
	for i := range e.Outcomes {
		if e.Outcomes[i].Stage == stage {
			return &e.Outcomes[i], true
		}
	}
	return nil, false
}

// Upsert returns the outcome for a stage, appending a fresh one when the
// stage has not been recorded yet. Outcomes stay in pipeline order.
func (e *PipelineExecution) Upsert(stage StageName) *StageOutcome {
	if o, ok := e.Outcome(stage); ok {
		return o
	}
	e.Outcomes = append(e.Outcomes, StageOutcome{Stage: stage})
	sortOutcomes(e.Outcomes)
	o, _ := e.Outcome(stage)
	return o
}

// Succeeded reports whether the stage's last recorded outcome succeeded.
func (e *PipelineExecution) Succeeded(stage StageName) bool {
	o, ok := e.Outcome(stage)
	return ok && o.Status == OutcomeSucceeded
}

func sortOutcomes(outcomes []StageOutcome) {
	rank := make(map[StageName]int, len(StageOrder))
	for i, name := range StageOrder {
		rank[name] = i
	}
	sort.SliceStable(outcomes, func(i, j int) bool {
		return rank[outcomes[i].Stage] < rank[outcomes[j].Stage]
	})
}
