package model

import "time"

// Project is the unit of work for one topic request
type Project struct {
	ID        string        `json:"projectId"`
	BaseTopic string        `json:"baseTopic"`
	CreatedAt time.Time     `json:"createdAt"`
	Status    ProjectStatus `json:"status"`
}

// StartPipelineRequest represents the request to start a pipeline
type StartPipelineRequest struct {
	Topic string `json:"topic" validate:"required,min=3,max=200"`
}

// StartPipelineResponse represents the response when a pipeline is queued
type StartPipelineResponse struct {
	ProjectID string        `json:"projectId"`
	Status    ProjectStatus `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
}

// InvokeStageResponse represents the response when a single stage is queued
type InvokeStageResponse struct {
	ProjectID string    `json:"projectId"`
	Stage     StageName `json:"stage"`
	Queued    bool      `json:"queued"`
}

// CancelPipelineResponse represents the response when cancelling a pipeline
type CancelPipelineResponse struct {
	Success   bool          `json:"success"`
	ProjectID string        `json:"projectId"`
	Status    ProjectStatus `json:"status"`
}

// ProjectListResponse lists recent projects, newest first
type ProjectListResponse struct {
	Projects []Project `json:"projects"`
}
