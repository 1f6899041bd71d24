package model

// WebSocket message types
const (
	WSMessageTypeStage    = "stage"
	WSMessageTypeComplete = "complete"
	WSMessageTypeError    = "error"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSStageMessage represents a stage transition
type WSStageMessage struct {
	Type      string        `json:"type"`
	ProjectID string        `json:"projectId"`
	Stage     StageName     `json:"stage"`
	Status    OutcomeStatus `json:"status"`
	Attempt   int           `json:"attempt"`
	ErrorKind string        `json:"errorKind,omitempty"`
}

// WSCompleteMessage represents pipeline completion
type WSCompleteMessage struct {
	Type      string             `json:"type"`
	ProjectID string             `json:"projectId"`
	Execution *PipelineExecution `json:"execution"`
}

// WSErrorMessage represents an error
type WSErrorMessage struct {
	Type      string  `json:"type"`
	ProjectID string  `json:"projectId"`
	Error     WSError `json:"error"`
}

// WSError represents error details
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
