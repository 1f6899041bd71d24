package model

// Project status
type ProjectStatus string

const (
	ProjectStatusRunning            ProjectStatus = "running"
	ProjectStatusCompleted          ProjectStatus = "completed"
	ProjectStatusPartiallyCompleted ProjectStatus = "partially_completed"
	ProjectStatusFailed             ProjectStatus = "failed"
)

// IsTerminal reports whether the pipeline has finished.
func (s ProjectStatus) IsTerminal() bool {
	return s != ProjectStatusRunning
}

// Stage names
type StageName string

const (
	StageTopic    StageName = "topic"
	StageScript   StageName = "script"
	StageMedia    StageName = "media"
	StageAudio    StageName = "audio"
	StageAssembly StageName = "assembly"
	StagePublish  StageName = "publish"
)

// StageOrder is the fixed execution order of the pipeline.
var StageOrder = []StageName{
	StageTopic, StageScript, StageMedia, StageAudio, StageAssembly, StagePublish,
}

// Context names. A context is the durable output of exactly one stage.
type ContextName string

const (
	ContextTopic    ContextName = "topic"
	ContextScene    ContextName = "scene"
	ContextMedia    ContextName = "media"
	ContextAudio    ContextName = "audio"
	ContextAssembly ContextName = "assembly"
	ContextPublish  ContextName = "publish"
)

var ValidContextNames = []ContextName{
	ContextTopic, ContextScene, ContextMedia, ContextAudio, ContextAssembly, ContextPublish,
}

// Stage outcome status
type OutcomeStatus string

const (
	OutcomeRunning   OutcomeStatus = "running"
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeSkipped   OutcomeStatus = "skipped"
)

// Failure policy of a stage once its retries are exhausted
type Hardness string

const (
	Hard Hardness = "hard"
	Soft Hardness = "soft"
)

// Scene purposes
type ScenePurpose string

const (
	PurposeHook       ScenePurpose = "hook"
	PurposeContent    ScenePurpose = "content"
	PurposeConclusion ScenePurpose = "conclusion"
)

var ValidScenePurposes = []ScenePurpose{
	PurposeHook, PurposeContent, PurposeConclusion,
}

// Media sources, in provider-chain order
type MediaSource string

const (
	SourcePexels            MediaSource = "pexels"
	SourcePixabay           MediaSource = "pixabay"
	SourceSyntheticFallback MediaSource = "synthetic-fallback"
)
