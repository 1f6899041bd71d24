package store

import (
	"fmt"

	"github.com/clipforge/api/internal/model"
)

// ProjectIndexKey is a sorted set of project ids scored by creation time.
const ProjectIndexKey = "projects:index"

// ContextKey is the only place a stage context key is built.
func ContextKey(projectID string, name model.ContextName) string {
	return fmt.Sprintf("project:%s:context:%s", projectID, name)
}

// ProjectKey holds the project record.
func ProjectKey(projectID string) string {
	return fmt.Sprintf("project:%s", projectID)
}

// ExecutionKey holds the pipeline execution record.
func ExecutionKey(projectID string) string {
	return fmt.Sprintf("project:%s:execution", projectID)
}

// CancelKey is set when cancellation has been requested.
func CancelKey(projectID string) string {
	return fmt.Sprintf("project:%s:cancel", projectID)
}

// RunLockKey holds the token of the run currently driving the project.
func RunLockKey(projectID string) string {
	return fmt.Sprintf("project:%s:lock", projectID)
}

// AssetObjectKey is the object storage key of an uploaded project asset,
// e.g. projects/{id}/audio/scene-001.mp3.
func AssetObjectKey(projectID, kind string, sceneNumber int, ext string) string {
	if sceneNumber <= 0 {
		return fmt.Sprintf("projects/%s/%s/final.%s", projectID, kind, ext)
	}
	return fmt.Sprintf("projects/%s/%s/scene-%03d.%s", projectID, kind, sceneNumber, ext)
}

// SyntheticAssetLocator identifies a generated placeholder visual.
func SyntheticAssetLocator(projectID string, sceneNumber, sequence int) string {
	return fmt.Sprintf("synthetic://projects/%s/scenes/%d/visuals/%d", projectID, sceneNumber, sequence)
}

// SyntheticAudioLocator identifies a generated placeholder narration track.
func SyntheticAudioLocator(projectID string, sceneNumber int) string {
	return fmt.Sprintf("synthetic://projects/%s/scenes/%d/narration", projectID, sceneNumber)
}
