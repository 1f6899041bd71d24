package model

import (
	"fmt"
	"math"
	"time"
)

// SchemaVersion is written into every stage context document.
const SchemaVersion = 1

// DurationTolerance is the allowed drift, in seconds, between the sum of
// scene durations and the declared total duration.
const DurationTolerance = 0.5

// TopicContext is the output of the topic stage
type TopicContext struct {
	SchemaVersion         int      `json:"schemaVersion"`
	BaseTopic             string   `json:"baseTopic"`
	Title                 string   `json:"title"`
	Angle                 string   `json:"angle"`
	Audience              string   `json:"audience,omitempty"`
	KeyPoints             []string `json:"keyPoints"`
	Keywords              []string `json:"keywords"`
	TargetDurationSeconds float64  `json:"targetDurationSeconds"`
}

// SceneContext is the output of the script stage
type SceneContext struct {
	SchemaVersion int     `json:"schemaVersion"`
	Title         string  `json:"title"`
	TotalDuration float64 `json:"totalDuration"`
	Scenes        []Scene `json:"scenes"`
}

// Scene is one narrated segment of the script
type Scene struct {
	SceneNumber      int          `json:"sceneNumber"`
	DurationSeconds  float64      `json:"durationSeconds"`
	Purpose          ScenePurpose `json:"purpose"`
	NarrationText    string       `json:"narrationText"`
	MediaSearchTerms []string     `json:"mediaSearchTerms"`
}

// Validate checks the scene invariants: contiguous 1-based numbering,
// positive durations, known purposes and a total matching the scene sum.
func (c *SceneContext) Validate() error {
	if len(c.Scenes) == 0 {
		return fmt.Errorf("scenes: at least one scene is required")
	}
	var sum float64
	for i, scene := range c.Scenes {
		if scene.SceneNumber != i+1 {
			return fmt.Errorf("scenes[%d]: sceneNumber %d, want %d", i, scene.SceneNumber, i+1)
		}
		if scene.DurationSeconds <= 0 {
			return fmt.Errorf("scenes[%d]: durationSeconds must be positive", i)
		}
		if !validPurpose(scene.Purpose) {
			return fmt.Errorf("scenes[%d]: unknown purpose %q", i, scene.Purpose)
		}
		sum += scene.DurationSeconds
	}
	if math.Abs(sum-c.TotalDuration) > DurationTolerance {
		return fmt.Errorf("totalDuration %.2f does not match scene sum %.2f", c.TotalDuration, sum)
	}
	return nil
}

func validPurpose(p ScenePurpose) bool {
	for _, v := range ValidScenePurposes {
		if v == p {
			return true
		}
	}
	return false
}

// MediaAsset is one resolved visual assigned to a scene
type MediaAsset struct {
	SceneNumber              int         `json:"sceneNumber"`
	SequenceOrder            int         `json:"sequenceOrder"`
	SourceProvider           MediaSource `json:"sourceProvider"`
	AssetLocator             string      `json:"assetLocator"`
	SearchTerm               string      `json:"searchTerm"`
	AllocatedDurationSeconds float64     `json:"allocatedDurationSeconds"`
	IsRealContent            bool        `json:"isRealContent"`
	RelevanceScore           float64     `json:"relevanceScore"`
}

// SceneMedia groups the assets of one scene
type SceneMedia struct {
	SceneNumber int          `json:"sceneNumber"`
	Assets      []MediaAsset `json:"assets"`
}

// MediaContext is the output of the media stage
type MediaContext struct {
	SchemaVersion int          `json:"schemaVersion"`
	Scenes        []SceneMedia `json:"scenes"`
	TotalAssets   int          `json:"totalAssets"`
	RealAssets    int          `json:"realAssets"`
	Degraded      bool         `json:"degraded"`
}

// Validate checks that allocated durations never exceed the scene duration.
func (c *MediaContext) Validate(scenes *SceneContext) error {
	if scenes == nil {
		return nil
	}
	durations := make(map[int]float64, len(scenes.Scenes))
	for _, s := range scenes.Scenes {
		durations[s.SceneNumber] = s.DurationSeconds
	}
	for _, sm := range c.Scenes {
		var sum float64
		for _, a := range sm.Assets {
			sum += a.AllocatedDurationSeconds
		}
		if d, ok := durations[sm.SceneNumber]; ok && sum > d+1e-9 {
			return fmt.Errorf("scene %d: allocated %.2fs exceeds %.2fs", sm.SceneNumber, sum, d)
		}
	}
	return nil
}

// AudioSegment is the narration for one scene
type AudioSegment struct {
	SceneNumber     int     `json:"sceneNumber"`
	Locator         string  `json:"locator"`
	DurationSeconds float64 `json:"durationSeconds"`
	Synthetic       bool    `json:"synthetic"`
}

// AudioContext is the output of the audio stage
type AudioContext struct {
	SchemaVersion int            `json:"schemaVersion"`
	Voice         string         `json:"voice"`
	Segments      []AudioSegment `json:"segments"`
	TotalDuration float64        `json:"totalDuration"`
	Degraded      bool           `json:"degraded"`
}

// AssemblyContext is the output of the assembly stage
type AssemblyContext struct {
	SchemaVersion   int       `json:"schemaVersion"`
	ArtifactLocator string    `json:"artifactLocator"`
	DurationSeconds float64   `json:"durationSeconds"`
	Resolution      string    `json:"resolution"`
	DegradedInputs  bool      `json:"degradedInputs"`
	AssembledAt     time.Time `json:"assembledAt"`
}

// PublishContext is the output of the publish stage
type PublishContext struct {
	SchemaVersion int       `json:"schemaVersion"`
	PublishID     string    `json:"publishId"`
	URL           string    `json:"url"`
	Platform      string    `json:"platform"`
	PublishedAt   time.Time `json:"publishedAt"`
}
