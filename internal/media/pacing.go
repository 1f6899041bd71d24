package media

import (
	"math"

	"github.com/clipforge/api/internal/model"
)

// Visual count bounds for any scene
const (
	MinVisuals = 2
	MaxVisuals = 8
)

// Pacing is the visual rhythm of a scene purpose
type Pacing struct {
	SecondsPerVisual float64
	MaxVisuals       int
}

var pacingByPurpose = map[model.ScenePurpose]Pacing{
	model.PurposeHook:       {SecondsPerVisual: 3, MaxVisuals: 5},
	model.PurposeContent:    {SecondsPerVisual: 4, MaxVisuals: 6},
	model.PurposeConclusion: {SecondsPerVisual: 5, MaxVisuals: 4},
}

// PacingFor returns the pacing of a purpose. Unknown purposes pace as content.
func PacingFor(purpose model.ScenePurpose) Pacing {
	if p, ok := pacingByPurpose[purpose]; ok {
		return p
	}
	return pacingByPurpose[model.PurposeContent]
}

// VisualsNeeded is clamp(min(ceil(duration/spv), purposeMax), 2, 8).
func VisualsNeeded(durationSeconds float64, purpose model.ScenePurpose) int {
	p := PacingFor(purpose)
	n := int(math.Ceil(durationSeconds / p.SecondsPerVisual))
	if n > p.MaxVisuals {
		n = p.MaxVisuals
	}
	if n < MinVisuals {
		n = MinVisuals
	}
	if n > MaxVisuals {
		n = MaxVisuals
	}
	return n
}

// AllocatedDuration is the screen time of visual i (1-based):
// clamp(duration - (i-1)*spv, 0, spv).
func AllocatedDuration(durationSeconds, secondsPerVisual float64, i int) float64 {
	d := durationSeconds - float64(i-1)*secondsPerVisual
	if d < 0 {
		return 0
	}
	if d > secondsPerVisual {
		return secondsPerVisual
	}
	return d
}
