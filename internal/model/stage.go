package model

import "fmt"

// StageSpec describes a pipeline stage: what it writes, what it reads and
// how its exhausted failures are handled.
type StageSpec struct {
	Name          StageName
	Produces      ContextName
	Preconditions []ContextName
	Hardness      Hardness
}

var stageSpecs = map[StageName]StageSpec{
	StageTopic: {
		Name:     StageTopic,
		Produces: ContextTopic,
		Hardness: Hard,
	},
	StageScript: {
		Name:          StageScript,
		Produces:      ContextScene,
		Preconditions: []ContextName{ContextTopic},
		Hardness:      Hard,
	},
	StageMedia: {
		Name:          StageMedia,
		Produces:      ContextMedia,
		Preconditions: []ContextName{ContextScene},
		Hardness:      Soft,
	},
	StageAudio: {
		Name:          StageAudio,
		Produces:      ContextAudio,
		Preconditions: []ContextName{ContextScene, ContextMedia},
		Hardness:      Soft,
	},
	StageAssembly: {
		Name:          StageAssembly,
		Produces:      ContextAssembly,
		Preconditions: []ContextName{ContextScene, ContextMedia, ContextAudio},
		Hardness:      Hard,
	},
	StagePublish: {
		Name:          StagePublish,
		Produces:      ContextPublish,
		Preconditions: []ContextName{ContextAssembly},
		Hardness:      Soft,
	},
}

// SpecFor returns the fixed definition of a stage.
func SpecFor(name StageName) (StageSpec, error) {
	spec, ok := stageSpecs[name]
	if !ok {
		return StageSpec{}, fmt.Errorf("unknown stage: %s", name)
	}
	return spec, nil
}

// ProducerOf returns the stage that writes the given context.
func ProducerOf(name ContextName) (StageName, bool) {
	for _, spec := range stageSpecs {
		if spec.Produces == name {
			return spec.Name, true
		}
	}
	return "", false
}

// ParseStageName validates a stage name coming from a request path.
func ParseStageName(s string) (StageName, error) {
	name := StageName(s)
	if _, ok := stageSpecs[name]; !ok {
		return "", fmt.Errorf("unknown stage: %s", s)
	}
	return name, nil
}

// ParseContextName validates a context name coming from a request path.
func ParseContextName(s string) (ContextName, error) {
	for _, name := range ValidContextNames {
		if string(name) == s {
			return name, nil
		}
	}
	return "", fmt.Errorf("unknown context: %s", s)
}
