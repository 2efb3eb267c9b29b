// Package steps holds the stage definitions and the transition table of the
// novel creation pipeline.
package steps

import (
	"fmt"

	"github.com/jonathan/novel-creator/internal/types"
)

// StageDefinition defines metadata for a pipeline stage
type StageDefinition struct {
	Stage        types.StageType
	Name         string
	Dependencies []types.StageType
	// Streamable stages can forward model output chunk by chunk
	Streamable bool
	// Optimizable stages accept optimizeStage; chapters use OptimizeChapter
	Optimizable bool
	// RequiresContinue stages wait for an explicit human continue when done
	RequiresContinue bool
	// JSONOutput stages expect a JSON document from the model
	JSONOutput bool
}

// StageRegistry holds all stage definitions
var StageRegistry = map[types.StageType]StageDefinition{
	types.StageIdea: {
		Stage:            types.StageIdea,
		Name:             "idea",
		Streamable:       true,
		Optimizable:      true,
		RequiresContinue: true,
	},
	types.StageTitle: {
		Stage:            types.StageTitle,
		Name:             "title",
		Dependencies:     []types.StageType{types.StageIdea},
		Streamable:       true,
		Optimizable:      true,
		RequiresContinue: true,
		JSONOutput:       true,
	},
	types.StageOutline: {
		Stage:        types.StageOutline,
		Name:         "outline",
		Dependencies: []types.StageType{types.StageTitle},
		Streamable:   true,
		Optimizable:  true,
		JSONOutput:   true,
	},
	types.StageContent: {
		Stage:        types.StageContent,
		Name:         "content",
		Dependencies: []types.StageType{types.StageOutline},
	},
	types.StageReview: {
		Stage:        types.StageReview,
		Name:         "review",
		Dependencies: []types.StageType{types.StageContent},
	},
}

// Lookup returns the definition of a stage
func Lookup(stage types.StageType) (StageDefinition, error) {
	def, ok := StageRegistry[stage]
	if !ok {
		return StageDefinition{}, fmt.Errorf("unknown stage: %s", stage)
	}
	return def, nil
}

// DependencyError represents a dependency validation error
type DependencyError struct {
	Stage               types.StageType
	MissingDependencies []types.StageType
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("stage %s is missing output from: %v", e.Stage, e.MissingDependencies)
}

// ValidateDependencies checks that every stage the given stage depends on
// has contributed its output.
func ValidateDependencies(stage types.StageType, pd *types.ProcessedData) error {
	def, err := Lookup(stage)
	if err != nil {
		return err
	}

	var missing []types.StageType
	for _, dep := range def.Dependencies {
		if !pd.HasOutput(dep) {
			missing = append(missing, dep)
		}
	}
	if len(missing) > 0 {
		return &DependencyError{Stage: stage, MissingDependencies: missing}
	}
	return nil
}

// Transition is the task state after a stage completes
type Transition struct {
	Lifecycle types.Lifecycle
	Stage     types.StageType
}

// AfterCompletion returns the state a task moves to once stage completes.
// Stages that require a continue keep pointing at the finished stage while
// waiting; the continue gesture advances them.
func AfterCompletion(stage types.StageType, reviewEnabled bool) (Transition, error) {
	def, err := Lookup(stage)
	if err != nil {
		return Transition{}, err
	}
	if def.RequiresContinue {
		return Transition{Lifecycle: types.LifecycleWaitingForContinue, Stage: stage}, nil
	}

	switch stage {
	case types.StageContent:
		if reviewEnabled {
			return Transition{Lifecycle: types.LifecycleRunning, Stage: types.StageReview}, nil
		}
		return Transition{Lifecycle: types.LifecycleCompleted, Stage: stage}, nil
	case types.StageReview:
		return Transition{Lifecycle: types.LifecycleCompleted, Stage: stage}, nil
	}

	next, ok := stage.Next()
	if !ok {
		return Transition{Lifecycle: types.LifecycleCompleted, Stage: stage}, nil
	}
	return Transition{Lifecycle: types.LifecycleRunning, Stage: next}, nil
}

// ContinueTarget returns the stage a continue gesture runs from a task
// waiting after stage.
func ContinueTarget(stage types.StageType) (types.StageType, error) {
	next, ok := stage.Next()
	if !ok {
		return "", fmt.Errorf("no stage follows %s", stage)
	}
	return next, nil
}
