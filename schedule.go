package readback

import "fmt"

// Stage is one step of a frame. Stages run in declaration order.
type Stage int

const (
	// StageApp runs in the app context: readback transitions, completion
	// delivery, and systems added with App.AddSystem.
	StageApp Stage = iota

	// StageExtract copies changed shader inputs to the render context,
	// resetting their nodes, and removes completed nodes.
	StageExtract

	// StagePrepare opens the host frame and rebuilds bind groups.
	StagePrepare

	// StageGraph updates every node, then runs every node.
	StageGraph

	// StageSubmit submits the frame's commands and schedules readback copies.
	StageSubmit

	// StageSync mirrors every node status into its app state.
	StageSync
)

// String returns the stage name.
func (s Stage) String() string {
	switch s {
	case StageApp:
		return "app"
	case StageExtract:
		return "extract"
	case StagePrepare:
		return "prepare"
	case StageGraph:
		return "graph"
	case StageSubmit:
		return "submit"
	case StageSync:
		return "sync"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// renderStages is the order of UpdateRender. Bind groups are rebuilt before
// nodes run, and statuses are mirrored after nodes run.
var renderStages = []Stage{StageExtract, StagePrepare, StageGraph, StageSubmit, StageSync}

// stageError is a failure in a stage. Fatal stage errors latch the App.
type stageError struct {
	stage Stage
	fatal bool
	err   error
}

func (e *stageError) Error() string {
	return fmt.Sprintf("readback: %s stage: %v", e.stage, e.err)
}

func (e *stageError) Unwrap() error { return e.err }
