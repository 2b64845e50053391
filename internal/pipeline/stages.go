package pipeline

import (
	"errors"
	"fmt"
)

// Pipeline stages in execution order, plus the absorbing failure state.
const (
	StageQueued             = "queued"
	StageImageAnalysis      = "image_analysis"
	StagePartIdentification = "part_identification"
	StageTechnicalResearch  = "technical_research"
	StageSupplierDiscovery  = "supplier_discovery"
	StageReportGeneration   = "report_generation"
	StageStorage            = "storage"
	StageDelivery           = "delivery"
	StageCompleted          = "completed"
	StageFailed             = "failed"
)

// stageOrder is the fixed straight-line pipeline. Order is externally imposed
// by the downstream pipeline, which is why this is not a general graph.
var stageOrder = []string{
	StageQueued,
	StageImageAnalysis,
	StagePartIdentification,
	StageTechnicalResearch,
	StageSupplierDiscovery,
	StageReportGeneration,
	StageStorage,
	StageDelivery,
	StageCompleted,
}

var stageLabels = map[string]string{
	StageQueued:             "Queued",
	StageImageAnalysis:      "Analyzing image",
	StagePartIdentification: "Identifying part",
	StageTechnicalResearch:  "Researching technical details",
	StageSupplierDiscovery:  "Discovering suppliers",
	StageReportGeneration:   "Generating report",
	StageStorage:            "Storing report",
	StageDelivery:           "Delivering report",
	StageCompleted:          "Completed",
	StageFailed:             "Failed",
}

// StageIndex returns the position of a stage in the pipeline order, or -1 for
// unknown stages and the failed state.
func StageIndex(stage string) int {
	for i, s := range stageOrder {
		if s == stage {
			return i
		}
	}
	return -1
}

// StageLabel returns the human-readable label for a stage.
func StageLabel(stage string) string {
	if label, ok := stageLabels[stage]; ok {
		return label
	}
	return stage
}

// ProgressFor maps a stage to its percent of pipeline completion.
func ProgressFor(stage string) int {
	idx := StageIndex(stage)
	if idx < 0 {
		return 0
	}
	return idx * 100 / (len(stageOrder) - 1)
}

// Event kinds accepted by Next.
const (
	EventAdvance = "advance"
	EventFail    = "fail"
	EventRetry   = "retry"
)

// Event drives a stage transition.
type Event struct {
	Kind   string
	Detail string
}

func Advance() Event           { return Event{Kind: EventAdvance} }
func Fail(detail string) Event { return Event{Kind: EventFail, Detail: detail} }
func Retry() Event             { return Event{Kind: EventRetry} }

// Transition is the outcome of applying an event to a stage.
type Transition struct {
	Stage           string
	ProgressPercent int
	Terminal        bool
	Failed          bool
}

var ErrInvalidTransition = errors.New("invalid stage transition")

// Next applies an event to the current stage. advance moves one step forward
// in the fixed order, fail moves to the absorbing failed state from any
// non-terminal stage, and retry moves back to queued with progress reset.
// Terminal stages accept no events.
func Next(current string, ev Event) (Transition, error) {
	if current == StageCompleted {
		return Transition{}, fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, current)
	}

	switch ev.Kind {
	case EventFail:
		if current == StageFailed {
			return Transition{}, fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, current)
		}
		return Transition{Stage: StageFailed, ProgressPercent: ProgressFor(current), Terminal: true, Failed: true}, nil

	case EventRetry:
		return Transition{Stage: StageQueued, ProgressPercent: 0}, nil

	case EventAdvance:
		idx := StageIndex(current)
		if idx < 0 {
			return Transition{}, fmt.Errorf("%w: cannot advance from %q", ErrInvalidTransition, current)
		}
		next := stageOrder[idx+1]
		return Transition{
			Stage:           next,
			ProgressPercent: ProgressFor(next),
			Terminal:        next == StageCompleted,
		}, nil

	default:
		return Transition{}, fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, ev.Kind)
	}
}
