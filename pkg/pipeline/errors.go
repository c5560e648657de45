package pipeline

import "fmt"

// Stage names reported on StageError.
const (
	StageTOC     = "toc"
	StagePlan    = "plan"
	StageOutline = "outline"
	StageSection = "section"
)

// StageError wraps a content-generator failure with the stage that raised it.
// Stages never persist partial results and never compensate; the orchestrator
// that called the stage decides retry vs abort.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageErr(stage string, err error) error {
	return &StageError{Stage: stage, Err: err}
}
