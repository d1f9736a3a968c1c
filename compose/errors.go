package compose

import "fmt"

// Stage names the step of a retrieval that failed.
type Stage string

const (
	StageSelection Stage = "selection"
	StageTransform Stage = "transform"
	StageStorage   Stage = "storage"
	StageComposite Stage = "composite"
	StageEncode    Stage = "encode"
)

type Error struct {
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("tile retrieval failed during %s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func stageError(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Stage: stage, Err: err}
}
