package history

import (
	"errors"
	"fmt"
)

// Error taxonomy. Every failure surfaced to a caller wraps exactly one of
// these, so callers can tell which stage failed and pick a remedy.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrPull            = errors.New("pull failed")
	ErrPush            = errors.New("push failed")
	ErrMutation        = errors.New("mutation failed")
	ErrNotRevertible   = errors.New("change is not revertible")
	ErrStorage         = errors.New("change ledger unavailable")
	ErrNotFound        = errors.New("not found")
	ErrNoChanges       = errors.New("no field changes")
)

// Stage names the step of the pull/edit/push/record cycle that failed.
type Stage string

const (
	StagePull    Stage = "pull"
	StageMutate  Stage = "mutate"
	StagePush    Stage = "push"
	StageRecord  Stage = "record"
	StageRevert  Stage = "revert"
	StageStorage Stage = "storage"
	StageInput   Stage = "input"
)

// StageError attaches the failed stage and operation to an error.
type StageError struct {
	Stage Stage
	Op    string
	Err   error
}

func (e *StageError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Op, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// NewStageError wraps err so that it matches both sentinel and err with
// errors.Is. A nil err yields nil.
func NewStageError(stage Stage, op string, sentinel, err error) error {
	if err == nil {
		return nil
	}
	if sentinel != nil && !errors.Is(err, sentinel) {
		err = fmt.Errorf("%w: %w", sentinel, err)
	}
	return &StageError{Stage: stage, Op: op, Err: err}
}

// StageOf returns the stage of the outermost StageError in err's chain.
func StageOf(err error) (Stage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}
