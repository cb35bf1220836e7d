package receipt

import (
	"errors"
	"fmt"

	"github.com/zombor/receipt-ledger/internal/scanning"
)

// Pipeline stages, in the order an upload passes through them
const (
	StageSession   = "session"
	StageType      = "type"
	StageQueue     = "queue"
	StageNormalize = "normalize"
	StageExtract   = "extract"
	StageTokens    = "tokens"
	StageStructure = "structure"
	StageParse     = "parse"
	StageEnsure    = "ensure"
	StageAppend    = "append"
)

// StageError reports which pipeline stage failed an upload
type StageError struct {
	Stage     string
	Retryable bool
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// newStageError classifies err and tags it with stage
func newStageError(stage string, err error) *StageError {
	return &StageError{Stage: stage, Retryable: stage == StageQueue || isRetryable(err), Err: err}
}

func isRetryable(err error) bool {
	return errors.Is(err, scanning.ErrExtractionUnavailable) ||
		errors.Is(err, scanning.ErrServiceUnavailable)
}

// IsRetryable reports whether resubmitting the same upload later may succeed
func IsRetryable(err error) bool {
	var se *StageError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return isRetryable(err)
}
