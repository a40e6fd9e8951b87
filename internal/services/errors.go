package services

import (
	"errors"
	"fmt"
)

// Step names a stage of the per-document pipeline.
type Step string

const (
	StepFetch     Step = "fetch"
	StepValidate  Step = "validate"
	StepExtract   Step = "extract"
	StepNormalize Step = "normalize"
	StepSchema    Step = "schema"
	StepInsert    Step = "insert"
	StepArchive   Step = "archive"
)

var (
	// ErrInvalidRequest marks a confirmation request that fails validation.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrColumnCollision marks two KPI names that map to the same column.
	ErrColumnCollision = errors.New("kpi names collide after sanitization")
	// ErrMalformedOutput marks an oracle answer that failed the parse boundary.
	ErrMalformedOutput = errors.New("malformed oracle output")
)

// StepError is a failure of one pipeline step. Retryable failures leave the
// document in incoming/ so the next delivery processes it again.
type StepError struct {
	Step      Step
	Retryable bool
	Err       error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

func stepError(step Step, err error) *StepError {
	return &StepError{Step: step, Retryable: true, Err: err}
}
