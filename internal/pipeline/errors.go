package pipeline

import (
	"errors"
	"fmt"
)

// TransientStageError is a stage failure that may succeed on retry
// (timeouts, unreachable dependencies).
type TransientStageError struct {
	Stage string
	Err   error
}

func (e *TransientStageError) Error() string {
	return fmt.Sprintf("%s stage: transient: %v", e.Stage, e.Err)
}

func (e *TransientStageError) Unwrap() error { return e.Err }

// PermanentStageError is a stage failure that will not succeed on retry
// (corrupt or unsupported input).
type PermanentStageError struct {
	Stage string
	Err   error
}

func (e *PermanentStageError) Error() string {
	return fmt.Sprintf("%s stage: permanent: %v", e.Stage, e.Err)
}

func (e *PermanentStageError) Unwrap() error { return e.Err }

func Transient(stage string, err error) error {
	return &TransientStageError{Stage: stage, Err: err}
}

func Permanent(stage string, err error) error {
	return &PermanentStageError{Stage: stage, Err: err}
}

func IsTransient(err error) bool {
	var t *TransientStageError
	return errors.As(err, &t)
}

func IsPermanent(err error) bool {
	var p *PermanentStageError
	return errors.As(err, &p)
}

// classify wraps an unclassified error from stage as transient. Context
// expiry is transient too: the job gets another attempt.
func classify(stage string, err error) error {
	if err == nil || IsTransient(err) || IsPermanent(err) {
		return err
	}
	return Transient(stage, err)
}
