package overlay

import (
	"errors"
	"fmt"
)

// PreconditionError reports input the batch cannot score: a missing or
// duplicated identifier field, an unsupported geometry type, or data in an
// unprojected coordinate system.
type PreconditionError struct {
	Layer  string
	Reason string
	Err    error
}

func (e *PreconditionError) Error() string {
	msg := "precondition failed"
	if e.Layer != "" {
		msg += " for layer " + e.Layer
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PreconditionError) Unwrap() error {
	return e.Err
}

// Preconditionf builds a PreconditionError with a formatted reason.
func Preconditionf(layer, format string, args ...any) *PreconditionError {
	return &PreconditionError{Layer: layer, Reason: fmt.Sprintf(format, args...)}
}

// EngineError wraps a failure raised by the geometry engine or the backing
// store while running one geoprocessing step.
type EngineError struct {
	Layer string
	Step  string // e.g. "intersect", "dissolve", "measure"
	Err   error
}

func (e *EngineError) Error() string {
	msg := "engine error"
	if e.Layer != "" {
		msg += " for layer " + e.Layer
	}
	if e.Step != "" {
		msg += " during " + e.Step
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// NewEngineError wraps err as an EngineError for a layer and step.
// A nil err yields nil.
func NewEngineError(layer, step string, err error) error {
	if err == nil {
		return nil
	}
	return &EngineError{Layer: layer, Step: step, Err: err}
}

// IsPrecondition reports whether err (or any error in its chain) is a
// PreconditionError.
func IsPrecondition(err error) bool {
	var pe *PreconditionError
	return errors.As(err, &pe)
}

// IsEngine reports whether err (or any error in its chain) is an EngineError.
func IsEngine(err error) bool {
	var ee *EngineError
	return errors.As(err, &ee)
}

// Kind classifies err for logging and the run ledger: "precondition",
// "engine" or "unexpected".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsPrecondition(err):
		return "precondition"
	case IsEngine(err):
		return "engine"
	default:
		return "unexpected"
	}
}
