package job

import (
	"fmt"
	"os"
	"runtime/debug"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/pathoscope/store"
	pkgerrors "github.com/pkg/errors"
)

// TerminationError is the cause of a job cancelled by a signal.
type TerminationError struct {
	Signal os.Signal
}

func (e *TerminationError) Error() string {
	return fmt.Sprintf("job terminated by signal %v", e.Signal)
}

// PanicError is returned by a stage that panicked.
type PanicError struct {
	Stage string
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("stage %s panicked: %v", e.Stage, e.Value)
}

// unwrap returns the error wrapped by err, looking through grail errors,
// github.com/pkg/errors causes and Unwrap methods.
func unwrap(err error) error {
	switch e := err.(type) {
	case *errors.Error:
		return e.Err
	case interface{ Unwrap() error }:
		return e.Unwrap()
	case interface{ Cause() error }:
		return e.Cause()
	}
	return nil
}

// walk calls fn on err and every error it wraps until fn returns true.
func walk(err error, fn func(error) bool) bool {
	for ; err != nil; err = unwrap(err) {
		if fn(err) {
			return true
		}
	}
	return false
}

func rootCause(err error) error {
	for {
		next := unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

// IsTermination reports whether err was caused by a TerminationError.
func IsTermination(err error) bool {
	return walk(err, func(e error) bool {
		_, ok := e.(*TerminationError)
		return ok
	})
}

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

// NewErrorRecord describes err for the job status history. Type names the
// innermost error. The traceback is taken from the error when it carries
// one, and from the caller otherwise.
func NewErrorRecord(err error) *store.ErrorRecord {
	rec := &store.ErrorRecord{
		Type:    fmt.Sprintf("%T", rootCause(err)),
		Message: err.Error(),
	}
	var stack string
	walk(err, func(e error) bool {
		switch e := e.(type) {
		case *PanicError:
			stack = string(e.Stack)
		case stackTracer:
			stack = fmt.Sprintf("%+v", e.StackTrace())
		default:
			return false
		}
		return true
	})
	if stack == "" {
		stack = string(debug.Stack())
	}
	rec.Traceback = strings.Split(strings.TrimSpace(stack), "\n")
	return rec
}
