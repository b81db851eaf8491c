package internal

import (
	"fmt"

	"github.com/dop251/goja"
	"github.com/go-errors/errors"

	"npool/internal/util"
)

var (
	ErrInvalidConfig    = errors.New("invalid config")
	ErrLoad             = errors.New("load failed")
	ErrNotFound         = errors.New("file key not found")
	ErrUnknownModule    = errors.New("unknown module")
	ErrPoolShuttingDown = errors.New("pool is shutting down")
	ErrPoolDestroyed    = errors.New("pool destroyed before the work started")
	ErrScript           = errors.New("script error")
	ErrSchedulingFault  = errors.New("scheduling fault")
)

// Failure is the asynchronous outcome of a work item that did not produce a
// result. It unwraps to one of the sentinel errors above.
type Failure struct {
	Message string
	Trace   string
	cause   error
}

func (f *Failure) Error() string {
	return f.Message
}

func (f *Failure) Unwrap() error {
	return f.cause
}

func newFailure(cause error, format string, a ...interface{}) *Failure {
	return &Failure{Message: fmt.Sprintf(format, a...), cause: cause}
}

// scriptFailure converts whatever the engine raised into a Failure. A thrown
// object contributes its message property, the exception string carries the
// script stack.
func scriptFailure(err error) *Failure {
	f := &Failure{Message: err.Error(), Trace: err.Error(), cause: ErrScript}

	if r, ok := err.(*util.Rejection); ok && r.Stack != "" {
		f.Trace = r.Stack
	}
	if ex, ok := err.(*goja.Exception); ok {
		f.Trace = ex.String()
		f.Message = ex.Value().String()
		if o, ok := ex.Value().Export().(map[string]interface{}); ok {
			if m, ok := util.ExportMapValue(o, "message", "string"); ok && m.(string) != "" {
				f.Message = m.(string)
			}
		}
		if obj, ok := ex.Value().(*goja.Object); ok {
			if m := obj.Get("message"); m != nil && !goja.IsUndefined(m) && m.String() != "" {
				f.Message = m.String()
			}
		}
	}
	if f.Message == "" {
		f.Message = "unknown script error"
	}
	return f
}

// faultFailure reports a work item lost to a broken invariant of the pool
// itself. The stack of the recovered panic becomes the trace.
func faultFailure(recovered interface{}) *Failure {
	e := errors.Wrap(recovered, 2)
	return &Failure{
		Message: fmt.Sprintf("%s: %s", ErrSchedulingFault.Error(), e.Error()),
		Trace:   string(e.Stack()),
		cause:   ErrSchedulingFault,
	}
}
