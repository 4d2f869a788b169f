// Package obslog adapts github.com/joeycumines/logiface (with the
// github.com/joeycumines/stumpy JSON sink) to core.Logger, the narrow
// structured-logging surface the backend reports lifecycle events to.
//
// The construction follows the documented low-risk pattern from
// logiface-stumpy's own example: a *logiface.Logger[*stumpy.Event] built
// via stumpy.L.New(stumpy.L.WithStumpy(...)), driven through the fluent
// Info()/Debug() builders rather than a hand-rolled Event implementation.
package obslog

import (
	"io"

	"github.com/google/uuid"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"

	"taskengine/internal/core"
)

// Logger is a core.Logger backed by logiface+stumpy. The zero value is a
// safe no-op, matching the zero-value-usable idiom stumpy.L itself follows.
//
// Every event carries a run_id: a process-lifetime identifier minted once
// per Logger, so log lines from concurrent engines (or concurrent test
// runs sharing one process) are distinguishable without the caller
// threading its own correlation id through every log call site.
type Logger struct {
	l     *logiface.Logger[*stumpy.Event]
	runID string
}

var _ core.Logger = (*Logger)(nil)

// New returns a Logger writing newline-delimited JSON events to w, tagged
// with a freshly generated run id.
func New(w io.Writer) *Logger {
	return &Logger{
		l:     stumpy.L.New(stumpy.L.WithStumpy(stumpy.WithWriter(w))),
		runID: uuid.NewString(),
	}
}

func (lg *Logger) TaskScheduled(task core.TaskID, fn core.FunctionID) {
	if lg == nil || lg.l == nil {
		return
	}
	lg.l.Info().
		Str(`run_id`, lg.runID).
		Int64(`task_id`, int64(task)).
		Int64(`function_id`, int64(fn)).
		Log(`task scheduled`)
}

func (lg *Logger) TaskStarted(task core.TaskID) {
	if lg == nil || lg.l == nil {
		return
	}
	lg.l.Debug().
		Str(`run_id`, lg.runID).
		Int64(`task_id`, int64(task)).
		Log(`task started`)
}

func (lg *Logger) TaskFinished(task core.TaskID, failed bool) {
	if lg == nil || lg.l == nil {
		return
	}
	e := lg.l.Info()
	if failed {
		e = lg.l.Err()
	}
	e.Str(`run_id`, lg.runID).
		Int64(`task_id`, int64(task)).
		Bool(`failed`, failed).
		Log(`task finished`)
}

func (lg *Logger) TaskInvalidated(task core.TaskID, slot core.SlotID) {
	if lg == nil || lg.l == nil {
		return
	}
	lg.l.Debug().
		Str(`run_id`, lg.runID).
		Int64(`task_id`, int64(task)).
		Str(`slot`, slot.String()).
		Log(`task invalidated`)
}

func (lg *Logger) CellRepublishUnchanged(slot core.SlotID) {
	if lg == nil || lg.l == nil {
		return
	}
	lg.l.Debug().
		Str(`run_id`, lg.runID).
		Str(`slot`, slot.String()).
		Log(`cell republished with unchanged version`)
}
