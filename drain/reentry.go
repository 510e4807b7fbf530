package drain

import (
	"reflect"
	"runtime"
	"strings"
)

// drainFrames are the functions a deferred action runs under. Seeing one of
// them on the caller's stack means the caller is an action of a batch.
var drainFrames = []string{
	funcName((*session).run),
	funcName((*Coordinator).execPivot),
}

func funcName(fn any) string {
	return runtime.FuncForPC(reflect.ValueOf(fn).Pointer()).Name()
}

// calledFromAction reports whether the current goroutine is running a
// deferred action. A pivot handed to a WithPivotRunner that switches
// goroutines is not detected.
func calledFromAction() bool {
	pcs := make([]uintptr, 64)
	for {
		n := runtime.Callers(2, pcs)
		if n < len(pcs) || len(pcs) >= 4096 {
			pcs = pcs[:n]
			break
		}
		pcs = make([]uintptr, len(pcs)*2)
	}
	frames := runtime.CallersFrames(pcs)
	for {
		frame, more := frames.Next()
		for _, name := range drainFrames {
			if frame.Function == name || strings.HasPrefix(frame.Function, name+".") {
				return true
			}
		}
		if !more {
			return false
		}
	}
}
