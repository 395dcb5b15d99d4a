// Package async runs background work with panic containment.
package async

import (
	"fmt"
	"runtime/debug"
)

// PanicLogger receives panic reports from background goroutines.
type PanicLogger interface {
	Error(format string, args ...any)
}

// Go starts fn on its own goroutine. A panic inside fn is logged with its
// stack and swallowed so a single background task cannot take the process
// down with it.
func Go(logger PanicLogger, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				report(logger, name, r)
			}
		}()
		fn()
	}()
}

func report(logger PanicLogger, name string, recovered any) {
	if logger == nil {
		fmt.Printf("panic in background task %s: %v\n%s", name, recovered, debug.Stack())
		return
	}
	logger.Error("Panic in background task %s: %v\n%s", name, recovered, debug.Stack())
}
