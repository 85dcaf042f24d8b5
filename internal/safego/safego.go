// Package safego provides a panic-recovering goroutine launcher for background work.
package safego

import (
	"log/slog"
	"runtime/debug"
)

// Go launches fn in a new goroutine. A panic inside fn is recovered and logged
// with the task name and stack instead of crashing the process. Use it for all
// fire-and-forget goroutines (jobs, post-commit emails, audit shipping).
func Go(name string, fn func()) {
	go func() {
		defer Recover(name)
		fn()
	}()
}

// Recover logs a recovered panic. It must be deferred directly.
func Recover(name string) {
	if r := recover(); r != nil {
		slog.Error("recovered panic in background goroutine",
			"task", name,
			"panic", r,
			"stack", string(debug.Stack()),
		)
	}
}
