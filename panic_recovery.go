// panic_recovery.go: panic recovery helpers for supervisor goroutines
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"runtime"
	"sync/atomic"
)

// RecoveryHandler receives a recovered panic value and its stack.
type RecoveryHandler func(recovered any, stack []byte)

// panicCount counts every panic recovered by the helpers in this file.
var panicCount atomic.Int64

// RecoveredPanics returns the number of panics recovered since process start.
func RecoveredPanics() int64 {
	return panicCount.Load()
}

func captureStack() []byte {
	buf := make([]byte, 64<<10)
	n := runtime.Stack(buf, false)
	return buf[:n]
}

// withStackRecover returns a deferred function that logs a panic with its stack.
//
//	go func() {
//	    defer withStackRecover(logger)()
//	    ...
//	}()
func withStackRecover(logger Logger) func() {
	return func() {
		if r := recover(); r != nil {
			panicCount.Add(1)
			logger.Error("Panic recovered in goroutine",
				"panic", r,
				"stack", string(captureStack()))
		}
	}
}

// withCustomRecoveryHandler returns a deferred function that hands a panic to handler.
func withCustomRecoveryHandler(handler RecoveryHandler) func() {
	return func() {
		if r := recover(); r != nil {
			panicCount.Add(1)
			handler(r, captureStack())
		}
	}
}

// SafeGo runs fn in a new goroutine and logs instead of crashing if it panics.
func SafeGo(logger Logger, fn func()) {
	go func() {
		defer withStackRecover(logger)()
		fn()
	}()
}

// SafeGoWithHandler is SafeGo with a custom panic handler.
func SafeGoWithHandler(handler RecoveryHandler, fn func()) {
	go func() {
		defer withCustomRecoveryHandler(handler)()
		fn()
	}()
}

// safeCall runs fn synchronously and converts a panic into a handler call.
// It reports whether fn completed without panicking.
func safeCall(handler RecoveryHandler, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			panicCount.Add(1)
			ok = false
			handler(r, captureStack())
		}
	}()
	fn()
	return true
}
