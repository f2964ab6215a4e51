// Package obslog holds the single package-level logger used for the
// allocator's non-fast-path events: OS slab growth, span coalescing, and
// thread-cache idle reaping. The core allocate/free path never touches this
// package — logging on every allocation would defeat the point of a
// fast-path allocator.
package obslog

import "go.uber.org/zap"

var logger = zap.NewNop()

// SetLogger replaces the package logger. Passing nil restores the no-op
// logger. Intended to be called once, during process startup, by whatever
// wires this allocator into a larger program.
func SetLogger(l *zap.Logger) {
	if l == nil {
		logger = zap.NewNop()
		return
	}
	logger = l
}

// L returns the current logger.
func L() *zap.Logger { return logger }
