// Package cos (common OS/runtime helpers) provides small utilities shared by
// every xs package: the background-task contract, duration/size parsing,
// atomic id helpers and durable file writes.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import "strconv"

// Runner is the contract every long-lived background loop in xs implements:
// the TTL sweeper, the supervisor's ServeLoop, the wire-surface listener.
// cmd/xsd's runGroup starts the supervisor and the listener each in its own
// goroutine and stops the rest as soon as any one of them returns; the
// Store Facade runs the TTL sweeper itself.
type Runner interface {
	Name() string
	Run() error
	Stop(err error)
}

// ErrSignal wraps a received OS signal so callers can distinguish a clean
// shutdown from a crash.
type ErrSignal struct {
	signo int
}

func NewSignalError(signo int) *ErrSignal { return &ErrSignal{signo} }

func (e *ErrSignal) Error() string { return "signal: " + strconv.Itoa(e.signo) }
func (e *ErrSignal) ExitCode() int { return 128 + e.signo }
