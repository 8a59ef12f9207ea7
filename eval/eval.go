// Package eval is the boundary described in spec.md §9: the core depends
// only on an Evaluator capability, never on a scripting language's own
// semantics. It parses source bytes into a Closure and invokes a Closure
// against arguments to get back a lazy pipeline of values. The scripting
// runtime itself (spec.md §1 Non-goals: "the embedded scripting language"
// is out of core scope) is an external collaborator; this package defines
// only the shape of that collaboration plus a minimal in-process
// implementation good enough to drive xrun and its tests without pulling
// in a real language frontend.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package eval

import (
	"github.com/xshost/xs/cmn/cos"
	"github.com/xshost/xs/frame"
)

// Value is one item yielded by a Closure invocation's pipeline. A Closure
// may yield raw bytes (one output frame per chunk), or a structured value
// (one output frame per value, encoded per the caller's return_options).
type Value struct {
	Bytes      []byte
	Structured interface{} // non-nil when this Value did not come from bytes
}

func Bytes(b []byte) Value       { return Value{Bytes: b} }
func Text(s string) Value        { return Value{Bytes: []byte(s)} }
func Structured(v interface{}) Value { return Value{Structured: v} }

// Pipeline is the lazy output of a running closure. Next blocks until the
// next value is ready, returns ok=false when the pipeline is exhausted,
// and returns a non-nil err if the closure raised during production
// (spec.md §7 RuntimeError).
type Pipeline interface {
	Next() (v Value, ok bool, err error)
	// Close aborts the pipeline early, e.g. on cancellation; safe to call
	// after exhaustion.
	Close()
}

// Input is the write side of a duplex generator's pipe (spec.md §4.8 "If
// duplex=true, listen to <T>.send frames ... piped into the generator's
// input channel in arrival order").
type Input interface {
	Send(v Value)
	CloseInput()
}

// GeneratorConfig is what a `<T>.spawn` script must yield (spec.md §4.8.1).
type GeneratorConfig struct {
	Run           func(in Input) Pipeline
	Duplex        bool
	ReturnOptions ReturnOptions
}

// HandlerConfig is what a `<name>.register` script must yield
// (spec.md §4.9.1).
type HandlerConfig struct {
	Run           func(f frame.Frame) (interface{}, error)
	ResumeFrom    ResumeFrom
	Pulse         *cos.Duration
	Modules       map[string]string
	ReturnOptions ReturnOptions
}

// CommandConfig is what a `<name>.define` script must yield
// (spec.md §4.10.1).
type CommandConfig struct {
	Run           func(f frame.Frame) Pipeline
	Modules       map[string]string
	ReturnOptions ReturnOptions
}

// ReturnOptions controls the frame(s) built from a component's output
// (spec.md §4.8-§4.10, each with its own suffix default).
type ReturnOptions struct {
	Suffix string
	TTL    *frame.Retention
}

// ResumeFrom selects a handler's starting position (spec.md §4.9.1).
type ResumeFromKind uint8

const (
	ResumeTail ResumeFromKind = iota // default: only future frames
	ResumeHead                      // most recent match, then continue
	ResumeID                        // explicit id, exclusive
)

type ResumeFrom struct {
	Kind ResumeFromKind
	ID   string // set when Kind == ResumeID; parsed by the caller into id.ID
}

// Closure is an opaque, evaluated, reusable handle to a parsed script. What
// it actually runs is evaluator-specific; xrun only ever calls the typed
// accessors below, each of which is populated once at parse time.
type Closure struct {
	Generator *GeneratorConfig
	Handler   *HandlerConfig
	Command   *CommandConfig
}

// Evaluator parses script source into a Closure. spec.md §9: "parse(source)
// -> Closure | ParseError". A parse failure is reported as a ParseError,
// never a panic (spec.md §7).
type Evaluator interface {
	ParseGenerator(source []byte) (*GeneratorConfig, error)
	ParseHandler(source []byte) (*HandlerConfig, error)
	ParseCommand(source []byte) (*CommandConfig, error)
}
