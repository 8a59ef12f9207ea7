/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package eval

import (
	"sync"

	"github.com/xshost/xs/cmn"
)

// ChanPipeline adapts a channel of Values (plus a terminal error) to the
// Pipeline interface; the common shape a Run closure's goroutine produces.
type ChanPipeline struct {
	C      chan Value
	ErrC   chan error
	once   sync.Once
	stopCh chan struct{}
}

func NewChanPipeline(buf int) *ChanPipeline {
	return &ChanPipeline{
		C:      make(chan Value, buf),
		ErrC:   make(chan error, 1),
		stopCh: make(chan struct{}),
	}
}

func (p *ChanPipeline) Next() (Value, bool, error) {
	select {
	case v, ok := <-p.C:
		if ok {
			return v, true, nil
		}
		select {
		case err := <-p.ErrC:
			return Value{}, false, err
		default:
			return Value{}, false, nil
		}
	case <-p.stopCh:
		return Value{}, false, nil
	}
}

func (p *ChanPipeline) Close() {
	p.once.Do(func() { close(p.stopCh) })
}

// SliceInput is an Input that just buffers whatever is sent, for closures
// that don't care about duplex input ordering beyond arrival order.
type SliceInput struct {
	mu     sync.Mutex
	values []Value
	closed bool
}

func (s *SliceInput) Send(v Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.values = append(s.values, v)
	}
}

func (s *SliceInput) CloseInput() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Recv pops the oldest buffered value, for a Run closure that wants to
// consume its duplex input synchronously instead of type-asserting to a
// channel-based Input of its own. ok is false once every sent value has
// been drained, regardless of whether CloseInput has been called yet.
func (s *SliceInput) Recv() (Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.values) == 0 {
		return Value{}, false
	}
	v := s.values[0]
	s.values = s.values[1:]
	return v, true
}

// Registry is a reference Evaluator: scripts are not parsed at all, they
// are opaque names looked up in a process-local table populated by
// RegisterGenerator/RegisterHandler/RegisterCommand. This is the stand-in
// the spec leaves room for (spec.md §9: "the core does not depend on the
// evaluator's semantics") until a real embedded-language frontend is
// plugged in behind the same Evaluator interface; cmd/xsd wires this one
// by default.
type Registry struct {
	mu         sync.RWMutex
	generators map[string]func() GeneratorConfig
	handlers   map[string]func() HandlerConfig
	commands   map[string]func() CommandConfig
}

func NewRegistry() *Registry {
	return &Registry{
		generators: make(map[string]func() GeneratorConfig),
		handlers:   make(map[string]func() HandlerConfig),
		commands:   make(map[string]func() CommandConfig),
	}
}

func (r *Registry) RegisterGenerator(name string, factory func() GeneratorConfig) {
	r.mu.Lock()
	r.generators[name] = factory
	r.mu.Unlock()
}

func (r *Registry) RegisterHandler(name string, factory func() HandlerConfig) {
	r.mu.Lock()
	r.handlers[name] = factory
	r.mu.Unlock()
}

func (r *Registry) RegisterCommand(name string, factory func() CommandConfig) {
	r.mu.Lock()
	r.commands[name] = factory
	r.mu.Unlock()
}

func (r *Registry) ParseGenerator(source []byte) (*GeneratorConfig, error) {
	r.mu.RLock()
	factory, ok := r.generators[string(source)]
	r.mu.RUnlock()
	if !ok {
		return nil, cmn.ErrParse(nil, "eval: no registered generator named %q", string(source))
	}
	cfg := factory()
	return &cfg, nil
}

func (r *Registry) ParseHandler(source []byte) (*HandlerConfig, error) {
	r.mu.RLock()
	factory, ok := r.handlers[string(source)]
	r.mu.RUnlock()
	if !ok {
		return nil, cmn.ErrParse(nil, "eval: no registered handler named %q", string(source))
	}
	cfg := factory()
	return &cfg, nil
}

func (r *Registry) ParseCommand(source []byte) (*CommandConfig, error) {
	r.mu.RLock()
	factory, ok := r.commands[string(source)]
	r.mu.RUnlock()
	if !ok {
		return nil, cmn.ErrParse(nil, "eval: no registered command named %q", string(source))
	}
	cfg := factory()
	return &cfg, nil
}
