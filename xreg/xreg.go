// Package xreg is the Supervisor (spec.md §4.7, "ServeLoop"): a single
// cos.Runner subscribed to the whole log from the beginning, in every
// context, that keeps a live component table in sync with the log's
// current `.spawn`/`.register`/`.define` definitions and dispatches
// `.terminate`/`.unregister`/`.call` against it. Named after the teacher's
// xaction/xreg package, which plays the analogous role of reconciling a
// live-task table against incoming requests - generalized here from
// xactions to the three xrun component kinds.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package xreg

import (
	"io"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"github.com/xshost/xs/eval"
	"github.com/xshost/xs/fabric"
	"github.com/xshost/xs/frame"
	"github.com/xshost/xs/id"
	"github.com/xshost/xs/xrun"
)

// Store is everything the Supervisor and the component runtimes it spawns
// need from the Store Facade.
type Store interface {
	xrun.Store
	Head(topic string, contextID id.ID) (frame.Frame, bool, error)
}

// Kind distinguishes the three log-resident component kinds (spec.md §3.6).
type Kind uint8

const (
	KindGenerator Kind = iota
	KindHandler
	KindCommand
)

func (k Kind) String() string {
	switch k {
	case KindGenerator:
		return "generator"
	case KindHandler:
		return "handler"
	case KindCommand:
		return "command"
	default:
		return "unknown"
	}
}

// State is one of spec.md §4.7's component lifecycle states.
type State uint8

const (
	StatePending State = iota
	StateRunning
	StateStopping
	StateDead
	StateParseError
)

type key struct {
	kind Kind
	name string
	ctx  id.ID
}

// entry is one row of the Supervisor's in-memory component table.
type entry struct {
	key   key
	state State

	gen  *xrun.Generator
	hdlr *xrun.Handler
	cmd  *eval.CommandConfig

	done chan struct{}
}

// Supervisor is the ServeLoop (spec.md §4.7). One per store.
type Supervisor struct {
	store        Store
	evalr        eval.Evaluator
	restartDelay time.Duration

	mu         sync.Mutex
	components map[key]*entry

	sub     *fabric.Subscription
	wg      sync.WaitGroup
	stopMu  sync.Mutex
	stopped bool
}

func New(store Store, evalr eval.Evaluator, restartDelay time.Duration) *Supervisor {
	return &Supervisor{
		store:        store,
		evalr:        evalr,
		restartDelay: restartDelay,
		components:   make(map[key]*entry),
	}
}

func (sv *Supervisor) Name() string { return "supervisor" }

// Run subscribes with follow:on, from_beginning, all contexts (spec.md
// §4.7) and dispatches every frame until the subscription ends.
func (sv *Supervisor) Run() error {
	sub, err := sv.store.Read(fabric.ReadOptions{Follow: fabric.FollowOn})
	if err != nil {
		return err
	}
	sv.sub = sub
	for f := range sub.Frames() {
		sv.dispatch(f)
	}
	sv.wg.Wait()
	return nil
}

// Stop cancels the replay subscription and terminates every live
// component, waiting for each to finish (spec.md §5 "Component runtimes
// ... observe a cancellation token ... then exit").
func (sv *Supervisor) Stop(err error) {
	sv.stopMu.Lock()
	if sv.stopped {
		sv.stopMu.Unlock()
		return
	}
	sv.stopped = true
	sv.stopMu.Unlock()

	if err != nil {
		glog.Warningf("xreg: stopping, err: %v", err)
	}
	if sv.sub != nil {
		sv.sub.Cancel()
	}

	sv.mu.Lock()
	var eg errgroup.Group
	for _, e := range sv.components {
		e := e
		eg.Go(func() error {
			sv.terminateEntry(e)
			return nil
		})
	}
	sv.mu.Unlock()
	_ = eg.Wait()
}

func (sv *Supervisor) terminateEntry(e *entry) {
	switch e.key.kind {
	case KindGenerator:
		if e.gen != nil {
			e.gen.Terminate(xrun.StopTerminate)
		}
	case KindHandler:
		if e.hdlr != nil {
			e.hdlr.Unregister()
		}
	}
	if e.done != nil {
		<-e.done
	}
}

func (sv *Supervisor) dispatch(f frame.Frame) {
	switch {
	case f.Topic == frame.TopicContext, f.Topic == frame.TopicThreshold,
		f.Topic == frame.TopicPulse, f.Topic == frame.TopicLaggard:
		// xs.context is materialized by the Store Facade itself
		// (spec.md §4.5); the synthetic fabric topics carry no
		// supervisory meaning.
		return
	case strings.HasSuffix(f.Topic, ".spawn"):
		sv.onSpawn(f, strings.TrimSuffix(f.Topic, ".spawn"))
	case strings.HasSuffix(f.Topic, ".terminate"):
		sv.onTerminate(f, strings.TrimSuffix(f.Topic, ".terminate"))
	case strings.HasSuffix(f.Topic, ".register"):
		sv.onRegister(f, strings.TrimSuffix(f.Topic, ".register"))
	case strings.HasSuffix(f.Topic, ".unregister"):
		sv.onUnregister(f, strings.TrimSuffix(f.Topic, ".unregister"))
	case strings.HasSuffix(f.Topic, ".define"):
		sv.onDefine(f, strings.TrimSuffix(f.Topic, ".define"))
	case strings.HasSuffix(f.Topic, ".call"):
		sv.onCall(f, strings.TrimSuffix(f.Topic, ".call"))
	default:
		// Handlers each own their own topic subscription (xrun.Handler.Run)
		// so ordinary frames need no fan-out here; commands are dispatched
		// solely by `.call`.
	}
}

func (sv *Supervisor) content(f frame.Frame) ([]byte, error) {
	if !f.HasContent() {
		return nil, nil
	}
	rc, err := sv.store.GetContent(f.ID)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// onSpawn implements spec.md §4.7's `<T>.spawn` row.
func (sv *Supervisor) onSpawn(f frame.Frame, topic string) {
	src, err := sv.content(f)
	if err != nil {
		glog.Errorf("xreg: spawn %s: read content: %v", topic, err)
		return
	}
	cfg, err := sv.evalr.ParseGenerator(src)
	if err != nil {
		sv.appendParseError(topic, f.ContextID, err)
		return
	}

	k := key{KindGenerator, topic, f.ContextID}
	sv.mu.Lock()
	old := sv.components[k]
	sv.mu.Unlock()
	if old != nil {
		old.gen.TerminateForUpdate(f.ID)
		<-old.done
	}

	sv.startGenerator(k, f.ID, cfg)
}

func (sv *Supervisor) startGenerator(k key, spawnID id.ID, cfg *eval.GeneratorConfig) {
	g := xrun.NewGenerator(sv.store, k.name, k.ctx, spawnID, cfg)
	e := &entry{key: k, state: StateRunning, gen: g, done: make(chan struct{})}

	sv.mu.Lock()
	sv.components[k] = e
	sv.mu.Unlock()

	sv.wg.Add(1)
	go func() {
		defer sv.wg.Done()
		defer close(e.done)
		reason := g.Run()
		sv.onGeneratorExit(k, e, reason)
	}()
}

func (sv *Supervisor) onGeneratorExit(k key, e *entry, reason xrun.StopReason) {
	sv.mu.Lock()
	current, live := sv.components[k]
	stillCurrent := live && current == e
	if stillCurrent && reason != xrun.StopUpdate {
		delete(sv.components, k)
	}
	sv.mu.Unlock()

	if !stillCurrent {
		return // superseded by a newer spawn/terminate already
	}

	switch reason {
	case xrun.StopTerminate:
		_, _ = sv.store.Append(k.name+".shutdown", k.ctx, nil, frame.Meta{"source_id": e.gen.SourceID}, nil)
	case xrun.StopUpdate:
		// onSpawn already started the replacement synchronously.
	case xrun.StopFinished, xrun.StopError:
		sv.scheduleRestart(k)
	}
}

func (sv *Supervisor) scheduleRestart(k key) {
	time.AfterFunc(sv.restartDelay, func() {
		sv.mu.Lock()
		_, alreadyLive := sv.components[k]
		sv.mu.Unlock()
		if alreadyLive {
			return // a newer spawn/terminate beat the restart to it
		}
		src, err := sv.rereadSpawnSource(k)
		if err != nil {
			glog.Errorf("xreg: restart %s: %v", k.name, err)
			return
		}
		cfg, err := sv.evalr.ParseGenerator(src)
		if err != nil {
			sv.appendParseError(k.name, k.ctx, err)
			return
		}
		head, ok, err := sv.store.Head(k.name+".spawn", k.ctx)
		if err != nil || !ok {
			return
		}
		sv.startGenerator(k, head.ID, cfg)
	})
}

// rereadSpawnSource fetches the current `<T>.spawn` content again, since
// the generator runtime does not retain it across a restart.
func (sv *Supervisor) rereadSpawnSource(k key) ([]byte, error) {
	head, ok, err := sv.store.Head(k.name+".spawn", k.ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return sv.content(head)
}

func (sv *Supervisor) onTerminate(f frame.Frame, topic string) {
	k := key{KindGenerator, topic, f.ContextID}
	sv.mu.Lock()
	e := sv.components[k]
	sv.mu.Unlock()
	if e == nil || e.gen == nil {
		return
	}
	e.gen.Terminate(xrun.StopTerminate)
}

// onRegister implements spec.md §4.7's `<N>.register` row.
func (sv *Supervisor) onRegister(f frame.Frame, name string) {
	if hid, ok := f.Meta["handler_id"]; ok {
		if s, ok := hid.(string); ok && s != "" {
			// spec.md §4.7: "Frames are ignored if source == this handler."
			sv.mu.Lock()
			for _, e := range sv.components {
				if e.hdlr != nil && e.hdlr.HandlerID == s {
					sv.mu.Unlock()
					return
				}
			}
			sv.mu.Unlock()
		}
	}

	src, err := sv.content(f)
	if err != nil {
		glog.Errorf("xreg: register %s: read content: %v", name, err)
		return
	}
	cfg, err := sv.evalr.ParseHandler(src)
	if err != nil {
		sv.appendParseError(name, f.ContextID, err)
		return
	}

	k := key{KindHandler, name, f.ContextID}
	sv.mu.Lock()
	old := sv.components[k]
	sv.mu.Unlock()
	if old != nil {
		old.hdlr.Unregister()
		<-old.done
	}

	head, found, herr := sv.store.Head(name, f.ContextID)
	var headPtr *frame.Frame
	if herr == nil && found {
		headPtr = &head
	}

	h := xrun.NewHandler(sv.store, name, f.ContextID, cfg)
	if err := h.Register(headPtr); err != nil {
		glog.Errorf("xreg: register %s: %v", name, err)
		return
	}

	e := &entry{key: k, state: StateRunning, hdlr: h, done: make(chan struct{})}
	sv.mu.Lock()
	sv.components[k] = e
	sv.mu.Unlock()

	sv.wg.Add(1)
	go func() {
		defer sv.wg.Done()
		defer close(e.done)
		h.Run()
		sv.mu.Lock()
		if sv.components[k] == e {
			delete(sv.components, k)
		}
		sv.mu.Unlock()
	}()
}

func (sv *Supervisor) onUnregister(f frame.Frame, name string) {
	k := key{KindHandler, name, f.ContextID}
	sv.mu.Lock()
	e := sv.components[k]
	sv.mu.Unlock()
	if e == nil || e.hdlr == nil {
		return
	}
	e.hdlr.Unregister()
}

// onDefine implements spec.md §4.7's `<N>.define` row: stateless install
// or replace, no running goroutine until a `.call` arrives.
func (sv *Supervisor) onDefine(f frame.Frame, name string) {
	src, err := sv.content(f)
	if err != nil {
		glog.Errorf("xreg: define %s: read content: %v", name, err)
		return
	}
	cfg, err := sv.evalr.ParseCommand(src)
	if err != nil {
		sv.appendParseError(name, f.ContextID, err)
		return
	}

	k := key{KindCommand, name, f.ContextID}
	sv.mu.Lock()
	sv.components[k] = &entry{key: k, state: StateRunning, cmd: cfg}
	sv.mu.Unlock()
}

// onCall implements spec.md §4.7's `<N>.call` row and §4.10 "multiple
// in-flight invocations ... allowed and may run in parallel."
func (sv *Supervisor) onCall(f frame.Frame, name string) {
	k := key{KindCommand, name, f.ContextID}
	sv.mu.Lock()
	e := sv.components[k]
	sv.mu.Unlock()
	if e == nil || e.cmd == nil {
		return
	}
	cmd := xrun.NewCommand(sv.store, name, f.ContextID, e.cmd)
	sv.wg.Add(1)
	go func() {
		defer sv.wg.Done()
		cmd.Invoke(f)
	}()
}

func (sv *Supervisor) appendParseError(name string, ctx id.ID, cause error) {
	meta := frame.Meta{"error": cause.Error()}
	if _, err := sv.store.Append(name+".parse.error", ctx, nil, meta, nil); err != nil {
		glog.Errorf("xreg: append parse.error for %s: %v", name, err)
	}
}

