// Package xrun holds the three component runtimes the Supervisor drives
// (spec.md §4.8-§4.10): generators, handlers, and commands. Each runtime
// owns exactly one goroutine's worth of mutable state - no cross-task
// sharing (spec.md §5 "Shared-resource policy") - and talks back to the
// store only through the narrow Store contract below, the same
// narrow-interface style the teacher uses for its xaction runners talking
// to cluster.Bowner instead of holding a concrete *ais.target.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package xrun

import (
	"io"
	"strings"
	"sync"

	"github.com/golang/glog"
	"go.uber.org/atomic"

	"github.com/xshost/xs/cmn/cos"
	"github.com/xshost/xs/eval"
	"github.com/xshost/xs/fabric"
	"github.com/xshost/xs/frame"
	"github.com/xshost/xs/id"
)

// Store is the narrow slice of the Store Facade every xrun component needs:
// append its own output and, where applicable, subscribe to input frames.
type Store interface {
	Append(topic string, contextID id.ID, content io.Reader, meta frame.Meta, ttl *frame.Retention) (frame.Frame, error)
	Read(opts fabric.ReadOptions) (*fabric.Subscription, error)
	GetContent(i id.ID) (io.ReadCloser, error)
}

// StopReason tags why a generator's pipeline ended (spec.md §4.8.5).
type StopReason string

const (
	StopFinished  StopReason = "finished"
	StopError     StopReason = "error"
	StopTerminate StopReason = "terminate"
	StopUpdate    StopReason = "update"
)

// Generator runs one `<T>.spawn` definition's pipeline to completion,
// publishing `<T>.start`/`<T>.recv`/`<T>.stop` frames as it goes. The
// Supervisor owns restart scheduling and the eventual `<T>.shutdown`; a
// Generator instance is single-shot.
type Generator struct {
	Topic     string
	ContextID id.ID
	SourceID  string // this invocation's stable identity (spec.md §4.8 "stable source_id")
	SpawnID   id.ID

	store Store
	cfg   *eval.GeneratorConfig

	input     *eval.SliceInput
	sendSub   *fabric.Subscription
	cancelIn  func()
	done      chan struct{}
	stopOnce  sync.Once
	requested atomic.String // the reason passed to Terminate, if any
	updateID  atomic.String // set alongside StopUpdate: the new <T>.spawn id
}

func NewGenerator(store Store, topic string, contextID, spawnID id.ID, cfg *eval.GeneratorConfig) *Generator {
	return &Generator{
		Topic:     topic,
		ContextID: contextID,
		SourceID:  cos.GenUUID(),
		SpawnID:   spawnID,
		store:     store,
		cfg:       cfg,
		done:      make(chan struct{}),
	}
}

// Run executes the generator's pipeline start-to-finish. It blocks until
// the pipeline is exhausted, errors, or Terminate is called. The returned
// reason is what the caller (the Supervisor) uses to decide on a restart.
func (g *Generator) Run() StopReason {
	startTopic := g.Topic + ".start"
	stopTopic := g.Topic + ".stop"

	if _, err := g.store.Append(startTopic, g.ContextID, nil, frame.Meta{
		"source_id": g.SourceID,
		"spawn_id":  g.SpawnID.String(),
	}, nil); err != nil {
		glog.Errorf("xrun: generator %s: append start: %v", g.Topic, err)
	}

	var in eval.Input
	if g.cfg.Duplex {
		g.input = &eval.SliceInput{}
		in = g.input
		g.listenForSend()
	}

	suffix := g.cfg.ReturnOptions.Suffix
	if suffix == "" {
		suffix = ".recv"
	}
	outTopic := g.Topic + suffix

	pipeline := g.cfg.Run(in)
	defer pipeline.Close()
	go func() {
		<-g.done
		pipeline.Close() // unblocks a Next() in progress so Terminate takes effect promptly
	}()

	reason := StopFinished
	var runErr error
loop:
	for {
		select {
		case <-g.done:
			break loop
		default:
		}
		v, ok, err := pipeline.Next()
		if err != nil {
			reason = StopError
			runErr = err
			break loop
		}
		if !ok {
			reason = StopFinished
			break loop
		}
		content := valueBytes(v)
		if _, aerr := g.store.Append(outTopic, g.ContextID, content, frame.Meta{
			"source_id": g.SourceID,
		}, g.cfg.ReturnOptions.TTL); aerr != nil {
			glog.Errorf("xrun: generator %s: append %s: %v", g.Topic, outTopic, aerr)
		}
	}

	if g.cancelIn != nil {
		g.cancelIn()
	}

	if override := g.requested.Load(); override != "" {
		reason = StopReason(override)
	}

	stopMeta := frame.Meta{"source_id": g.SourceID, "reason": string(reason)}
	if runErr != nil {
		stopMeta["error"] = runErr.Error()
	}
	if reason == StopUpdate {
		if uid := g.updateID.Load(); uid != "" {
			stopMeta["update_id"] = uid
		}
	}
	if _, err := g.store.Append(stopTopic, g.ContextID, nil, stopMeta, nil); err != nil {
		glog.Errorf("xrun: generator %s: append stop: %v", g.Topic, err)
	}
	return reason
}

// Terminate asks a running generator's pipeline loop to stop at its next
// opportunity and forces the reported reason to reason (StopTerminate for
// an explicit `<T>.terminate`, StopUpdate when a new `<T>.spawn` is
// superseding this instance).
func (g *Generator) Terminate(reason StopReason) {
	g.requested.Store(string(reason))
	g.stopOnce.Do(func() { close(g.done) })
}

// TerminateForUpdate is Terminate(StopUpdate) plus the id of the
// `<T>.spawn` frame that superseded this instance, carried in the stop
// frame's meta.update_id (spec.md §4.8.5).
func (g *Generator) TerminateForUpdate(newSpawnID id.ID) {
	g.updateID.Store(newSpawnID.String())
	g.Terminate(StopUpdate)
}

func (g *Generator) listenForSend() {
	sendTopic := g.Topic + ".send"
	sub, err := g.store.Read(fabric.ReadOptions{
		ContextID:  &g.ContextID,
		Topic:      &sendTopic,
		Follow:     fabric.FollowOn,
		FromLatest: true,
	})
	if err != nil {
		glog.Errorf("xrun: generator %s: subscribe %s: %v", g.Topic, sendTopic, err)
		return
	}
	g.sendSub = sub
	g.cancelIn = sub.Cancel
	go func() {
		for f := range sub.Frames() {
			if strings.HasSuffix(f.Topic, ".send") {
				b, _ := readFrameContent(g.store, f)
				g.input.Send(eval.Bytes(b))
			}
		}
	}()
}

func readFrameContent(store Store, f frame.Frame) ([]byte, error) {
	if !f.HasContent() {
		return nil, nil
	}
	rc, err := store.GetContent(f.ID)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func valueBytes(v eval.Value) io.Reader {
	if v.Structured != nil {
		b, err := frame.MarshalMeta(v.Structured)
		if err != nil {
			return strings.NewReader("")
		}
		return strings.NewReader(string(b))
	}
	if v.Bytes == nil {
		return nil
	}
	return strings.NewReader(string(v.Bytes))
}
