/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package xrun

import (
	"io"
	"sync"
	"testing"

	"github.com/xshost/xs/eval"
	"github.com/xshost/xs/fabric"
	"github.com/xshost/xs/frame"
	"github.com/xshost/xs/id"
)

// fakeStore records every Append call and never satisfies a real
// subscription - enough for generator/handler/command tests that don't
// exercise Duplex/Read.
type fakeStore struct {
	mu      sync.Mutex
	appends []frame.Frame
}

func (f *fakeStore) Append(topic string, contextID id.ID, content io.Reader, meta frame.Meta, ttl *frame.Retention) (frame.Frame, error) {
	var body []byte
	if content != nil {
		body, _ = io.ReadAll(content)
	}
	fr := frame.Frame{ID: id.New(), Topic: topic, ContextID: contextID, Meta: meta, TTL: ttl}
	if len(body) > 0 {
		fr.Hash = "sha256-test"
	}
	f.mu.Lock()
	f.appends = append(f.appends, fr)
	f.mu.Unlock()
	return fr, nil
}

func (f *fakeStore) Read(fabric.ReadOptions) (*fabric.Subscription, error) {
	panic("not implemented: test does not exercise duplex generators")
}

func (f *fakeStore) GetContent(id.ID) (io.ReadCloser, error) {
	panic("not implemented")
}

func (f *fakeStore) topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.appends))
	for i, fr := range f.appends {
		out[i] = fr.Topic
	}
	return out
}

func TestGeneratorFinishesAndAppendsStartRecvStop(t *testing.T) {
	st := &fakeStore{}
	values := []eval.Value{eval.Text("one"), eval.Text("two")}
	cfg := &eval.GeneratorConfig{
		Run: func(eval.Input) eval.Pipeline {
			p := eval.NewChanPipeline(len(values))
			for _, v := range values {
				p.C <- v
			}
			close(p.C)
			return p
		},
	}
	g := NewGenerator(st, "t", id.Zero, id.New(), cfg)
	reason := g.Run()
	if reason != StopFinished {
		t.Fatalf("expected StopFinished, got %v", reason)
	}

	topics := st.topics()
	if len(topics) != 4 { // start, recv, recv, stop
		t.Fatalf("expected 4 appends, got %d: %v", len(topics), topics)
	}
	if topics[0] != "t.start" || topics[len(topics)-1] != "t.stop" {
		t.Fatalf("unexpected topic sequence: %v", topics)
	}
	for _, tp := range topics[1 : len(topics)-1] {
		if tp != "t.recv" {
			t.Fatalf("expected t.recv, got %s", tp)
		}
	}
}

func TestGeneratorTerminateReportsReason(t *testing.T) {
	st := &fakeStore{}
	started := make(chan struct{})
	cfg := &eval.GeneratorConfig{
		Run: func(eval.Input) eval.Pipeline {
			p := eval.NewChanPipeline(0)
			close(started)
			return p // never produces; blocks on Next until Close
		},
	}
	g := NewGenerator(st, "t", id.Zero, id.New(), cfg)

	done := make(chan StopReason, 1)
	go func() { done <- g.Run() }()
	<-started
	g.Terminate(StopTerminate)

	reason := <-done
	if reason != StopTerminate {
		t.Fatalf("expected StopTerminate, got %v", reason)
	}
}

func TestGeneratorTerminateForUpdateCarriesUpdateID(t *testing.T) {
	st := &fakeStore{}
	started := make(chan struct{})
	cfg := &eval.GeneratorConfig{
		Run: func(eval.Input) eval.Pipeline {
			p := eval.NewChanPipeline(0)
			close(started)
			return p
		},
	}
	g := NewGenerator(st, "t", id.Zero, id.New(), cfg)
	newSpawn := id.New()

	done := make(chan StopReason, 1)
	go func() { done <- g.Run() }()
	<-started
	g.TerminateForUpdate(newSpawn)
	<-done

	st.mu.Lock()
	defer st.mu.Unlock()
	stop := st.appends[len(st.appends)-1]
	if stop.Topic != "t.stop" {
		t.Fatalf("expected last append to be t.stop, got %s", stop.Topic)
	}
	if stop.Meta["update_id"] != newSpawn.String() {
		t.Fatalf("expected update_id %s, got %v", newSpawn, stop.Meta["update_id"])
	}
}
