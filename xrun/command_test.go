/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package xrun

import (
	"testing"

	"github.com/xshost/xs/eval"
	"github.com/xshost/xs/frame"
	"github.com/xshost/xs/id"
)

func TestCommandInvokeAggregatesTextPipeline(t *testing.T) {
	st := &fakeStore{}
	cfg := &eval.CommandConfig{
		Run: func(frame.Frame) eval.Pipeline {
			p := eval.NewChanPipeline(2)
			p.C <- eval.Text("line1")
			p.C <- eval.Text("line2")
			close(p.C)
			return p
		},
	}
	c := NewCommand(st, "sum", id.Zero, cfg)
	c.Invoke(frame.Frame{ID: id.New(), Topic: "sum.call"})

	topics := st.topics()
	if len(topics) != 1 || topics[0] != "sum.response" {
		t.Fatalf("expected single sum.response, got %v", topics)
	}
	resp := st.appends[0]
	if _, structured := resp.Meta["encoding"]; structured {
		t.Fatalf("expected no encoding hint for a text-only pipeline")
	}
}

func TestCommandInvokeAggregatesStructuredPipelineAsMsgpack(t *testing.T) {
	st := &fakeStore{}
	cfg := &eval.CommandConfig{
		Run: func(frame.Frame) eval.Pipeline {
			p := eval.NewChanPipeline(1)
			p.C <- eval.Structured(42)
			close(p.C)
			return p
		},
	}
	c := NewCommand(st, "sum", id.Zero, cfg)
	c.Invoke(frame.Frame{ID: id.New(), Topic: "sum.call"})

	resp := st.appends[0]
	if resp.Meta["encoding"] != "msgpack" {
		t.Fatalf("expected msgpack encoding hint, got %v", resp.Meta["encoding"])
	}
}

func TestCommandInvokeErrorYieldsErrorFrame(t *testing.T) {
	st := &fakeStore{}
	boom := errAlways{}
	cfg := &eval.CommandConfig{
		Run: func(frame.Frame) eval.Pipeline {
			p := eval.NewChanPipeline(0)
			p.ErrC <- boom
			close(p.C)
			return p
		},
	}
	c := NewCommand(st, "sum", id.Zero, cfg)
	c.Invoke(frame.Frame{ID: id.New(), Topic: "sum.call"})

	topics := st.topics()
	if len(topics) != 1 || topics[0] != "sum.error" {
		t.Fatalf("expected single sum.error, got %v", topics)
	}
}

type errAlways struct{}

func (errAlways) Error() string { return "boom" }
