/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package eval

import (
	"testing"

	"github.com/xshost/xs/cmn"
	"github.com/xshost/xs/frame"
)

func TestRegistryParseCommandRoundTrip(t *testing.T) {
	r := NewRegistry()
	r.RegisterCommand("echo", func() CommandConfig {
		return CommandConfig{
			Run: func(call frame.Frame) Pipeline {
				p := NewChanPipeline(1)
				p.C <- Bytes([]byte("hi"))
				close(p.C)
				return p
			},
		}
	})

	cfg, err := r.ParseCommand([]byte("echo"))
	if err != nil {
		t.Fatalf("ParseCommand: %v", err)
	}
	p := cfg.Run(frame.Frame{})
	v, ok, err := p.Next()
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	if string(v.Bytes) != "hi" {
		t.Fatalf("got %q", v.Bytes)
	}
	if _, ok, _ := p.Next(); ok {
		t.Fatalf("expected pipeline exhausted")
	}
}

func TestRegistryParseUnknownIsParseError(t *testing.T) {
	r := NewRegistry()
	if _, err := r.ParseGenerator([]byte("nope")); !cmn.Is(err, cmn.KindParseError) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if _, err := r.ParseHandler([]byte("nope")); !cmn.Is(err, cmn.KindParseError) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if _, err := r.ParseCommand([]byte("nope")); !cmn.Is(err, cmn.KindParseError) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

func TestSliceInputSendAndRecvInOrder(t *testing.T) {
	in := &SliceInput{}
	in.Send(Text("a"))
	in.Send(Text("b"))

	v, ok := in.Recv()
	if !ok || string(v.Bytes) != "a" {
		t.Fatalf("expected a, got %v ok=%v", v, ok)
	}
	v, ok = in.Recv()
	if !ok || string(v.Bytes) != "b" {
		t.Fatalf("expected b, got %v ok=%v", v, ok)
	}
	if _, ok := in.Recv(); ok {
		t.Fatalf("expected drained input to report empty")
	}

	in.CloseInput()
	in.Send(Text("dropped"))
	if _, ok := in.Recv(); ok {
		t.Fatalf("expected Send after CloseInput to be dropped")
	}
}
