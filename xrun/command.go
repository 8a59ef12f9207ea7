/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package xrun

import (
	"bytes"
	"strings"

	"github.com/golang/glog"
	"github.com/tinylib/msgp/msgp"

	"github.com/xshost/xs/cmn/cos"
	"github.com/xshost/xs/eval"
	"github.com/xshost/xs/frame"
	"github.com/xshost/xs/id"
)

// Command is a stateless, on-demand definition (spec.md §4.10): every
// `<name>.call` gets a fresh invocation, invocations share no mutable
// state, and multiple may run concurrently (spec.md §5 "Command invocation
// state: per-task; no sharing").
type Command struct {
	Name      string
	ContextID id.ID

	store Store
	cfg   *eval.CommandConfig
}

func NewCommand(store Store, name string, contextID id.ID, cfg *eval.CommandConfig) *Command {
	return &Command{Name: name, ContextID: contextID, store: store, cfg: cfg}
}

// Invoke runs one call frame to completion and appends exactly one
// `<name>.response` or `<name>.error` frame (spec.md §4.10.4-5). Safe to
// call concurrently for independent call frames.
func (c *Command) Invoke(call frame.Frame) {
	commandID := cos.GenUUID()
	pipeline := c.cfg.Run(call)
	defer pipeline.Close()

	values, err := collect(pipeline)
	if err != nil {
		meta := frame.Meta{
			"command_id": commandID,
			"frame_id":   call.ID.String(),
			"error":      err.Error(),
		}
		if _, aerr := c.store.Append(c.Name+".error", c.ContextID, nil, meta, nil); aerr != nil {
			glog.Errorf("xrun: command %s: append error frame: %v", c.Name, aerr)
		}
		return
	}

	suffix := c.cfg.ReturnOptions.Suffix
	if suffix == "" {
		suffix = ".response"
	}
	body, structured := aggregate(values)
	meta := frame.Meta{"command_id": commandID, "frame_id": call.ID.String()}
	if structured {
		meta["encoding"] = "msgpack"
	}
	if _, aerr := c.store.Append(c.Name+suffix, c.ContextID, bytes.NewReader(body), meta, c.cfg.ReturnOptions.TTL); aerr != nil {
		glog.Errorf("xrun: command %s: append response: %v", c.Name, aerr)
	}
}

func collect(p eval.Pipeline) ([]eval.Value, error) {
	var values []eval.Value
	for {
		v, ok, err := p.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return values, nil
		}
		values = append(values, v)
	}
}

// aggregate collects a command's pipeline into the single blob described
// by spec.md §4.10.4: text/byte values are newline-joined, structured
// values are packed with msgp into a compact binary array so a reader
// gets one frame per call regardless of how many values the closure
// yielded.
func aggregate(values []eval.Value) (body []byte, structured bool) {
	for _, v := range values {
		if v.Structured != nil {
			structured = true
			break
		}
	}
	if !structured {
		parts := make([]string, 0, len(values))
		for _, v := range values {
			parts = append(parts, string(v.Bytes))
		}
		return []byte(strings.Join(parts, "\n")), false
	}

	var buf bytes.Buffer
	w := msgp.NewWriter(&buf)
	_ = w.WriteArrayHeader(uint32(len(values)))
	for _, v := range values {
		if v.Structured != nil {
			if s, ok := v.Structured.(string); ok {
				_ = w.WriteString(s)
				continue
			}
			if n, ok := v.Structured.(int); ok {
				_ = w.WriteInt(n)
				continue
			}
			_ = w.WriteString(stringify(v.Structured))
			continue
		}
		_ = w.WriteBytes(v.Bytes)
	}
	_ = w.Flush()
	return buf.Bytes(), true
}

func stringify(v interface{}) string {
	b, err := frame.MarshalMeta(v)
	if err != nil {
		return ""
	}
	return string(b)
}
