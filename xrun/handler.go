/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package xrun

import (
	"io"
	"strings"

	"github.com/golang/glog"

	"github.com/xshost/xs/cmn/cos"
	"github.com/xshost/xs/eval"
	"github.com/xshost/xs/fabric"
	"github.com/xshost/xs/frame"
	"github.com/xshost/xs/id"
)

// Handler runs one `<name>.register` definition: it processes matching
// frames strictly in id order, never overlapping its own invocations
// (spec.md §4.9 "Ordering"), and never triggers on its own output
// (spec.md §4.9.3 "skip self-trigger").
type Handler struct {
	Name      string
	ContextID id.ID
	HandlerID string
	LastID    id.ID // resume position reported in <name>.registered

	store       Store
	cfg         *eval.HandlerConfig
	sub         *fabric.Subscription
	resumeFloor *id.ID // ResumeHead: skip catch-up frames older than this
}

func NewHandler(store Store, name string, contextID id.ID, cfg *eval.HandlerConfig) *Handler {
	return &Handler{
		Name:      name,
		ContextID: contextID,
		HandlerID: cos.GenUUID(),
		store:     store,
		cfg:       cfg,
	}
}

// Register opens the handler's subscription at its configured resume
// position and appends `<name>.registered` describing it (spec.md §4.9.2).
// head is the current head(name, context) frame, if any - needed to honor
// ResumeHead ("start at the most recent matching frame and continue").
// It does not start consuming; call Run for that.
func (h *Handler) Register(head *frame.Frame) error {
	watch := h.Name
	opts := fabric.ReadOptions{
		ContextID: &h.ContextID,
		Topic:     &watch,
		Follow:    fabric.FollowOn,
	}
	switch h.cfg.ResumeFrom.Kind {
	case eval.ResumeHead:
		if head != nil {
			h.LastID = head.ID
			h.resumeFloor = &head.ID
			// Leave position at from-beginning: the scan is bounded by
			// resumeFloor in Run rather than by a from_id cursor, since
			// from_id's "strictly after" semantics would exclude the
			// head frame itself.
		} else {
			opts.FromLatest = true
		}
	case eval.ResumeID:
		parsed, err := id.Parse(h.cfg.ResumeFrom.ID)
		if err != nil {
			return err
		}
		h.LastID = parsed
		opts.FromID = &parsed
	default: // ResumeTail
		if head != nil {
			h.LastID = head.ID
		}
		opts.FromLatest = true
	}
	if h.cfg.Pulse != nil && h.cfg.Pulse.D() > 0 {
		opts.Follow = fabric.FollowHeartbeat
		opts.Heartbeat = h.cfg.Pulse.D()
	}

	sub, err := h.store.Read(opts)
	if err != nil {
		return err
	}
	h.sub = sub

	meta := frame.Meta{
		"handler_id": h.HandlerID,
		"tail":       h.cfg.ResumeFrom.Kind == eval.ResumeTail,
		"last_id":    h.LastID.String(),
	}
	_, err = h.store.Append(h.Name+".registered", h.ContextID, nil, meta, nil)
	return err
}

// Run drains the subscription sequentially until it ends or Unregister is
// called, then appends `<name>.unregistered`. Blocking call; run it on its
// own goroutine.
func (h *Handler) Run() {
	suffix := h.cfg.ReturnOptions.Suffix
	if suffix == "" {
		suffix = ".out"
	}
	outTopic := h.Name + suffix

	var runErr error
	for f := range h.sub.Frames() {
		if f.Topic == frame.TopicThreshold || f.Topic == frame.TopicPulse {
			if f.Topic == frame.TopicPulse && h.cfg.Pulse != nil {
				if _, err := h.invoke(f, outTopic); err != nil {
					runErr = err
					break
				}
			}
			continue
		}
		if hid, ok := f.Meta["handler_id"]; ok {
			if s, ok := hid.(string); ok && s == h.HandlerID {
				continue // spec.md §4.9.3: never trigger on own output
			}
		}
		if h.resumeFloor != nil && f.ID.Compare(*h.resumeFloor) < 0 {
			continue
		}
		if _, err := h.invoke(f, outTopic); err != nil {
			runErr = err
			break
		}
		h.LastID = f.ID
	}

	meta := frame.Meta{"handler_id": h.HandlerID}
	if runErr != nil {
		meta["error"] = runErr.Error()
		glog.Errorf("xrun: handler %s: run error: %v", h.Name, runErr)
	}
	if _, err := h.store.Append(h.Name+".unregistered", h.ContextID, nil, meta, nil); err != nil {
		glog.Errorf("xrun: handler %s: append unregistered: %v", h.Name, err)
	}
}

func (h *Handler) invoke(f frame.Frame, outTopic string) (interface{}, error) {
	out, err := h.cfg.Run(f)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	meta := frame.Meta{"handler_id": h.HandlerID, "frame_id": f.ID.String()}
	var content io.Reader
	switch v := out.(type) {
	case []byte:
		content = strings.NewReader(string(v))
	case string:
		content = strings.NewReader(v)
	default:
		b, merr := frame.MarshalMeta(v)
		if merr != nil {
			return nil, merr
		}
		content = strings.NewReader(string(b))
	}
	_, err = h.store.Append(outTopic, h.ContextID, content, meta, h.cfg.ReturnOptions.TTL)
	return out, err
}

// Unregister cancels the handler's subscription, which ends Run's loop.
func (h *Handler) Unregister() {
	if h.sub != nil {
		h.sub.Cancel()
	}
}
