// Package hk is the TTL Engine's background half (spec.md §4.3): a
// periodic sweep that evicts Time(d)-tagged frames once they've aged past
// their duration. Head(n) eviction is synchronous with append and lives in
// logstore; hk only handles the sweep that can't be done at write time.
//
// Named and shaped after the teacher's `hk` package (registered into the
// daemon's rungroup as `hk.DefaultHK` in ais/daemon.go): a single
// cos.Runner driving a ticker loop.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package hk

import (
	"time"

	"github.com/golang/glog"
	"go.uber.org/atomic"

	"github.com/xshost/xs/frame"
	"github.com/xshost/xs/id"
)

// Sweeper is implemented by the Store Facade: hk only knows how to ask for
// Time-tagged candidates and remove the ones that have aged out.
type Sweeper interface {
	// ScanTimeCandidates calls yield once per frame currently tagged
	// Time(d); hk decides eviction from the returned duration and the
	// frame's own id timestamp.
	ScanTimeCandidates(yield func(f frame.Frame, ttl time.Duration) bool) error
	RemoveSwept(i id.ID) error
}

type HK struct {
	name     string
	interval time.Duration
	sweeper  Sweeper
	stopCh   chan struct{}
	stopped  atomic.Bool
}

func New(interval time.Duration, sweeper Sweeper) *HK {
	return &HK{
		name:     "hk",
		interval: interval,
		sweeper:  sweeper,
		stopCh:   make(chan struct{}),
	}
}

func (h *HK) Name() string { return h.name }

func (h *HK) Run() error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.sweep()
		case <-h.stopCh:
			return nil
		}
	}
}

func (h *HK) Stop(err error) {
	if h.stopped.CAS(false, true) {
		if err != nil {
			glog.Warningf("hk: stopping, err: %v", err)
		}
		close(h.stopCh)
	}
}

func (h *HK) sweep() {
	now := time.Now()
	var candidates []id.ID
	err := h.sweeper.ScanTimeCandidates(func(f frame.Frame, ttl time.Duration) bool {
		if now.Sub(f.ID.Timestamp()) >= ttl {
			candidates = append(candidates, f.ID)
		}
		return true
	})
	if err != nil {
		glog.Errorf("hk: sweep scan failed: %v", err)
		return
	}
	for _, i := range candidates {
		// A Time(d) sweep may race with reads/removes; a NotFound here
		// just means someone else (or a prior sweep) already evicted it
		// (spec.md §4.3 "Edge cases").
		if err := h.sweeper.RemoveSwept(i); err != nil {
			glog.V(4).Infof("hk: sweep remove %s: %v", i, err)
		}
	}
	if len(candidates) > 0 {
		glog.V(3).Infof("hk: swept %d expired frame(s)", len(candidates))
	}
}
