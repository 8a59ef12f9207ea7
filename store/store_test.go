// Package store is the Store Facade.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package store

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/xshost/xs/cmn"
	"github.com/xshost/xs/fabric"
	"github.com/xshost/xs/frame"
	"github.com/xshost/xs/id"
	"github.com/xshost/xs/logstore"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "xs-store-*")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := cmn.DefaultConfig(dir, "")
	cfg.TTL.SweepInterval = cfg.TTL.SweepInterval // keep default; sweeps are rare in the test
	cmn.GCO.Put(cfg)

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	f, err := s.Append("orders.created", id.Zero, bytes.NewReader([]byte("hello")), frame.Meta{"k": "v"}, nil)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if f.Hash == "" {
		t.Fatalf("expected content to produce a hash")
	}

	got, err := s.Get(f.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Topic != "orders.created" || got.Hash != f.Hash {
		t.Fatalf("round-trip mismatch: %+v", got)
	}

	rc, err := s.GetContent(f.ID)
	if err != nil {
		t.Fatalf("GetContent: %v", err)
	}
	defer rc.Close()
	var buf bytes.Buffer
	buf.ReadFrom(rc)
	if buf.String() != "hello" {
		t.Fatalf("content mismatch: %q", buf.String())
	}
}

func TestAppendNoContentHasNoHash(t *testing.T) {
	s := openTestStore(t)
	f, err := s.Append("t", id.Zero, nil, nil, nil)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if f.HasContent() {
		t.Fatalf("expected no content")
	}
	if _, err := s.GetContent(f.ID); err != ErrNoContent {
		t.Fatalf("expected ErrNoContent, got %v", err)
	}
}

func TestEphemeralNeverPersisted(t *testing.T) {
	s := openTestStore(t)
	eph := frame.RetentionEphemeral()
	f, err := s.Append("t", id.Zero, nil, nil, &eph)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := s.Get(f.ID); !cmn.Is(err, cmn.KindNotFound) {
		t.Fatalf("expected ephemeral frame to be absent from the log, got %v", err)
	}
}

func TestHeadRetentionKeepsOnlyN(t *testing.T) {
	s := openTestStore(t)
	ttl := frame.RetentionHead(2)
	var last frame.Frame
	for i := 0; i < 5; i++ {
		f, err := s.Append("metric.cpu", id.Zero, nil, nil, &ttl)
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		last = f
	}
	head, ok, err := s.Head("metric.cpu", id.Zero)
	if err != nil || !ok {
		t.Fatalf("Head: ok=%v err=%v", ok, err)
	}
	if head.ID != last.ID {
		t.Fatalf("head is not the latest append")
	}

	count := 0
	if err := s.Scan(logstore.Filter{}, nil, func(f frame.Frame) bool {
		if f.Topic == "metric.cpu" {
			count++
		}
		return true
	}); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 surviving frames, got %d", count)
	}
}

func TestRemoveDeletesFrame(t *testing.T) {
	s := openTestStore(t)
	f, err := s.Append("t", id.Zero, nil, nil, nil)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Remove(f.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := s.Get(f.ID); !cmn.Is(err, cmn.KindNotFound) {
		t.Fatalf("expected NotFound after Remove, got %v", err)
	}
}

func TestReadFollowSeesSubsequentAppend(t *testing.T) {
	s := openTestStore(t)
	sub, err := s.Read(fabric.ReadOptions{Follow: fabric.FollowOn})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	defer sub.Cancel()

	f, err := s.Append("t", id.Zero, nil, nil, nil)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	var sawThreshold, sawFrame bool
	deadline := time.After(2 * time.Second)
	for !sawFrame {
		select {
		case got := <-sub.Frames():
			if got.Topic == frame.TopicThreshold {
				sawThreshold = true
			}
			if got.ID == f.ID {
				sawFrame = true
			}
		case <-deadline:
			t.Fatalf("timed out waiting for appended frame")
		}
	}
	if !sawThreshold {
		t.Fatalf("expected a threshold frame before the live append")
	}
}

func TestContextRegistryNewAndResolve(t *testing.T) {
	s := openTestStore(t)
	cid, err := s.Registry().New(s, "tenant-a")
	if err != nil {
		t.Fatalf("Registry().New: %v", err)
	}
	f, err := s.Append("t", cid, nil, nil, nil)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	got, err := s.Get(f.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ContextID != cid {
		t.Fatalf("context id mismatch")
	}
	resolved, err := s.Registry().Resolve("tenant-a")
	if err != nil || resolved != cid {
		t.Fatalf("Resolve: %v, %s", err, resolved)
	}
}

func TestImportPreservesID(t *testing.T) {
	s := openTestStore(t)
	digest, err := s.CasPut(bytes.NewReader([]byte("payload")))
	if err != nil {
		t.Fatalf("CasPut: %v", err)
	}
	want := frame.Frame{ID: id.New(), Topic: "imported", ContextID: id.Zero, Hash: digest}
	got, err := s.Import(want)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if got.ID != want.ID {
		t.Fatalf("import did not preserve id")
	}
	if _, err := s.Get(want.ID); err != nil {
		t.Fatalf("Get after import: %v", err)
	}
}

func TestSecondOpenOnSameDirFails(t *testing.T) {
	dir, err := os.MkdirTemp("", "xs-store-lock-*")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	defer os.RemoveAll(dir)
	cmn.GCO.Put(cmn.DefaultConfig(dir, ""))

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	defer s1.Close()

	if _, err := Open(dir); err == nil {
		t.Fatalf("expected second Open of the same dir to fail")
	}
}
