// Package ctxreg is the Context Registry.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package ctxreg

import (
	"io"
	"testing"

	"github.com/xshost/xs/cmn"
	"github.com/xshost/xs/frame"
	"github.com/xshost/xs/id"
)

// fakeAppender stands in for the Store Facade: it just mints a frame id
// and hands back a Frame carrying exactly the meta it was given.
type fakeAppender struct{}

func (fakeAppender) Append(topic string, ctxID id.ID, _ io.Reader, meta frame.Meta, ttl *frame.Retention) (frame.Frame, error) {
	return frame.Frame{ID: id.New(), Topic: topic, ContextID: ctxID, Meta: meta, TTL: ttl}, nil
}

func TestSystemContextPreregistered(t *testing.T) {
	r := New()
	got, err := r.Resolve("system")
	if err != nil {
		t.Fatalf("resolve system: %v", err)
	}
	if got != id.Zero {
		t.Fatalf("expected zero id, got %s", got)
	}
	if got, err := r.Resolve(id.Zero.String()); err != nil || got != id.Zero {
		t.Fatalf("resolve by literal id failed: %v, %s", err, got)
	}
}

func TestNewAndResolve(t *testing.T) {
	r := New()
	app := fakeAppender{}

	cid, err := r.New(app, "tenant-a")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := r.Resolve("tenant-a")
	if err != nil {
		t.Fatalf("resolve tenant-a: %v", err)
	}
	if got != cid {
		t.Fatalf("resolved id mismatch: got %s want %s", got, cid)
	}
}

func TestNewDuplicateNameRejected(t *testing.T) {
	r := New()
	app := fakeAppender{}
	if _, err := r.New(app, "dup"); err != nil {
		t.Fatalf("first New: %v", err)
	}
	if _, err := r.New(app, "dup"); !cmn.Is(err, cmn.KindContextExists) {
		t.Fatalf("expected ContextExists, got %v", err)
	}
}

func TestRenameMovesActiveName(t *testing.T) {
	r := New()
	app := fakeAppender{}
	cid, err := r.New(app, "old-name")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Rename(app, cid, "new-name"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := r.Resolve("old-name"); !cmn.Is(err, cmn.KindNotFound) {
		t.Fatalf("expected old name to be freed, got %v", err)
	}
	got, err := r.Resolve("new-name")
	if err != nil || got != cid {
		t.Fatalf("resolve new-name failed: %v, %s", err, got)
	}
}

func TestRenameToTakenNameRejected(t *testing.T) {
	r := New()
	app := fakeAppender{}
	if _, err := r.New(app, "a"); err != nil {
		t.Fatalf("New a: %v", err)
	}
	b, err := r.New(app, "b")
	if err != nil {
		t.Fatalf("New b: %v", err)
	}
	if err := r.Rename(app, b, "a"); !cmn.Is(err, cmn.KindContextExists) {
		t.Fatalf("expected ContextExists, got %v", err)
	}
}

func TestResolveUnknownNotFound(t *testing.T) {
	r := New()
	if _, err := r.Resolve("nope"); !cmn.Is(err, cmn.KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestList(t *testing.T) {
	r := New()
	app := fakeAppender{}
	if _, err := r.New(app, "x"); err != nil {
		t.Fatalf("New: %v", err)
	}
	entries := r.List()
	if len(entries) != 2 { // system + x
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
}
