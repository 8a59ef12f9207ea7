/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package transport

import (
	"bytes"
	"io"
	"sync"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/valyala/fasthttp"

	"github.com/xshost/xs/cmn"
	"github.com/xshost/xs/fabric"
	"github.com/xshost/xs/frame"
	"github.com/xshost/xs/id"
	"github.com/xshost/xs/logstore"
)

type fakeStore struct {
	mu      sync.Mutex
	frames  map[id.ID]frame.Frame
	content map[id.ID][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{frames: map[id.ID]frame.Frame{}, content: map[id.ID][]byte{}}
}

func (f *fakeStore) Append(topic string, contextID id.ID, content io.Reader, meta frame.Meta, ttl *frame.Retention) (frame.Frame, error) {
	var body []byte
	if content != nil {
		body, _ = io.ReadAll(content)
	}
	fr := frame.Frame{ID: id.New(), Topic: topic, ContextID: contextID, Meta: meta, TTL: ttl}
	f.mu.Lock()
	if len(body) > 0 {
		fr.Hash = "digest-" + fr.ID.String()
		f.content[fr.ID] = body
	}
	f.frames[fr.ID] = fr
	f.mu.Unlock()
	return fr, nil
}

func (f *fakeStore) Get(i id.ID) (frame.Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fr, ok := f.frames[i]
	if !ok {
		return frame.Frame{}, cmn.ErrNotFound("no such frame %s", i)
	}
	return fr, nil
}

func (f *fakeStore) GetContent(i id.ID) (io.ReadCloser, error) {
	f.mu.Lock()
	b, ok := f.content[i]
	f.mu.Unlock()
	if !ok {
		return nil, cmn.ErrNotFound("no content for %s", i)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (f *fakeStore) Remove(i id.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.frames[i]; !ok {
		return cmn.ErrNotFound("no such frame %s", i)
	}
	delete(f.frames, i)
	return nil
}

func (f *fakeStore) Head(string, id.ID) (frame.Frame, bool, error) { return frame.Frame{}, false, nil }
func (f *fakeStore) Read(fabric.ReadOptions) (*fabric.Subscription, error) {
	ch := make(chan frame.Frame)
	close(ch)
	return fabric.NewTestSubscription(ch), nil
}
func (f *fakeStore) Import(fr frame.Frame) (frame.Frame, error) {
	f.mu.Lock()
	f.frames[fr.ID] = fr
	f.mu.Unlock()
	return fr, nil
}
func (f *fakeStore) CasPut(io.Reader) (string, error)        { return "", nil }
func (f *fakeStore) CasGet(string) (io.ReadCloser, error)    { return io.NopCloser(bytes.NewReader(nil)), nil }
func (f *fakeStore) Scan(logstore.Filter, *id.ID, func(frame.Frame) bool) error { return nil }

func newTestServer() (*Server, *fakeStore) {
	st := newFakeStore()
	return New("/tmp/unused.sock", st, nil, cmn.TransportConf{}), st
}

func TestHandleAppendAndGet(t *testing.T) {
	s, _ := newTestServer()

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod("POST")
	ctx.Request.SetRequestURI("/append/widgets")
	ctx.Request.Header.Set("X-Meta", `{"k":"v"}`)
	ctx.Request.SetBody([]byte("hello"))
	s.handle(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("append: status %d body %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	var appended frame.Frame
	if err := wireJSON.Unmarshal(ctx.Response.Body(), &appended); err != nil {
		t.Fatalf("unmarshal append response: %v", err)
	}
	if appended.Topic != "widgets" || appended.Meta["k"] != "v" {
		t.Fatalf("unexpected appended frame: %+v", appended)
	}

	ctx2 := &fasthttp.RequestCtx{}
	ctx2.Request.Header.SetMethod("GET")
	ctx2.Request.SetRequestURI("/get/" + appended.ID.String())
	s.handle(ctx2)
	if ctx2.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("get: status %d body %s", ctx2.Response.StatusCode(), ctx2.Response.Body())
	}
}

func TestHandleGetNotFoundMapsTo404(t *testing.T) {
	s, _ := newTestServer()
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod("GET")
	ctx.Request.SetRequestURI("/get/" + id.New().String())
	s.handle(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Fatalf("expected 404, got %d", ctx.Response.StatusCode())
	}
}

func TestHandleRequiresAuthWhenConfigured(t *testing.T) {
	st := newFakeStore()
	s := New("/tmp/unused.sock", st, nil, cmn.TransportConf{AuthSecret: "shh"})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod("GET")
	ctx.Request.SetRequestURI("/version")
	s.handle(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", ctx.Response.StatusCode())
	}

	tok, err := s.auth.Issue("xsctl")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	ctx2 := &fasthttp.RequestCtx{}
	ctx2.Request.Header.SetMethod("GET")
	ctx2.Request.SetRequestURI("/version")
	ctx2.Request.Header.Set("Authorization", "Bearer "+tok)
	s.handle(ctx2)
	if ctx2.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("expected 200 with a valid token, got %d", ctx2.Response.StatusCode())
	}
}

var _ = jsoniter.ConfigCompatibleWithStandardLibrary
