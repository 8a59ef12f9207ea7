// Package transport is the wire surface spec.md §6.2 describes as an
// external collaborator: a request/response protocol over a local Unix
// socket that translates HTTP requests into Store Facade calls. Built on
// valyala/fasthttp the same way the teacher's proxy/target daemons serve
// their own REST API, with an optional bearer-token gate (transport/auth.go)
// standing in front - the core Store never gains an ACL of its own
// (spec.md §1 Non-goals).
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package transport

import (
	"bufio"
	"io"
	"os"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/valyala/fasthttp"

	"github.com/golang/glog"

	"github.com/xshost/xs/cmn"
	"github.com/xshost/xs/fabric"
	"github.com/xshost/xs/frame"
	"github.com/xshost/xs/id"
	"github.com/xshost/xs/logstore"
	"github.com/xshost/xs/stats"
)

var wireJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Store is the facade transport drives; satisfied by *store.Store.
type Store interface {
	Append(topic string, contextID id.ID, content io.Reader, meta frame.Meta, ttl *frame.Retention) (frame.Frame, error)
	Get(i id.ID) (frame.Frame, error)
	GetContent(i id.ID) (io.ReadCloser, error)
	Remove(i id.ID) error
	Head(topic string, contextID id.ID) (frame.Frame, bool, error)
	Read(opts fabric.ReadOptions) (*fabric.Subscription, error)
	Import(f frame.Frame) (frame.Frame, error)
	CasPut(r io.Reader) (string, error)
	CasGet(digest string) (io.ReadCloser, error)
	Scan(filter logstore.Filter, from *id.ID, yield func(frame.Frame) bool) error
}

const VersionString = "xs/1"

// Server owns the fasthttp listener and dispatch. One Server per store
// process, started by cmd/xsd alongside the Supervisor, following the
// teacher's cos.Runner convention so it can be folded into the same
// rungroup.
type Server struct {
	SocketPath string
	store      Store
	stats      *stats.Stats
	auth       *TokenIssuer
	srv        *fasthttp.Server
}

func New(socketPath string, st Store, metrics *stats.Stats, cfg cmn.TransportConf) *Server {
	s := &Server{SocketPath: socketPath, store: st, stats: metrics}
	if cfg.AuthSecret != "" {
		ttl := cfg.TokenTTL.D()
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		s.auth = NewTokenIssuer(cfg.AuthSecret, ttl)
	}
	s.srv = &fasthttp.Server{Handler: s.handle, Name: VersionString}
	return s
}

func (*Server) Name() string { return "transport" }

// Run blocks serving the Unix socket until Stop is called, satisfying
// cos.Runner (cmn/cos/runner.go) the way the teacher's HTTP wrapper does.
func (s *Server) Run() error {
	mode := os.FileMode(0o600)
	if err := s.srv.ListenAndServeUNIX(s.SocketPath, mode); err != nil {
		return cmn.ErrIo(err, "transport: serve %s", s.SocketPath)
	}
	return nil
}

func (s *Server) Stop(err error) {
	if err != nil {
		glog.Warningf("transport: stopping on error: %v", err)
	}
	if serr := s.srv.Shutdown(); serr != nil {
		glog.Errorf("transport: shutdown: %v", serr)
	}
}

func (s *Server) handle(ctx *fasthttp.RequestCtx) {
	if s.auth != nil {
		tok := strings.TrimPrefix(string(ctx.Request.Header.Peek("Authorization")), "Bearer ")
		if tok == "" || s.auth.Verify(tok) != nil {
			ctx.SetStatusCode(fasthttp.StatusUnauthorized)
			return
		}
	}
	path := string(ctx.Path())
	switch {
	case path == "/version":
		s.writeJSON(ctx, 200, map[string]string{"version": VersionString})
	case path == "/read":
		s.handleRead(ctx)
	case strings.HasPrefix(path, "/append/"):
		s.handleAppend(ctx, strings.TrimPrefix(path, "/append/"))
	case strings.HasPrefix(path, "/get/"):
		s.handleGet(ctx, strings.TrimPrefix(path, "/get/"))
	case strings.HasPrefix(path, "/remove/"):
		s.handleRemove(ctx, strings.TrimPrefix(path, "/remove/"))
	case strings.HasPrefix(path, "/head/"):
		s.handleHead(ctx, strings.TrimPrefix(path, "/head/"))
	case path == "/cas_put":
		s.handleCasPut(ctx)
	case strings.HasPrefix(path, "/cas_get/"):
		s.handleCasGet(ctx, strings.TrimPrefix(path, "/cas_get/"))
	case path == "/import":
		s.handleImport(ctx)
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

func (s *Server) writeJSON(ctx *fasthttp.RequestCtx, code int, v interface{}) {
	ctx.SetStatusCode(code)
	ctx.SetContentType("application/json")
	b, err := wireJSON.Marshal(v)
	if err != nil {
		glog.Errorf("transport: marshal response: %v", err)
		return
	}
	ctx.SetBody(b)
}

func (s *Server) writeErr(ctx *fasthttp.RequestCtx, err error) {
	code := fasthttp.StatusInternalServerError
	switch {
	case cmn.Is(err, cmn.KindNotFound):
		code = fasthttp.StatusNotFound
	case cmn.Is(err, cmn.KindInvalidArgument), cmn.Is(err, cmn.KindConflictingOption), cmn.Is(err, cmn.KindContextExists):
		code = fasthttp.StatusBadRequest
	}
	s.writeJSON(ctx, code, map[string]string{"error": err.Error()})
}

// handleAppend: metadata travels out-of-band in an X-Meta header (JSON),
// per spec.md §6.2 "payloads remain untyped bytes"; the body is the raw
// content.
func (s *Server) handleAppend(ctx *fasthttp.RequestCtx, topic string) {
	var meta frame.Meta
	if raw := ctx.Request.Header.Peek("X-Meta"); len(raw) > 0 {
		if err := wireJSON.Unmarshal(raw, &meta); err != nil {
			s.writeErr(ctx, cmn.ErrInvalidArgument("transport: bad X-Meta header: %v", err))
			return
		}
	}
	var ttl *frame.Retention
	if raw := ctx.Request.Header.Peek("X-TTL"); len(raw) > 0 {
		var r frame.Retention
		if err := wireJSON.Unmarshal(raw, &r); err != nil {
			s.writeErr(ctx, cmn.ErrInvalidArgument("transport: bad X-TTL header: %v", err))
			return
		}
		ttl = &r
	}
	var contextID id.ID
	if raw := ctx.Request.Header.Peek("X-Context-Id"); len(raw) > 0 {
		parsed, err := id.Parse(string(raw))
		if err != nil {
			s.writeErr(ctx, cmn.ErrInvalidArgument("transport: bad X-Context-Id: %v", err))
			return
		}
		contextID = parsed
	}
	var body io.Reader
	if b := ctx.PostBody(); len(b) > 0 {
		body = strings.NewReader(string(b))
	}
	f, err := s.store.Append(topic, contextID, body, meta, ttl)
	if err != nil {
		s.writeErr(ctx, err)
		return
	}
	if s.stats != nil {
		s.stats.AppendsTotal.Inc()
	}
	s.writeJSON(ctx, fasthttp.StatusOK, &f)
}

func (s *Server) handleGet(ctx *fasthttp.RequestCtx, raw string) {
	fid, err := id.Parse(raw)
	if err != nil {
		s.writeErr(ctx, cmn.ErrInvalidArgument("transport: bad id: %v", err))
		return
	}
	f, err := s.store.Get(fid)
	if err != nil {
		s.writeErr(ctx, err)
		return
	}
	s.writeJSON(ctx, fasthttp.StatusOK, &f)
}

func (s *Server) handleRemove(ctx *fasthttp.RequestCtx, raw string) {
	fid, err := id.Parse(raw)
	if err != nil {
		s.writeErr(ctx, cmn.ErrInvalidArgument("transport: bad id: %v", err))
		return
	}
	if err := s.store.Remove(fid); err != nil {
		s.writeErr(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
}

func (s *Server) handleHead(ctx *fasthttp.RequestCtx, topic string) {
	var contextID id.ID
	if raw := ctx.QueryArgs().Peek("context_id"); len(raw) > 0 {
		parsed, err := id.Parse(string(raw))
		if err != nil {
			s.writeErr(ctx, cmn.ErrInvalidArgument("transport: bad context_id: %v", err))
			return
		}
		contextID = parsed
	}
	f, found, err := s.store.Head(topic, contextID)
	if err != nil {
		s.writeErr(ctx, err)
		return
	}
	if !found {
		s.writeErr(ctx, cmn.ErrNotFound("transport: no head for topic %q", topic))
		return
	}
	s.writeJSON(ctx, fasthttp.StatusOK, &f)
}

func (s *Server) handleCasPut(ctx *fasthttp.RequestCtx) {
	digest, err := s.store.CasPut(strings.NewReader(string(ctx.PostBody())))
	if err != nil {
		s.writeErr(ctx, err)
		return
	}
	s.writeJSON(ctx, fasthttp.StatusOK, map[string]string{"digest": digest})
}

func (s *Server) handleCasGet(ctx *fasthttp.RequestCtx, digest string) {
	rc, err := s.store.CasGet(digest)
	if err != nil {
		s.writeErr(ctx, err)
		return
	}
	defer rc.Close()
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBodyStream(rc, -1)
}

func (s *Server) handleImport(ctx *fasthttp.RequestCtx) {
	var f frame.Frame
	if err := wireJSON.Unmarshal(ctx.PostBody(), &f); err != nil {
		s.writeErr(ctx, cmn.ErrInvalidArgument("transport: bad import frame: %v", err))
		return
	}
	imported, err := s.store.Import(f)
	if err != nil {
		s.writeErr(ctx, err)
		return
	}
	s.writeJSON(ctx, fasthttp.StatusOK, &imported)
}

// handleRead implements spec.md §6.2's "stream of frames, terminated by
// close for non-follow; never closed for follow", framed as newline
// delimited JSON (one frame object per line).
func (s *Server) handleRead(ctx *fasthttp.RequestCtx) {
	var q struct {
		ContextID   string `json:"context_id,omitempty"`
		Topic       string `json:"topic,omitempty"`
		Limit       *int   `json:"limit,omitempty"`
		Follow      string `json:"follow,omitempty"` // "off" | "on" | "heartbeat"
		Heartbeat   string `json:"heartbeat,omitempty"`
		FromID      string `json:"from_id,omitempty"`
		FromLatest  bool   `json:"from_latest,omitempty"`
		DropLaggard *bool  `json:"drop_laggard,omitempty"`
	}
	if err := wireJSON.Unmarshal(ctx.PostBody(), &q); err != nil {
		s.writeErr(ctx, cmn.ErrInvalidArgument("transport: bad read options: %v", err))
		return
	}
	opts := fabric.ReadOptions{FromLatest: q.FromLatest, DropLaggard: q.DropLaggard}
	if q.ContextID != "" {
		cid, err := id.Parse(q.ContextID)
		if err != nil {
			s.writeErr(ctx, cmn.ErrInvalidArgument("transport: bad context_id: %v", err))
			return
		}
		opts.ContextID = &cid
	}
	if q.Topic != "" {
		opts.Topic = &q.Topic
	}
	if q.Limit != nil {
		opts.Limit = q.Limit
	}
	if q.FromID != "" {
		fid, err := id.Parse(q.FromID)
		if err != nil {
			s.writeErr(ctx, cmn.ErrInvalidArgument("transport: bad from_id: %v", err))
			return
		}
		opts.FromID = &fid
	}
	switch q.Follow {
	case "on":
		opts.Follow = fabric.FollowOn
	case "heartbeat":
		opts.Follow = fabric.FollowHeartbeat
		if d, err := time.ParseDuration(q.Heartbeat); err == nil {
			opts.Heartbeat = d
		}
	}

	sub, err := s.store.Read(opts)
	if err != nil {
		s.writeErr(ctx, err)
		return
	}
	if s.stats != nil {
		s.stats.SubscribersGauge.Inc()
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/x-ndjson")
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() {
			sub.Cancel()
			if s.stats != nil {
				s.stats.SubscribersGauge.Dec()
			}
		}()
		for f := range sub.Frames() {
			b, err := wireJSON.Marshal(&f)
			if err != nil {
				continue
			}
			if _, err := w.Write(b); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n")); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
	})
}
