// Package blob is the content-addressable store (spec.md §3.5, §4.1): bytes
// in, a stable digest out; writes are idempotent and durable before Put
// returns. Directory layout is sharded two-hex-char-prefix-first, the same
// convention the teacher's fs.ContentSpecMgr uses to keep a single
// directory from growing unbounded (fs/content.go's contentTypeLen=2
// prefixing idea, generalized from content *type* to content *digest*).
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/karrick/godirwalk"
	"github.com/pierrec/lz4/v3"
	"github.com/pkg/errors"
	cuckoo "github.com/seiflotfy/cuckoofilter"
	"golang.org/x/sync/singleflight"

	"github.com/xshost/xs/cmn"
	"github.com/xshost/xs/cmn/cos"
)

const digestPrefix = "sha256-"

// Store is the on-disk CAS rooted at Dir. Safe for concurrent Put/Get/Has
// from multiple goroutines (spec.md §5 "Blob Store: multiple writers safe,
// multiple readers safe").
type Store struct {
	dir      string
	compress bool

	sf     singleflight.Group
	filter *cuckoo.Filter // negative-membership fast path, may false-positive, never false-negative
}

// Open roots a blob store at dir (created if absent) and warms the
// negative-membership filter by walking the existing shard tree, so a
// freshly restarted process doesn't pay a stat() for every early Has/Get
// miss while the filter is cold.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, cmn.ErrIo(err, "blob: create store dir %s", dir)
	}
	s := &Store{dir: dir, filter: cuckoo.NewFilter(1 << 20)}
	if err := s.warmFilter(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) warmFilter() error {
	return godirwalk.Walk(s.dir, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				return nil
			}
			digest := digestPrefix + filepath.Base(filepath.Dir(path)) + filepath.Base(path)
			s.filter.InsertUnique([]byte(digest))
			return nil
		},
	})
}

// shardPath maps a digest to its on-disk location: <dir>/<first 2 hex>/<rest>.
func (s *Store) shardPath(digest string) (string, error) {
	hexPart := strings.TrimPrefix(digest, digestPrefix)
	if len(hexPart) < 3 || hexPart == digest {
		return "", cmn.ErrInvalidArgument("blob: malformed digest %q", digest)
	}
	return filepath.Join(s.dir, hexPart[:2], hexPart[2:]), nil
}

// Put streams r to durable storage and returns its digest. Idempotent: a
// second Put of identical bytes returns the same digest without
// re-writing. Concurrent Puts of the same bytes collapse onto one actual
// file-system write via singleflight (spec.md §4.1's "accept parallel
// writes and collapse on close").
func (s *Store) Put(r io.Reader) (digest string, err error) {
	tmp, err := os.CreateTemp(s.dir, "put-*.tmp")
	if err != nil {
		return "", cmn.ErrIo(err, "blob: create temp file")
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath) // no-op if it was renamed away
	}()

	h := sha256.New()
	if _, err = io.Copy(tmp, io.TeeReader(r, h)); err != nil {
		cos.Close(tmp)
		return "", cmn.ErrIo(err, "blob: write temp file")
	}
	if err = cos.FlushClose(tmp); err != nil {
		return "", cmn.ErrIo(err, "blob: flush temp file")
	}
	digest = digestPrefix + hex.EncodeToString(h.Sum(nil))

	_, err, _ = s.sf.Do(digest, func() (interface{}, error) {
		path, perr := s.shardPath(digest)
		if perr != nil {
			return nil, perr
		}
		if _, statErr := os.Stat(path); statErr == nil {
			return nil, nil // another writer (or a previous call) already landed this digest
		}
		if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
			return nil, cmn.ErrIo(mkErr, "blob: mkdir for %s", digest)
		}
		if s.compress {
			if cErr := s.writeCompressed(path, tmpPath); cErr != nil {
				return nil, cErr
			}
			return nil, nil
		}
		if rnErr := os.Rename(tmpPath, path); rnErr != nil {
			return nil, cmn.ErrIo(rnErr, "blob: rename into place for %s", digest)
		}
		return nil, nil
	})
	if err != nil {
		return "", err
	}
	s.filter.InsertUnique([]byte(digest))
	return digest, nil
}

func (s *Store) writeCompressed(path, tmpPath string) error {
	src, err := os.Open(tmpPath)
	if err != nil {
		return cmn.ErrIo(err, "blob: reopen temp file")
	}
	defer cos.Close(src)
	dst, err := cos.CreateFile(path)
	if err != nil {
		return cmn.ErrIo(err, "blob: create %s", path)
	}
	lzw := lz4.NewWriter(dst)
	if _, err := io.Copy(lzw, src); err != nil {
		cos.Close(dst)
		return cmn.ErrIo(err, "blob: compress %s", path)
	}
	if err := lzw.Close(); err != nil {
		cos.Close(dst)
		return cmn.ErrIo(err, "blob: close lz4 writer for %s", path)
	}
	return cos.FlushClose(dst)
}

// Has reports whether digest is stored, consulting the cuckoo filter
// before touching the file system; a filter hit still confirms against
// disk since cuckoo filters may false-positive (never false-negative).
func (s *Store) Has(digest string) bool {
	if !s.filter.Lookup([]byte(digest)) {
		return false
	}
	path, err := s.shardPath(digest)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Get opens digest for streaming read.
func (s *Store) Get(digest string) (io.ReadCloser, error) {
	if !s.Has(digest) {
		return nil, cmn.ErrNotFound("blob: digest %s not found", digest)
	}
	path, err := s.shardPath(digest)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cmn.ErrNotFound("blob: digest %s not found", digest)
		}
		return nil, cmn.ErrIo(err, "blob: open %s", digest)
	}
	if !s.compress {
		return f, nil
	}
	return &decompressingReadCloser{f: f, r: lz4.NewReader(f)}, nil
}

type decompressingReadCloser struct {
	f *os.File
	r *lz4.Reader
}

func (d *decompressingReadCloser) Read(p []byte) (int, error) { return d.r.Read(p) }
func (d *decompressingReadCloser) Close() error                { return d.f.Close() }

// Remove deletes the blob for digest. Callers are responsible for
// reference-counting against the frame log (spec.md §3.2): remove is only
// safe once no live frame references digest.
func (s *Store) Remove(digest string) error {
	path, err := s.shardPath(digest)
	if err != nil {
		return err
	}
	if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
		return errors.Wrapf(rmErr, "blob: remove %s", digest)
	}
	return nil
}
