// Package logstore is the Frame Log (spec.md §4.2): a keyed store mapping
// id -> Frame, with by-topic and by-context secondary indices, atomic
// append (including Head-TTL eviction) and atomic remove.
//
// The teacher's closest analog to "an embedded keyed store with secondary
// indices" is tidwall/buntdb, which is exactly what backs this package: a
// single buntdb database holds the primary keyspace and four derived
// keyspaces (by-topic, by-context, a combined by-topic-and-context
// bucket used for `head`, and a by-topic-and-context keyspace holding only
// Head(n)-tagged frames for Head-TTL bookkeeping). Ordering comes
// from buntdb's built-in key-ordered ("") index plus composite keys that
// embed the frame id as a sortable hex suffix - rather than buntdb's
// value-oriented CreateIndex, since the ordering requirement here is over
// keys, not values.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package logstore

import (
	"strings"

	"github.com/tidwall/buntdb"

	"github.com/xshost/xs/cmn"
	"github.com/xshost/xs/frame"
	"github.com/xshost/xs/id"
)

const (
	primaryPrefix = "f\x00"
	topicPrefix   = "t\x00"
	ctxPrefix     = "c\x00"
	bucketPrefix  = "g\x00" // topic+context, all frames: backs head()
	headTTLPrefix = "h\x00" // topic+context, Head(n)-tagged frames only
)

type Log struct {
	db *buntdb.DB
}

// Open creates or opens the frame log at path. Every transaction commit is
// synced before returning (spec.md §4.2 "Durability").
func Open(path string) (*Log, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, cmn.ErrIo(err, "logstore: open %s", path)
	}
	if err := db.SetConfig(buntdb.Config{SyncPolicy: buntdb.Always}); err != nil {
		return nil, cmn.ErrIo(err, "logstore: configure %s", path)
	}
	return &Log{db: db}, nil
}

func (l *Log) Close() error { return l.db.Close() }

func primaryKey(i id.ID) string { return primaryPrefix + i.String() }

func topicKey(topic string, i id.ID) string { return topicPrefix + topic + "\x00" + i.String() }

func ctxKey(ctxID id.ID, i id.ID) string { return ctxPrefix + ctxID.String() + "\x00" + i.String() }

func bucketKey(topic string, ctxID id.ID, i id.ID) string {
	return bucketPrefix + topic + "\x00" + ctxID.String() + "\x00" + i.String()
}

func headTTLKey(topic string, ctxID id.ID, i id.ID) string {
	return headTTLPrefix + topic + "\x00" + ctxID.String() + "\x00" + i.String()
}

func encodeFrame(f *frame.Frame) (string, error) {
	b, err := f.MarshalJSON()
	if err != nil {
		return "", cmn.ErrIo(err, "logstore: encode frame %s", f.ID)
	}
	return string(b), nil
}

func decodeFrame(s string) (frame.Frame, error) {
	var f frame.Frame
	if err := f.UnmarshalJSON([]byte(s)); err != nil {
		return f, cmn.ErrIo(err, "logstore: decode frame")
	}
	return f, nil
}

// Append writes f (which must already carry its assigned id) and, if f's
// TTL is Head(n), evicts older Head-tagged frames in the same
// (topic, context_id) bucket beyond the n most recent - all within one
// buntdb transaction (spec.md §4.2 "Atomicity").
func (l *Log) Append(f *frame.Frame) (evicted []frame.Frame, err error) {
	err = l.db.Update(func(tx *buntdb.Tx) error {
		if f.TTL != nil && f.TTL.Kind == frame.Head {
			var toEvict []id.ID
			prefix := headTTLPrefix + f.Topic + "\x00" + f.ContextID.String() + "\x00"
			if walkErr := ascendPrefix(tx, prefix, func(_ string, val string) bool {
				evID, perr := id.Parse(val)
				if perr != nil {
					return true
				}
				toEvict = append(toEvict, evID)
				return true
			}); walkErr != nil {
				return walkErr
			}
			overflow := len(toEvict) + 1 - f.TTL.N
			for i := 0; i < overflow; i++ {
				ef, derr := l.deleteLocked(tx, toEvict[i])
				if derr != nil {
					return derr
				}
				evicted = append(evicted, ef)
			}
		}

		encoded, eerr := encodeFrame(f)
		if eerr != nil {
			return eerr
		}
		if _, _, serr := tx.Set(primaryKey(f.ID), encoded, nil); serr != nil {
			return cmn.ErrIo(serr, "logstore: set primary %s", f.ID)
		}
		if _, _, serr := tx.Set(topicKey(f.Topic, f.ID), f.ID.String(), nil); serr != nil {
			return cmn.ErrIo(serr, "logstore: set topic index %s", f.ID)
		}
		if _, _, serr := tx.Set(ctxKey(f.ContextID, f.ID), f.ID.String(), nil); serr != nil {
			return cmn.ErrIo(serr, "logstore: set context index %s", f.ID)
		}
		if _, _, serr := tx.Set(bucketKey(f.Topic, f.ContextID, f.ID), f.ID.String(), nil); serr != nil {
			return cmn.ErrIo(serr, "logstore: set bucket index %s", f.ID)
		}
		if f.TTL != nil && f.TTL.Kind == frame.Head {
			if _, _, serr := tx.Set(headTTLKey(f.Topic, f.ContextID, f.ID), f.ID.String(), nil); serr != nil {
				return cmn.ErrIo(serr, "logstore: set head-ttl index %s", f.ID)
			}
		}
		return nil
	})
	return evicted, err
}

// Get returns the frame named by i, or a NotFound error.
func (l *Log) Get(i id.ID) (frame.Frame, error) {
	var f frame.Frame
	err := l.db.View(func(tx *buntdb.Tx) error {
		val, gerr := tx.Get(primaryKey(i))
		if gerr != nil {
			if gerr == buntdb.ErrNotFound {
				return cmn.ErrNotFound("logstore: frame %s not found", i)
			}
			return cmn.ErrIo(gerr, "logstore: get %s", i)
		}
		decoded, derr := decodeFrame(val)
		if derr != nil {
			return derr
		}
		f = decoded
		return nil
	})
	return f, err
}

// Remove deletes i from the primary store and every secondary index it
// appears in, atomically.
func (l *Log) Remove(i id.ID) error {
	return l.db.Update(func(tx *buntdb.Tx) error {
		_, err := l.deleteLocked(tx, i)
		return err
	})
}

// deleteLocked performs the delete within an already-open transaction.
func (l *Log) deleteLocked(tx *buntdb.Tx, i id.ID) (frame.Frame, error) {
	val, err := tx.Get(primaryKey(i))
	if err != nil {
		if err == buntdb.ErrNotFound {
			return frame.Frame{}, cmn.ErrNotFound("logstore: frame %s not found", i)
		}
		return frame.Frame{}, cmn.ErrIo(err, "logstore: get %s for delete", i)
	}
	f, derr := decodeFrame(val)
	if derr != nil {
		return frame.Frame{}, derr
	}
	if _, err = tx.Delete(primaryKey(i)); err != nil {
		return f, cmn.ErrIo(err, "logstore: delete primary %s", i)
	}
	if _, err = tx.Delete(topicKey(f.Topic, i)); err != nil && err != buntdb.ErrNotFound {
		return f, cmn.ErrIo(err, "logstore: delete topic index %s", i)
	}
	if _, err = tx.Delete(ctxKey(f.ContextID, i)); err != nil && err != buntdb.ErrNotFound {
		return f, cmn.ErrIo(err, "logstore: delete context index %s", i)
	}
	if _, err = tx.Delete(bucketKey(f.Topic, f.ContextID, i)); err != nil && err != buntdb.ErrNotFound {
		return f, cmn.ErrIo(err, "logstore: delete bucket index %s", i)
	}
	if f.TTL != nil && f.TTL.Kind == frame.Head {
		if _, err = tx.Delete(headTTLKey(f.Topic, f.ContextID, i)); err != nil && err != buntdb.ErrNotFound {
			return f, cmn.ErrIo(err, "logstore: delete head-ttl index %s", i)
		}
	}
	return f, nil
}

// Head returns the frame with the largest id matching both topic and
// context_id, or frame.Frame{}, false if none match.
func (l *Log) Head(topic string, ctxID id.ID) (frame.Frame, bool, error) {
	var (
		found frame.Frame
		ok    bool
	)
	prefix := bucketPrefix + topic + "\x00" + ctxID.String() + "\x00"
	err := l.db.View(func(tx *buntdb.Tx) error {
		return descendPrefix(tx, prefix, func(_ string, val string) bool {
			headID, perr := id.Parse(val)
			if perr != nil {
				return true
			}
			raw, gerr := tx.Get(primaryKey(headID))
			if gerr != nil {
				return true
			}
			f, derr := decodeFrame(raw)
			if derr != nil {
				return true
			}
			found, ok = f, true
			return false
		})
	})
	return found, ok, err
}

// Filter narrows a Scan: Topic and ContextID are both optional; a nil
// ContextID means "all contexts."
type Filter struct {
	Topic     *string
	ContextID *id.ID
}

// Scan iterates frames matching filter in ascending id order, starting
// strictly after `from` (or from the beginning if from is nil), calling
// yield for each. Scanning stops early if yield returns false.
func (l *Log) Scan(filter Filter, from *id.ID, yield func(frame.Frame) bool) error {
	return l.db.View(func(tx *buntdb.Tx) error {
		switch {
		case filter.Topic != nil && filter.ContextID != nil:
			prefix := bucketPrefix + *filter.Topic + "\x00" + filter.ContextID.String() + "\x00"
			return l.scanIndirect(tx, prefix, from, yield)
		case filter.Topic != nil:
			prefix := topicPrefix + *filter.Topic + "\x00"
			return l.scanIndirect(tx, prefix, from, yield)
		case filter.ContextID != nil:
			prefix := ctxPrefix + filter.ContextID.String() + "\x00"
			return l.scanIndirect(tx, prefix, from, yield)
		default:
			return l.scanPrimary(tx, from, yield)
		}
	})
}

// scanIndirect walks a secondary-index prefix whose values are frame ids,
// dereferencing each into the primary store.
func (l *Log) scanIndirect(tx *buntdb.Tx, prefix string, from *id.ID, yield func(frame.Frame) bool) error {
	pivot := prefix
	if from != nil {
		pivot = prefix + from.String()
	}
	cont := true
	err := ascendFrom(tx, prefix, pivot, func(key, val string) bool {
		if from != nil && key <= pivot {
			return true // skip the pivot itself; Scan is strictly-after
		}
		fID, perr := id.Parse(val)
		if perr != nil {
			return true
		}
		raw, gerr := tx.Get(primaryKey(fID))
		if gerr != nil {
			return true // tolerate a racing delete between index read and dereference
		}
		f, derr := decodeFrame(raw)
		if derr != nil {
			return true
		}
		cont = yield(f)
		return cont
	})
	return err
}

func (l *Log) scanPrimary(tx *buntdb.Tx, from *id.ID, yield func(frame.Frame) bool) error {
	pivot := primaryPrefix
	if from != nil {
		pivot = primaryKey(*from)
	}
	cont := true
	return ascendFrom(tx, primaryPrefix, pivot, func(key, val string) bool {
		if from != nil && key <= pivot {
			return true
		}
		f, derr := decodeFrame(val)
		if derr != nil {
			return true
		}
		cont = yield(f)
		return cont
	})
}

// ascendFrom walks keys in [pivot, ...) that share prefix, in ascending
// order, using buntdb's built-in key-ordered index (the empty-string
// index name).
func ascendFrom(tx *buntdb.Tx, prefix, pivot string, iterator func(key, value string) bool) error {
	return tx.AscendGreaterOrEqual("", pivot, func(key, value string) bool {
		if !strings.HasPrefix(key, prefix) {
			return false
		}
		return iterator(key, value)
	})
}

func ascendPrefix(tx *buntdb.Tx, prefix string, iterator func(key, value string) bool) error {
	return ascendFrom(tx, prefix, prefix, iterator)
}

// descendPrefix walks keys sharing prefix in descending order, used for
// head(): the largest id matching the bucket sorts last lexicographically
// since ids are fixed-width hex.
func descendPrefix(tx *buntdb.Tx, prefix string, iterator func(key, value string) bool) error {
	upper := prefix + "\xff"
	return tx.DescendLessOrEqual("", upper, func(key, value string) bool {
		if !strings.HasPrefix(key, prefix) {
			return false
		}
		return iterator(key, value)
	})
}
