// Package fabric is the Subscription Fabric (spec.md §4.4): single-process
// broadcast of every newly appended (or ephemeral) frame to every live
// subscriber whose filter matches, with catch-up-then-live ("threshold")
// semantics, heartbeat pulses, and configurable backpressure.
//
// Each subscriber is driven by one pump goroutine that is the sole writer
// to the subscriber's output channel: it replays history first (reading
// straight from the log, per spec.md's ordering guarantee #5), then drains
// a separate live buffer that the fabric has been filling concurrently
// since registration. Registering before the historical scan begins is
// what keeps a subscriber from losing frames appended mid-catch-up; the
// live buffer absorbs them and the pump's own last-seen-id bookkeeping
// discards the ones that overlap with what catch-up already delivered.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package fabric

import (
	"sync"
	"time"

	"github.com/OneOfOne/xxhash"

	"github.com/xshost/xs/cmn"
	"github.com/xshost/xs/frame"
	"github.com/xshost/xs/id"
	"github.com/xshost/xs/logstore"
)

// History is the read side of the Frame Log, as needed for catch-up scans.
// Satisfied by *logstore.Log.
type History interface {
	Scan(filter logstore.Filter, from *id.ID, yield func(frame.Frame) bool) error
}

type Position int

const (
	PosFromBeginning Position = iota
	PosFromID
	PosFromLatest
)

type Follow int

const (
	FollowOff Follow = iota
	FollowOn
	FollowHeartbeat
)

// ReadOptions mirrors spec.md §4.4's table of enumerated subscription
// options. FromID takes precedence over FromLatest, which takes precedence
// over the from-beginning default, matching the spec's stated tie-break
// when a caller sets more than one positional field.
type ReadOptions struct {
	ContextID  *id.ID
	Topic      *string
	Limit      *int
	Follow     Follow
	Heartbeat  time.Duration // meaningful only when Follow == FollowHeartbeat
	FromID     *id.ID
	FromLatest bool

	// DropLaggard overrides the fabric's configured default backpressure
	// policy for this one subscription.
	DropLaggard *bool
}

func (o ReadOptions) position() (Position, *id.ID) {
	if o.FromID != nil {
		return PosFromID, o.FromID
	}
	if o.FromLatest {
		return PosFromLatest, nil
	}
	return PosFromBeginning, nil
}

func (o ReadOptions) matches(f frame.Frame) bool {
	if o.ContextID != nil && f.ContextID != *o.ContextID {
		return false
	}
	if o.Topic != nil && f.Topic != *o.Topic {
		return false
	}
	return true
}

func (o ReadOptions) logFilter() logstore.Filter {
	return logstore.Filter{Topic: o.Topic, ContextID: o.ContextID}
}

// Subscription is the consumer-facing handle returned by Fabric.Subscribe.
type Subscription struct {
	out        chan frame.Frame
	cancel     func()
	cancelOnce sync.Once
}

// Frames is the ordered stream of delivered frames (real and synthetic).
// It is closed once the subscription ends, whether by cancellation, by
// reaching Limit, by a non-follow history scan completing, or by being
// evicted as a laggard.
func (s *Subscription) Frames() <-chan frame.Frame { return s.out }

// Cancel drops the subscription. The fabric releases its resources
// promptly and guarantees no further delivery attempts (spec.md §4.4
// "Cancellation").
func (s *Subscription) Cancel() {
	s.cancelOnce.Do(s.cancel)
}

type subscriber struct {
	id          uint64
	topicHash   uint64 // meaningful only when hasTopic is true
	hasTopic    bool
	opts        ReadOptions
	liveBuf     chan frame.Frame
	dropLaggard bool
	done        chan struct{}
	doneOnce    sync.Once
}

func (sub *subscriber) evict() {
	sub.doneOnce.Do(func() { close(sub.done) })
}

// Fabric is the broadcast hub. One Fabric is shared by the whole process;
// the Store Facade owns it and calls Publish after every append (and for
// every ephemeral frame, which never touches the log at all).
//
// Subscribers are bucketed by the xxhash of their topic filter so Publish
// only has to walk the one bucket (plus the small "every topic" set)
// instead of every live subscription, regardless of how many distinct
// topics are being watched.
type Fabric struct {
	mu               sync.Mutex
	byTopic          map[uint64]map[uint64]*subscriber
	allTopics        map[uint64]*subscriber
	nextID           uint64
	hist             History
	queueDepth       int
	dropLaggardByDef bool
}

func New(hist History, queueDepth int, dropLaggardByDefault bool) *Fabric {
	return &Fabric{
		byTopic:          make(map[uint64]map[uint64]*subscriber),
		allTopics:        make(map[uint64]*subscriber),
		hist:             hist,
		queueDepth:       queueDepth,
		dropLaggardByDef: dropLaggardByDefault,
	}
}

func topicKey(topic string) uint64 {
	h := xxhash.New64()
	_, _ = h.WriteString(topic)
	return h.Sum64()
}

// Publish delivers f to every currently registered subscriber whose filter
// matches. Called outside the Store Facade's append mutex.
func (fab *Fabric) Publish(f frame.Frame) {
	hash := topicKey(f.Topic)

	fab.mu.Lock()
	targets := make([]*subscriber, 0, len(fab.allTopics)+1)
	for _, sub := range fab.allTopics {
		targets = append(targets, sub)
	}
	if bucket, ok := fab.byTopic[hash]; ok {
		for _, sub := range bucket {
			targets = append(targets, sub)
		}
	}
	fab.mu.Unlock()

	for _, sub := range targets {
		if sub.opts.matches(f) {
			fab.deliver(sub, f)
		}
	}
}

func (fab *Fabric) deliver(sub *subscriber, f frame.Frame) {
	if sub.dropLaggard {
		select {
		case sub.liveBuf <- f:
		case <-sub.done:
		default:
			// Queue full: this subscriber is a laggard. Best-effort notify,
			// then evict - spec.md §4.4 "at the cost of the at-most-once
			// guarantee".
			select {
			case sub.liveBuf <- frame.Frame{ID: id.New(), Topic: frame.TopicLaggard, ContextID: f.ContextID}:
			default:
			}
			fab.unregister(sub)
			sub.evict()
		}
		return
	}
	select {
	case sub.liveBuf <- f:
	case <-sub.done:
	}
}

func (fab *Fabric) register(sub *subscriber) uint64 {
	fab.mu.Lock()
	defer fab.mu.Unlock()
	fab.nextID++
	sub.id = fab.nextID
	if sub.hasTopic {
		bucket, ok := fab.byTopic[sub.topicHash]
		if !ok {
			bucket = make(map[uint64]*subscriber)
			fab.byTopic[sub.topicHash] = bucket
		}
		bucket[sub.id] = sub
	} else {
		fab.allTopics[sub.id] = sub
	}
	return sub.id
}

func (fab *Fabric) unregisterLocked(sub *subscriber) {
	if sub.hasTopic {
		if bucket, ok := fab.byTopic[sub.topicHash]; ok {
			delete(bucket, sub.id)
			if len(bucket) == 0 {
				delete(fab.byTopic, sub.topicHash)
			}
		}
	} else {
		delete(fab.allTopics, sub.id)
	}
}

func (fab *Fabric) unregister(sub *subscriber) {
	fab.mu.Lock()
	fab.unregisterLocked(sub)
	fab.mu.Unlock()
}

// Subscribe opens a subscription per opts (spec.md §4.4).
func (fab *Fabric) Subscribe(opts ReadOptions) (*Subscription, error) {
	if opts.Limit != nil && *opts.Limit < 0 {
		return nil, cmn.ErrInvalidArgument("fabric: limit must be >= 0")
	}
	dropLaggard := fab.dropLaggardByDef
	if opts.DropLaggard != nil {
		dropLaggard = *opts.DropLaggard
	}

	sub := &subscriber{
		opts:        opts,
		liveBuf:     make(chan frame.Frame, fab.queueDepth),
		dropLaggard: dropLaggard,
		done:        make(chan struct{}),
	}
	if opts.Topic != nil {
		sub.hasTopic = true
		sub.topicHash = topicKey(*opts.Topic)
	}
	fab.register(sub)

	out := make(chan frame.Frame, fab.queueDepth)
	s := &Subscription{out: out}
	s.cancel = func() {
		fab.unregister(sub)
		sub.evict()
	}

	go fab.pump(sub, s)
	return s, nil
}

func (fab *Fabric) pump(sub *subscriber, s *Subscription) {
	defer close(s.out)
	defer fab.unregister(sub)

	pos, from := sub.opts.position()
	remaining := -1 // unbounded
	if sub.opts.Limit != nil {
		remaining = *sub.opts.Limit
		if remaining == 0 {
			return
		}
	}
	var lastSeen *id.ID

	emit := func(f frame.Frame) bool {
		select {
		case s.out <- f:
		case <-sub.done:
			return false
		}
		lastSeen = &f.ID
		if remaining > 0 {
			remaining--
			if remaining == 0 {
				return false
			}
		}
		return true
	}

	if pos != PosFromLatest {
		stopped := false
		err := fab.hist.Scan(sub.opts.logFilter(), from, func(f frame.Frame) bool {
			if !emit(f) {
				stopped = true
				return false
			}
			return true
		})
		if err != nil || stopped {
			return
		}
		if remaining == 0 {
			return
		}
	}

	if sub.opts.Follow == FollowOff {
		return
	}

	if pos != PosFromLatest {
		// Synthetic frames do not move lastSeen: a live frame minted before
		// the threshold but not seen by the scan must still be delivered.
		seen := lastSeen
		threshold := frame.Frame{ID: id.New(), Topic: frame.TopicThreshold}
		if !emit(threshold) {
			return
		}
		lastSeen = seen
	}

	var heartbeatC <-chan time.Time
	var ticker *time.Ticker
	if sub.opts.Follow == FollowHeartbeat && sub.opts.Heartbeat > 0 {
		ticker = time.NewTicker(sub.opts.Heartbeat)
		defer ticker.Stop()
		heartbeatC = ticker.C
	}

	for {
		select {
		case f, ok := <-sub.liveBuf:
			if !ok {
				return
			}
			if lastSeen != nil && f.ID.Compare(*lastSeen) <= 0 {
				continue // already delivered during catch-up
			}
			if !emit(f) {
				return
			}
		case <-heartbeatC:
			seen := lastSeen
			pulse := frame.Frame{ID: id.New(), Topic: frame.TopicPulse}
			if !emit(pulse) {
				return
			}
			lastSeen = seen
		case <-sub.done:
			return
		}
	}
}
