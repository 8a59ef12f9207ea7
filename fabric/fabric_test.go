// Package fabric is the Subscription Fabric.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package fabric

import (
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/xshost/xs/frame"
	"github.com/xshost/xs/id"
	"github.com/xshost/xs/logstore"
)

// fakeHistory is an in-memory stand-in for *logstore.Log, good enough to
// drive catch-up scans without touching disk.
type fakeHistory struct {
	frames []frame.Frame
}

func (h *fakeHistory) append(topic string, ctx id.ID) frame.Frame {
	f := frame.Frame{ID: id.New(), Topic: topic, ContextID: ctx}
	h.frames = append(h.frames, f)
	return f
}

func (h *fakeHistory) Scan(filter logstore.Filter, from *id.ID, yield func(frame.Frame) bool) error {
	for _, f := range h.frames {
		if from != nil && f.ID.Compare(*from) <= 0 {
			continue
		}
		if filter.Topic != nil && f.Topic != *filter.Topic {
			continue
		}
		if filter.ContextID != nil && f.ContextID != *filter.ContextID {
			continue
		}
		if !yield(f) {
			break
		}
	}
	return nil
}

func drain(sub *Subscription, n int, timeout time.Duration) []frame.Frame {
	out := make([]frame.Frame, 0, n)
	for i := 0; i < n; i++ {
		select {
		case f, ok := <-sub.Frames():
			if !ok {
				return out
			}
			out = append(out, f)
		case <-time.After(timeout):
			return out
		}
	}
	return out
}

var _ = Describe("Subscription Fabric", func() {
	var hist *fakeHistory

	BeforeEach(func() {
		hist = &fakeHistory{}
	})

	It("replays history in id order then closes for a non-follow read", func() {
		f1 := hist.append("orders.created", id.Zero)
		f2 := hist.append("orders.created", id.Zero)
		hist.append("orders.shipped", id.Zero) // different topic, should be filtered out

		fab := New(hist, 16, false)
		topic := "orders.created"
		sub, err := fab.Subscribe(ReadOptions{Topic: &topic, Follow: FollowOff})
		Expect(err).NotTo(HaveOccurred())

		got := drain(sub, 2, time.Second)
		Expect(got).To(HaveLen(2))
		Expect(got[0].ID).To(Equal(f1.ID))
		Expect(got[1].ID).To(Equal(f2.ID))

		Eventually(sub.Frames()).Should(BeClosed())
	})

	It("emits exactly one threshold frame between history and live delivery", func() {
		hist.append("t", id.Zero)

		fab := New(hist, 16, false)
		sub, err := fab.Subscribe(ReadOptions{Follow: FollowOn})
		Expect(err).NotTo(HaveOccurred())

		first := drain(sub, 2, time.Second)
		Expect(first).To(HaveLen(2))
		Expect(first[1].Topic).To(Equal(frame.TopicThreshold))

		live := frame.Frame{ID: id.New(), Topic: "t"}
		fab.Publish(live)

		got := drain(sub, 1, time.Second)
		Expect(got).To(HaveLen(1))
		Expect(got[0].ID).To(Equal(live.ID))

		sub.Cancel()
		Eventually(sub.Frames()).Should(BeClosed())
	})

	It("skips the threshold frame for from_latest subscriptions", func() {
		hist.append("t", id.Zero)

		fab := New(hist, 16, false)
		sub, err := fab.Subscribe(ReadOptions{Follow: FollowOn, FromLatest: true})
		Expect(err).NotTo(HaveOccurred())

		live := frame.Frame{ID: id.New(), Topic: "t"}
		fab.Publish(live)

		got := drain(sub, 1, time.Second)
		Expect(got).To(HaveLen(1))
		Expect(got[0].ID).To(Equal(live.ID))
		sub.Cancel()
	})

	It("filters by context id", func() {
		ctxA := id.New()
		ctxB := id.New()
		fab := New(hist, 16, false)
		sub, err := fab.Subscribe(ReadOptions{ContextID: &ctxA, Follow: FollowOn, FromLatest: true})
		Expect(err).NotTo(HaveOccurred())

		fab.Publish(frame.Frame{ID: id.New(), Topic: "x", ContextID: ctxB})
		fab.Publish(frame.Frame{ID: id.New(), Topic: "x", ContextID: ctxA})

		got := drain(sub, 1, time.Second)
		Expect(got).To(HaveLen(1))
		Expect(got[0].ContextID).To(Equal(ctxA))
		sub.Cancel()
	})

	It("stops delivering after Cancel", func() {
		fab := New(hist, 16, false)
		sub, err := fab.Subscribe(ReadOptions{Follow: FollowOn, FromLatest: true})
		Expect(err).NotTo(HaveOccurred())

		sub.Cancel()
		Eventually(sub.Frames()).Should(BeClosed())

		fab.Publish(frame.Frame{ID: id.New(), Topic: "x"})
		_, ok := <-sub.Frames()
		Expect(ok).To(BeFalse())
	})

	It("honors Limit during the history replay", func() {
		hist.append("t", id.Zero)
		fab := New(hist, 16, false)
		n := 1
		sub, err := fab.Subscribe(ReadOptions{Follow: FollowOff, Limit: &n})
		Expect(err).NotTo(HaveOccurred())

		got := drain(sub, 5, 200*time.Millisecond)
		Expect(got).To(HaveLen(1))
		Eventually(sub.Frames()).Should(BeClosed())
	})

	It("delivers a pulse frame to a heartbeat subscription when idle", func() {
		fab := New(hist, 16, false)
		sub, err := fab.Subscribe(ReadOptions{
			Follow:     FollowHeartbeat,
			Heartbeat:  30 * time.Millisecond,
			FromLatest: true,
		})
		Expect(err).NotTo(HaveOccurred())

		got := drain(sub, 1, time.Second)
		Expect(got).To(HaveLen(1))
		Expect(got[0].Topic).To(Equal(frame.TopicPulse))
		sub.Cancel()
	})

	It("evicts a drop-laggard subscriber once its queue overflows", func() {
		fab := New(hist, 1, true)
		sub, err := fab.Subscribe(ReadOptions{Follow: FollowOn, FromLatest: true, Topic: strPtr("t")})
		Expect(err).NotTo(HaveOccurred())

		// Overflow the 1-deep queue without draining it.
		for i := 0; i < 8; i++ {
			fab.Publish(frame.Frame{ID: id.New(), Topic: "t"})
		}

		var sawLaggard bool
		for i := 0; i < 8; i++ {
			f, ok := <-sub.Frames()
			if !ok {
				break
			}
			if f.Topic == frame.TopicLaggard {
				sawLaggard = true
			}
		}
		Expect(sawLaggard).To(BeTrue())
	})
})

func strPtr(s string) *string { return &s }
