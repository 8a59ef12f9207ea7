// Package frame defines the unit of the log (spec.md §3.2) and the
// retention/TTL sum type (spec.md §3.4).
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package frame

import (
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/xshost/xs/cmn"
	"github.com/xshost/xs/id"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Kind tags a Retention value's variant, per spec.md §9 ("tagged variants
// ... handling should pattern-match, not stringly-type").
type Kind uint8

const (
	Forever Kind = iota
	Ephemeral
	Time
	Head
)

func (k Kind) String() string {
	switch k {
	case Forever:
		return "forever"
	case Ephemeral:
		return "ephemeral"
	case Time:
		return "time"
	case Head:
		return "head"
	default:
		return "unknown"
	}
}

// Retention is the (at most one) eviction policy a frame carries
// (spec.md §3.4).
type Retention struct {
	Kind     Kind          `json:"kind"`
	Duration time.Duration `json:"duration,omitempty"` // Kind == Time
	N        int           `json:"n,omitempty"`         // Kind == Head, n >= 1
}

func RetentionForever() Retention   { return Retention{Kind: Forever} }
func RetentionEphemeral() Retention { return Retention{Kind: Ephemeral} }
func RetentionTime(d time.Duration) Retention {
	return Retention{Kind: Time, Duration: d}
}
func RetentionHead(n int) Retention { return Retention{Kind: Head, N: n} }

func (r Retention) Validate() error {
	switch r.Kind {
	case Forever, Ephemeral:
		return nil
	case Time:
		return nil // Duration: 0 is valid (spec.md "Time(0): the next sweep removes the frame")
	case Head:
		if r.N < 1 {
			return cmn.ErrInvalidArgument("retention: Head(n) requires n >= 1, got %d", r.N)
		}
		return nil
	default:
		return cmn.ErrInvalidArgument("retention: unknown kind %d", r.Kind)
	}
}

// Frame is the immutable unit of the log (spec.md §3.2).
type Frame struct {
	ID        id.ID      `json:"id"`
	Topic     string     `json:"topic"`
	ContextID id.ID      `json:"context_id"`
	Hash      string     `json:"hash,omitempty"` // content digest, absent if no payload
	Meta      Meta       `json:"meta,omitempty"`
	TTL       *Retention `json:"ttl,omitempty"`
}

// Meta is arbitrary user JSON-shaped metadata (spec.md §3.2).
type Meta map[string]interface{}

func (f *Frame) HasContent() bool { return f.Hash != "" }

// ValidateTopic enforces spec.md §3.2's minimum bar: non-empty, no control
// bytes. The `[a-z0-9:_-]` character-class restriction is user-facing
// convention, not a core requirement, and is intentionally not enforced
// here.
func ValidateTopic(topic string) error {
	if topic == "" {
		return cmn.ErrInvalidArgument("topic must not be empty")
	}
	if strings.IndexFunc(topic, func(r rune) bool { return r < 0x20 }) >= 0 {
		return cmn.ErrInvalidArgument("topic %q contains control bytes", topic)
	}
	return nil
}

// MarshalMeta encodes an arbitrary structured value with the same codec
// Frame itself uses, for callers (xrun's command/generator output paths)
// that need to turn a scripted closure's structured return value into
// bytes before it becomes frame content.
func MarshalMeta(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (f *Frame) MarshalJSON() ([]byte, error) {
	type alias Frame
	return json.Marshal((*alias)(f))
}

func (f *Frame) UnmarshalJSON(b []byte) error {
	type alias Frame
	return json.Unmarshal(b, (*alias)(f))
}

// Synthetic topics emitted by the Subscription Fabric (spec.md §4.4) and
// the Context Registry (spec.md §3.3).
const (
	TopicThreshold = "xs.threshold"
	TopicPulse     = "xs.pulse"
	TopicLaggard   = "xs.laggard"
	TopicContext   = "xs.context"
)
