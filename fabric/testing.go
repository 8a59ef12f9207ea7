/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package fabric

import "github.com/xshost/xs/frame"

// NewTestSubscription wraps an already-populated (and typically
// already-closed) frame channel as a Subscription, for other packages'
// tests (xrun, xreg) that need a canned frame stream without standing up
// a real Fabric.
func NewTestSubscription(out chan frame.Frame) *Subscription {
	return &Subscription{out: out, cancel: func() {}}
}
