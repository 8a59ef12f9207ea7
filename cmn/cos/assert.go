/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import "fmt"

// Assert panics unconditionally (unlike cmn/debug's tag-gated assertions)
// and is reserved for invariants whose violation means on-disk state may
// already be inconsistent: a corrupt frame log transaction, an index that
// disagrees with the primary store.
func Assert(cond bool, a ...interface{}) {
	if !cond {
		panic(fmt.Sprint(append([]interface{}{"assertion failed: "}, a...)...))
	}
}

func AssertNoErr(err error) {
	if err != nil {
		panic(err)
	}
}

func AssertMsg(cond bool, msg string) {
	if !cond {
		panic("assertion failed: " + msg)
	}
}
