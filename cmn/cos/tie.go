/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import "go.uber.org/atomic"

// Alphabet for tie-breaker suffixes, same role as the teacher's uuidABC
// (cmn/shortid.go): a short, URL-safe, non-ambiguous alphabet.
const tieABC = "-5nZJDft6LuzsjGNpPwY7rQa39vehq4i1cV2FROo8yHSlC0BUEdWbIxMmTgKXAk_"

var rtie atomic.Int32

// GenTie returns a process-unique 3-character tie-breaker, used wherever two
// events can land in the same instant and need a cheap, monotonically
// distinguishing suffix (workfile names in the teacher; here, component
// restart generation tags).
func GenTie() string {
	tie := rtie.Add(1)
	b0 := tieABC[tie&0x3f]
	b1 := tieABC[-tie&0x3f]
	b2 := tieABC[(tie>>2)&0x3f]
	return string([]byte{b0, b1, b2})
}
