/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"math/rand"
	"time"

	"github.com/teris-io/shortid"
)

var sid *shortid.Shortid

func init() { InitShortID(uint64(time.Now().UnixNano())) }

// InitShortID seeds the short-id generator used for runtime component
// identities (handler_id, generator source_id, command invocation id) -
// entities that need a cheap unique label but, unlike frame ids, carry no
// ordering requirement.
func InitShortID(seed uint64) {
	sid = shortid.MustNew(4 /*worker*/, tieABC, seed)
}

// GenUUID generates a short, human-legible, non-ordered unique id.
func GenUUID() string {
	uuid := sid.MustGenerate()
	var h, t string
	if !isAlpha(uuid[0]) {
		h = string(rune('A' + rand.Intn(26)))
	}
	if c := uuid[len(uuid)-1]; c == '-' || c == '_' {
		t = string(rune('a' + rand.Intn(26)))
	}
	return h + uuid + t
}

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
