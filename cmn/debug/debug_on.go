//go:build debug

// Package debug provides assertions that are compiled in only when built
// with `-tags debug`.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package debug

import (
	"bytes"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/golang/glog"
)

func _panic(a ...interface{}) {
	msg := "DEBUG PANIC: "
	if len(a) > 0 {
		msg += fmt.Sprint(a...)
	}
	buffer := bytes.NewBuffer(make([]byte, 0, 1024))
	fmt.Fprint(buffer, msg)
	for i := 2; i < 9; i++ {
		_, file, line, ok := runtime.Caller(i)
		if !ok || !strings.Contains(file, "xs") {
			break
		}
		if buffer.Len() > len(msg) {
			buffer.WriteString(" <- ")
		}
		fmt.Fprintf(buffer, "%s:%d", filepath.Base(file), line)
	}
	glog.Errorf("%s", buffer.Bytes())
	glog.Flush()
	panic(msg)
}

func Assert(cond bool, a ...interface{}) {
	if !cond {
		_panic(a...)
	}
}

func Assertf(cond bool, f string, a ...interface{}) {
	if !cond {
		_panic(fmt.Sprintf(f, a...))
	}
}

func AssertNoErr(err error) {
	if err != nil {
		_panic(err)
	}
}

func Func(f func()) { f() }
