// Package goid extracts the current goroutine's id. Go deliberately does
// not export this, so it is parsed out of the header line runtime.Stack
// always produces: "goroutine 123 [running]:".
//
// This is an identity key only. It is not a scheduling handle and carries
// no promise of stability — ids are reused after a goroutine exits, so a
// caller keying long-lived state off this value must treat a reused id as
// simply a new tenant.
package goid

import (
	"bytes"
	"runtime"
	"strconv"
)

// Current returns the id of the calling goroutine.
func Current() int64 {
	buf := stackBuf()
	n := runtime.Stack(buf, false)
	return parse(buf[:n])
}

// stackBuf returns a fresh scratch buffer sized to hold the "goroutine N
// [running]:" header, so runtime.Stack stops there instead of writing the
// full stack trace on every call.
func stackBuf() []byte {
	return make([]byte, 64)
}

func parse(b []byte) int64 {
	const prefix = "goroutine "
	b = bytes.TrimPrefix(b, []byte(prefix))
	end := bytes.IndexByte(b, ' ')
	if end < 0 {
		return -1
	}
	id, err := strconv.ParseInt(string(b[:end]), 10, 64)
	if err != nil {
		return -1
	}
	return id
}
