package util

import "runtime"

// Wipe zeroes every buffer passed to it. Nil buffers are ignored.
func Wipe(bufs ...[]byte) {
	for _, b := range bufs {
		for i := range b {
			b[i] = 0
		}
		runtime.KeepAlive(b)
	}
}
