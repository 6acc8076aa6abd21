package encryption

import "runtime"

// Wipe zeroes b. Best effort.
//
//go:noinline
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(&b)
}
