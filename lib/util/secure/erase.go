// Package secure holds helpers for wiping key material from memory.
package secure

import "runtime"

// Word is any element type used to hold secret state.
type Word interface {
	~byte | ~uint32 | ~uint64
}

// Erase zeroes b in place. The trailing KeepAlive keeps the slice reachable
// past the stores so the compiler cannot treat them as dead.
//
//go:noinline
func Erase[T Word](b []T) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
