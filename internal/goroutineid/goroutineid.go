// Package goroutineid identifies the calling goroutine, for assertions that
// state is only touched from its owning goroutine.
package goroutineid

import (
	"runtime"
)

// Get returns the current goroutine's ID, parsed from its stack header.
func Get() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len(`goroutine `); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
