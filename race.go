//go:build race

package corun

import (
	"runtime"
	"unsafe"
)

// The race detector does not see coroswitch as a synchronization
// point, so every switch publishes and acquires the stack explicitly.

func raceRelease(s *Stack) {
	runtime.RaceReleaseMerge(unsafe.Pointer(s))
}

func raceAcquire(s *Stack) {
	runtime.RaceAcquire(unsafe.Pointer(s))
}
