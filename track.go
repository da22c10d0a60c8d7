package corun

import (
	"fmt"
	"sort"
	"sync"
)

// tracker records live coroutines and stacks for leak debugging. A nil
// tracker is valid and records nothing.
type tracker struct {
	mu         sync.Mutex
	coroutines map[*Coroutine]struct{}
	stacks     map[*Stack]struct{}
}

func newTracker(enabled bool) *tracker {
	if !enabled {
		return nil
	}
	return &tracker{
		coroutines: make(map[*Coroutine]struct{}),
		stacks:     make(map[*Stack]struct{}),
	}
}

func (t *tracker) coroutineCreated(co *Coroutine) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.coroutines[co] = struct{}{}
	t.mu.Unlock()
}

func (t *tracker) coroutineFinished(co *Coroutine) {
	if t == nil {
		return
	}
	t.mu.Lock()
	delete(t.coroutines, co)
	t.mu.Unlock()
}

func (t *tracker) stackCreated(s *Stack) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.stacks[s] = struct{}{}
	t.mu.Unlock()
}

func (t *tracker) stackFreed(s *Stack) {
	if t == nil {
		return
	}
	t.mu.Lock()
	delete(t.stacks, s)
	t.mu.Unlock()
}

func (t *tracker) liveCoroutines() []*Coroutine {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	out := make([]*Coroutine, 0, len(t.coroutines))
	for co := range t.coroutines {
		out = append(out, co)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (t *tracker) liveStacks() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.stacks)
}

// CoroutineInfo describes a live coroutine.
type CoroutineInfo struct {
	ID     uintptr
	State  State
	Worker int // -1 when not yet bound
}

// String formats i for log lines.
func (i CoroutineInfo) String() string {
	return fmt.Sprintf("coroutine %#x %s worker=%d", i.ID, i.State, i.Worker)
}
