package corun

import (
	"fmt"
	"strings"
)

// Kind categorizes a runtime error.
type Kind string

const (
	KindExhausted        Kind = "exhausted"         // stack limit reached
	KindAlreadySet       Kind = "already_set"       // second write to a promise
	KindAbandoned        Kind = "abandoned"         // promise dropped before completion
	KindNotOwner         Kind = "not_owner"         // unlock by a non-owner
	KindReentrant        Kind = "reentrant"         // lock by the current owner
	KindNotInCoroutine   Kind = "not_in_coroutine"  // suspension outside a coroutine
	KindAlreadyScheduled Kind = "already_scheduled" // coroutine queued or running
	KindInvalidSwitch    Kind = "invalid_switch"    // illegal coroutine pair
	KindQueueBusy        Kind = "queue_busy"        // second driver on a serial queue
	KindPoolClosed       Kind = "pool_closed"       // pool no longer accepts work
	KindUnfinished       Kind = "unfinished"        // coroutine destroyed before completion
	KindPanic            Kind = "panic"             // recovered panic in user code
)

// Error is the structured error type returned by the runtime.
type Error struct {
	Op     string
	Kind   Kind
	Detail string
	Cause  error
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteString("corun: ")
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// Sentinels for errors.Is. Matching is by Kind only.
var (
	ErrExhausted        = &Error{Kind: KindExhausted}
	ErrAlreadySet       = &Error{Kind: KindAlreadySet}
	ErrAbandoned        = &Error{Kind: KindAbandoned}
	ErrNotOwner         = &Error{Kind: KindNotOwner}
	ErrReentrant        = &Error{Kind: KindReentrant}
	ErrNotInCoroutine   = &Error{Kind: KindNotInCoroutine}
	ErrAlreadyScheduled = &Error{Kind: KindAlreadyScheduled}
	ErrInvalidSwitch    = &Error{Kind: KindInvalidSwitch}
	ErrQueueBusy        = &Error{Kind: KindQueueBusy}
	ErrPoolClosed       = &Error{Kind: KindPoolClosed}
	ErrUnfinished       = &Error{Kind: KindUnfinished}
	ErrPanic            = &Error{Kind: KindPanic}
)

func newError(op string, kind Kind, detail string, args ...any) *Error {
	if len(args) > 0 {
		detail = fmt.Sprintf(detail, args...)
	}
	return &Error{Op: op, Kind: kind, Detail: detail}
}

func notInCoroutine(op string) *Error {
	return &Error{Op: op, Kind: KindNotInCoroutine, Detail: "no running coroutine in context"}
}
