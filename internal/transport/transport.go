// Package transport defines the messaging provider contract used by the
// probe and the consumer, and the error classes they branch on.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Class is the coarse category of a transport failure.
type Class int

const (
	// ClassNone marks a nil error.
	ClassNone Class = iota
	// ClassConflict is the provider's exclusivity error: another connection
	// is already consuming updates for the same credential.
	ClassConflict
	// ClassNetwork covers timeouts, resets, throttling and provider 5xx.
	ClassNetwork
	// ClassFatal is everything else, including parse failures.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassConflict:
		return "conflict"
	case ClassNetwork:
		return "network"
	case ClassFatal:
		return "fatal"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Error is a classified transport failure.
type Error struct {
	Class Class
	Op    string
	// RetryAfter is the provider's requested wait, when it sent one.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport %s: %s", e.Op, e.Class)
	}
	return fmt.Sprintf("transport %s: %s: %v", e.Op, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Sentinel errors matching each class through errors.Is.
var (
	ErrConflict = errors.New("transport: exclusivity conflict")
	ErrNetwork  = errors.New("transport: network failure")
	ErrFatal    = errors.New("transport: fatal failure")
)

// Is reports whether target is the sentinel for the error's class.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrConflict:
		return e.Class == ClassConflict
	case ErrNetwork:
		return e.Class == ClassNetwork
	case ErrFatal:
		return e.Class == ClassFatal
	}
	return false
}

// NewError wraps err with class and op.
func NewError(class Class, op string, err error) *Error {
	return &Error{Class: class, Op: op, Err: err}
}

// Classify returns the class of err. Unclassified timeouts and net errors
// count as network failures; anything else unclassified is fatal.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassNetwork
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ClassNetwork
	}
	return ClassFatal
}

// Identity describes the bot account behind the credential.
type Identity struct {
	ID       int64
	Username string
	Name     string
}

// Update is one inbound event from the provider.
type Update struct {
	ID       int
	ChatID   int64
	UserID   int64
	Username string
	Text     string
	Date     time.Time
}

// Transport is the messaging provider.
type Transport interface {
	// Identity returns the account behind the credential.
	Identity(ctx context.Context) (Identity, error)
	// Probe checks the connection can be opened without subscribing to
	// updates. It returns a ClassConflict error when another consumer is
	// known to hold the update stream.
	Probe(ctx context.Context) error
	// Poll long-polls for updates with id >= offset, waiting up to timeout.
	Poll(ctx context.Context, offset int, timeout time.Duration) ([]Update, error)
	// Send delivers text to chatID.
	Send(ctx context.Context, chatID int64, text string) error
}
