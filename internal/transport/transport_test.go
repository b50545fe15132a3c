package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ClassNone},
		{"conflict", NewError(ClassConflict, "poll", errors.New("409")), ClassConflict},
		{"wrapped conflict", fmt.Errorf("consumer: %w", NewError(ClassConflict, "poll", nil)), ClassConflict},
		{"deadline", context.DeadlineExceeded, ClassNetwork},
		{"net", &net.OpError{Op: "dial", Err: errors.New("refused")}, ClassNetwork},
		{"other", errors.New("bad json"), ClassFatal},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestErrorIsSentinel(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewError(ClassNetwork, "send", errors.New("reset")))
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork match")
	}
	if errors.Is(err, ErrConflict) {
		t.Fatalf("unexpected ErrConflict match")
	}
	var te *Error
	if !errors.As(err, &te) || te.Op != "send" {
		t.Fatalf("expected *Error with op send, got %#v", te)
	}
}
