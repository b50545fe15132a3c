package correlation

import (
	"context"
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	if got, ok := Normalize("  abc-123  "); !ok || got != "abc-123" {
		t.Fatalf("expected trimmed id, got %q ok=%v", got, ok)
	}
	if _, ok := Normalize(""); ok {
		t.Fatal("empty id should be invalid")
	}
	if _, ok := Normalize(strings.Repeat("a", MaxIDLength+1)); ok {
		t.Fatal("overlong id should be invalid")
	}
	if _, ok := Normalize("bad\x01suffix"); ok {
		t.Fatal("non-printable should be invalid")
	}
}

func TestWithAndID(t *testing.T) {
	ctx := context.Background()
	if Has(ctx) {
		t.Fatal("expected empty context to have no id")
	}
	if ctx2 := With(ctx, " "); Has(ctx2) {
		t.Fatal("expected invalid id to be ignored")
	}
	ctx = With(ctx, "u42-abc")
	if got := ID(ctx); got != "u42-abc" {
		t.Fatalf("expected u42-abc, got %q", got)
	}
}

func TestForUpdate(t *testing.T) {
	a, b := ForUpdate(7), ForUpdate(7)
	if !strings.HasPrefix(a, "u7-") {
		t.Fatalf("expected update prefix, got %q", a)
	}
	if a == b {
		t.Fatal("expected unique ids per dispatch")
	}
	if _, ok := Normalize(a); !ok {
		t.Fatalf("generated id %q does not normalize", a)
	}
}
