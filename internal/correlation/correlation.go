// Package correlation tags each dispatched update with an identifier that
// handler logs can share with the consumer's own log lines.
package correlation

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// MaxIDLength caps accepted identifiers.
const MaxIDLength = 128

type contextKey struct{}

// With returns ctx carrying id. Invalid ids leave ctx unchanged.
func With(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID returns the identifier carried by ctx, or "".
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Has reports whether ctx carries an identifier.
func Has(ctx context.Context) bool {
	return ID(ctx) != ""
}

// Normalize trims id and rejects empty, overlong or non-printable values.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// ForUpdate derives the identifier for one provider update. The update id
// prefix keeps redeliveries of the same update grouped in logs.
func ForUpdate(updateID int) string {
	return fmt.Sprintf("u%d-%s", updateID, uuid.Must(uuid.NewV7()).String())
}
