// Package ids generates identifiers for instances and task lease attempts.
package ids

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/xid"
)

// NewOwnerID returns an instance identifier unique for the process lifetime.
// The host name and pid prefix keep lease listings readable.
func NewOwnerID() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		host = "unknown"
	}
	host = strings.ReplaceAll(strings.TrimSpace(host), "/", "_")
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.Must(uuid.NewV7()).String())
}

// NewLockID returns a sortable identifier for one task lease attempt.
func NewLockID() string {
	return xid.New().String()
}
