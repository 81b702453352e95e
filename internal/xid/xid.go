// Package xid generates prefixed, time-ordered identifiers for
// products, batches, sales and other domain records.
package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// New returns an id like "batch-1724659200000000000-9f2a...". The
// nanosecond timestamp keeps ids roughly sortable by creation time,
// which the batch ledger relies on for tie-breaking.
func New(prefix string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), hex.EncodeToString(buf))
}
