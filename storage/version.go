package storage

import (
	"fmt"
	"sync/atomic"
	"time"
)

var versionCounter atomic.Uint64

// NewVersionID returns a monotonically increasing, sortable version
// identifier: a zero-padded unix-nano timestamp plus a process-local
// counter. Lexicographic order equals creation order, and two writers in
// the same nanosecond still get distinct IDs.
func NewVersionID() string {
	return fmt.Sprintf("%020d-%06d", time.Now().UnixNano(), versionCounter.Add(1)%1_000_000)
}
