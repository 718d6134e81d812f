// Package idgen generates opaque unique identifiers for ServerRecords,
// PendingRequests, and AcquisitionJobs.
package idgen

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// ServerID returns a new opaque server identifier.
func ServerID() string {
	return "srv-" + uuid.New().String()
}

// JobID returns a new opaque acquisition job identifier.
func JobID() string {
	return "job-" + uuid.New().String()
}

var requestSeq atomic.Int64

// RequestID returns a monotonic id for a JSON-RPC request, unique within
// one client instance (the id space spec.md §3 requires for PendingRequest).
func RequestID() int64 {
	return requestSeq.Add(1)
}

// String renders a request id for logging.
func String(id int64) string {
	return fmt.Sprintf("%d", id)
}
