package cache

import (
	"context"
	"fmt"
)

// SentMarker remembers which recipients a job already served, so a retried
// job does not notify them twice.
type SentMarker interface {
	WasSent(ctx context.Context, jobID, contactID uint64) (bool, error)
	MarkSent(ctx context.Context, jobID, contactID uint64, messageID string) error
}

func sentKey(jobID, contactID uint64) string {
	return fmt.Sprintf("reminder:%d:%d", jobID, contactID)
}

// Noop never remembers anything.
type Noop struct{}

func (Noop) WasSent(context.Context, uint64, uint64) (bool, error)  { return false, nil }
func (Noop) MarkSent(context.Context, uint64, uint64, string) error { return nil }
