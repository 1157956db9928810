package store

import (
	"context"
	"time"

	"gitea.jw6.us/james/classync/internal/metrics"
)

// observeDB times a repository call for the classync_db_latency_seconds
// histogram.
// Operation names follow the `<table>.<verb>` convention the repositories
// use (courses.upsert, integrations.get_active).
func observeDB(ctx context.Context, operation string) func() {
	start := time.Now()
	return func() {
		metrics.ObserveDBLatency(ctx, operation, start)
	}
}
