package cmd

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/ipsbatch/pkg/orchestrator"
	"github.com/3leaps/ipsbatch/pkg/runregistry"
)

// startRunHeartbeat refreshes the run record's heartbeat and progress every
// interval until the returned stop func is called or ctx ends. The record
// must not be written elsewhere until stop returns.
func startRunHeartbeat(ctx context.Context, store *runregistry.Store, record *runregistry.RunRecord, snapshot func() orchestrator.Snapshot, interval time.Duration, logger *zap.Logger) func() {
	if store == nil || record == nil || snapshot == nil {
		return func() {}
	}

	t := time.NewTicker(interval)
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-t.C:
				if err := store.Heartbeat(record, progressOf(snapshot())); err != nil {
					logger.Debug("Heartbeat write failed", zap.Error(err))
				}
			}
		}
	}()

	return func() {
		t.Stop()
		close(done)
		<-stopped
	}
}
