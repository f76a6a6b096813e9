package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-multierror"

	"github.com/treefix50/playsync/internal/metrics"
	"github.com/treefix50/playsync/internal/session"
	"github.com/treefix50/playsync/internal/storage"
)

const DefaultInterval = time.Second

// finalFlushTimeout bounds the flush Run performs after its context ends.
const finalFlushTimeout = 10 * time.Second

// Repository persists a cohort of snapshots atomically.
type Repository interface {
	UpsertSessionsBatch(ctx context.Context, sessions []storage.SessionSnapshot) error
}

// Scheduler periodically writes dirty sessions back to the repository.
// There is one per process.
type Scheduler struct {
	store    session.Store
	repo     Repository
	interval time.Duration
	log      logr.Logger
}

func NewScheduler(store session.Store, repo Repository, interval time.Duration, log logr.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		store:    store,
		repo:     repo,
		interval: interval,
		log:      log.WithName("persistence"),
	}
}

// Run flushes on every tick until ctx is done, then flushes one last time.
// A failed tick is retried by the next one; there is no backoff.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("scheduler started", "interval", s.interval.String())
	for {
		select {
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalFlushTimeout)
			n, err := s.Flush(finalCtx)
			cancel()
			if err != nil {
				s.log.Error(err, "final flush failed")
			}
			s.log.Info("scheduler stopped", "flushed", n)
			return
		case <-ticker.C:
			if _, err := s.Flush(ctx); err != nil {
				s.log.Error(err, "flush failed, records stay dirty")
			}
		}
	}
}

type pending struct {
	snapshot storage.SessionSnapshot
	record   session.Record
}

// Flush performs one cycle and returns how many records were written.
//
// A record that fails to serialize is left out of the batch and stays dirty.
// If the batch write fails nothing changes in the store. After a successful
// write a record is marked clean only if it was not mutated meanwhile.
//
// The store's flush lock is held for the whole cycle, so a detaching
// connection waits for an in-flight batch before writing its own snapshot.
func (s *Scheduler) Flush(ctx context.Context) (int, error) {
	lock := s.store.FlushLock()
	lock.Lock()
	defer lock.Unlock()

	entries, err := s.store.List(ctx)
	if err != nil {
		return 0, err
	}
	metrics.LiveSessions.Set(float64(len(entries)))

	var (
		batch   []pending
		serrors *multierror.Error
	)
	for _, e := range entries {
		if !e.Record.Dirty {
			continue
		}
		data, err := session.Marshal(e.Record)
		if err != nil {
			serrors = multierror.Append(serrors, err)
			continue
		}
		batch = append(batch, pending{
			snapshot: storage.SessionSnapshot{UserID: e.Key.UserID, VideoID: e.Key.VideoID, StateJSON: data},
			record:   e.Record,
		})
	}
	if err := serrors.ErrorOrNil(); err != nil {
		s.log.Error(err, "skipping records that failed to serialize", "count", len(serrors.Errors))
	}
	if len(batch) == 0 {
		return 0, nil
	}

	snapshots := make([]storage.SessionSnapshot, len(batch))
	for i, p := range batch {
		snapshots[i] = p.snapshot
	}

	metrics.FlushBatchSize.Observe(float64(len(batch)))
	if err := s.repo.UpsertSessionsBatch(ctx, snapshots); err != nil {
		metrics.Flushes.WithLabelValues(metrics.Result(err)).Inc()
		return 0, err
	}
	metrics.Flushes.WithLabelValues(metrics.Result(nil)).Inc()
	metrics.FlushedRecords.Add(float64(len(batch)))

	var cerrors error
	stillDirty := 0
	for _, p := range batch {
		cleared, err := session.MarkClean(ctx, s.store, p.record)
		if err != nil {
			cerrors = multierror.Append(cerrors, err)
			continue
		}
		if !cleared {
			stillDirty++
		}
	}

	s.log.V(1).Info("flushed sessions", "count", len(batch), "still_dirty", stillDirty)
	if cerrors != nil {
		return len(batch), fmt.Errorf("persistence: mark clean: %w", cerrors)
	}
	return len(batch), nil
}
