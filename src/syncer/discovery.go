package syncer

import (
	"context"
	"strconv"
	"time"

	"github.com/qidao/govsync/src/cache"
	"github.com/qidao/govsync/src/logging"
	"github.com/qidao/govsync/src/registry"
	"github.com/qidao/govsync/src/shared/gov"
	"github.com/qidao/govsync/src/webclient"
)

// Discover enumerates the record numbers that exist between the floor
// and the source's ceiling. Reads go out in small batches with an
// escalating pause between them; numbers that were never assigned are
// skipped silently. Fetched records enter the record cache right away
// so assembly never re-reads them.
func (s *Syncer) Discover(ctx context.Context) ([]uint64, error) {
	ceiling, err := s.ceilingWithRetry(ctx)
	if err != nil {
		return nil, err
	}
	if ceiling == 0 || ceiling < s.cfg.Floor {
		s.setDiscovered(nil)
		s.saveState(ctx)
		return nil, nil
	}

	var found []uint64
	batchIndex := 0
	for low := s.cfg.Floor; low <= ceiling; low += registry.MaxBatch {
		if batchIndex > 0 {
			if err := s.interBatchPause(ctx, batchIndex); err != nil {
				return nil, err
			}
		}
		batchIndex++

		numbers := make([]uint64, 0, registry.MaxBatch)
		for n := low; n <= ceiling && n < low+registry.MaxBatch; n++ {
			numbers = append(numbers, n)
		}

		batch, err := s.batchRecords(ctx, numbers)
		if err != nil {
			return nil, err
		}
		for _, n := range numbers {
			p, ok := batch[n]
			if !ok {
				continue
			}
			found = append(found, n)
			s.cacheRecord(ctx, s.keepRecord(p))
		}
	}

	s.setDiscovered(found)
	s.saveState(ctx)
	s.log.Info().Uint64("floor", s.cfg.Floor).Uint64("ceiling", ceiling).
		Int("found", len(found)).Msg("discovery scan finished")

	return s.DiscoveredNumbers(), nil
}

// pauseDuration computes the wait before the given batch: one
// escalation step longer per completed batch, capped.
func (s *Syncer) pauseDuration(batchIndex int) time.Duration {
	delay := time.Duration(batchIndex) * s.cfg.BatchDelay
	if delay > s.cfg.MaxBatchDelay {
		delay = s.cfg.MaxBatchDelay
	}
	return delay
}

// interBatchPause waits between batches so long scans back off
// upstream quotas.
func (s *Syncer) interBatchPause(ctx context.Context, batchIndex int) error {
	timer := time.NewTimer(s.pauseDuration(batchIndex))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Syncer) ceilingWithRetry(ctx context.Context) (uint64, error) {
	var ceiling uint64
	err := webclient.Retry(ctx, s.cfg.Attempts, s.cfg.RetryDelay, isTransient, func() error {
		var err error
		ceiling, err = s.source.DiscoveryCeiling(ctx)
		return err
	})
	return ceiling, err
}

// batchRecords reads one batch, serving cached records first and only
// hitting the source for the remainder.
func (s *Syncer) batchRecords(ctx context.Context, numbers []uint64) (map[uint64]*gov.Proposal, error) {
	out := make(map[uint64]*gov.Proposal, len(numbers))
	var missing []uint64
	for _, n := range numbers {
		var p gov.Proposal
		if s.cache.GetJSON(ctx, cache.KindRecord, strconv.FormatUint(n, 10), string(s.cfg.Source), &p) {
			out[n] = &p
			continue
		}
		missing = append(missing, n)
	}
	if len(missing) == 0 {
		return out, nil
	}

	var fetched map[uint64]*gov.Proposal
	err := webclient.Retry(ctx, s.cfg.Attempts, s.cfg.RetryDelay, isTransient, func() error {
		var err error
		fetched, err = s.source.GetQIPsBatch(ctx, missing)
		return err
	})
	if err != nil {
		return nil, err
	}
	for n, p := range fetched {
		out[n] = p
	}
	return out, nil
}

func isTransient(err error) bool {
	return logging.IsRetryable(err)
}
