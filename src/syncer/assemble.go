package syncer

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/qidao/govsync/src/cache"
	"github.com/qidao/govsync/src/ipfs"
	"github.com/qidao/govsync/src/shared/gov"
	"github.com/qidao/govsync/src/webclient"
)

// contentSource tags content cache keys. Content is addressed by
// identifier and immutable, so the key is independent of which backend
// or record path produced it.
const contentSource = "ipfs"

// Assemble brings every given number to its fully merged state.
// Content fetches run concurrently; a failed item is counted and
// logged but never aborts the rest.
func (s *Syncer) Assemble(ctx context.Context, numbers []uint64) Stats {
	var (
		stats Stats
		mu    sync.Mutex
		wg    sync.WaitGroup
	)
	for _, n := range numbers {
		wg.Add(1)
		go func(n uint64) {
			defer wg.Done()
			_, hit, err := s.assembleOne(ctx, n)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				stats.Errors++
			case hit:
				stats.Cached++
			default:
				stats.Assembled++
			}
		}(n)
	}
	wg.Wait()

	if stats.Errors > 0 {
		s.log.Warn().Int("errors", stats.Errors).Int("assembled", stats.Assembled).
			Int("cached", stats.Cached).Msg("assembly finished with failures")
	}
	return stats
}

// GetRecord returns the fully assembled record for one number,
// fetching whatever stages are missing.
func (s *Syncer) GetRecord(ctx context.Context, number uint64) (*gov.Proposal, error) {
	p, _, err := s.assembleOne(ctx, number)
	return p, err
}

// assembleOne walks the stages for one number: registry record, then
// content, then merge. Every stage checks its cache before any network
// call and populates it afterwards. hit reports that no network work
// was needed.
func (s *Syncer) assembleOne(ctx context.Context, number uint64) (p *gov.Proposal, hit bool, err error) {
	p, recordHit, err := s.recordStage(ctx, number)
	if err != nil {
		s.log.Debug().Err(err).Uint64("number", number).Msg("record stage failed")
		return nil, false, err
	}

	if p.Content != "" {
		return p, recordHit, nil
	}
	if p.ContentAddress == "" {
		// Nothing to fetch; the record is as complete as it gets.
		return p, recordHit, nil
	}

	text, contentHit, err := s.contentStage(ctx, p.ContentAddress)
	if err != nil {
		s.log.Warn().Err(err).Uint64("number", number).Str("address", p.ContentAddress).
			Msg("content stage failed")
		return nil, false, err
	}

	// The on-chain hash is the integrity anchor for the fetched
	// bytes. A mismatch is surfaced, never silently accepted.
	if p.ContentHash != "" {
		if err := ipfs.VerifyContentHash(text, p.ContentHash); err != nil {
			s.log.Error().Err(err).Uint64("number", number).Msg("content integrity check failed")
			return nil, false, err
		}
	}

	doc, err := gov.ParseDocument(text)
	if err != nil {
		// Plain bodies without a header still merge; the header
		// fields simply stay as the chain reported them.
		doc = &gov.Document{Body: text}
	}

	merged := *p
	gov.ApplyHeader(doc, &merged)
	merged.Number = number
	merged.Source = s.cfg.Source
	merged.LastSyncedAt = time.Now().UTC()

	final := s.keepRecord(&merged)
	s.cacheRecord(ctx, final)
	return final, recordHit && contentHit, nil
}

// recordStage returns the chain-level record, from memory, cache or
// the source, in that order.
func (s *Syncer) recordStage(ctx context.Context, number uint64) (*gov.Proposal, bool, error) {
	if p, ok := s.Record(number); ok {
		return p, true, nil
	}

	var cached gov.Proposal
	if s.cache.GetJSON(ctx, cache.KindRecord, strconv.FormatUint(number, 10), string(s.cfg.Source), &cached) {
		return s.keepRecord(&cached), true, nil
	}

	var fetched *gov.Proposal
	err := webclient.Retry(ctx, s.cfg.Attempts, s.cfg.RetryDelay, isTransient, func() error {
		var err error
		fetched, err = s.source.GetQIP(ctx, number)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	p := s.keepRecord(fetched)
	s.cacheRecord(ctx, p)
	return p, false, nil
}

// contentStage returns the canonical document text for an address.
// Cache keys use the canonical ipfs:// spelling so every spelling of
// the same identifier shares one entry.
func (s *Syncer) contentStage(ctx context.Context, address string) (string, bool, error) {
	key := address
	if c, err := ipfs.ParseAddress(address); err == nil {
		key = ipfs.FormatAddress(c)
	}
	if raw, ok := s.cache.Get(ctx, cache.KindContent, key, contentSource); ok {
		return string(raw), true, nil
	}

	var doc *gov.Document
	err := webclient.Retry(ctx, s.cfg.Attempts, s.cfg.RetryDelay, isTransient, func() error {
		var err error
		doc, err = s.store.Fetch(ctx, address)
		return err
	})
	if err != nil {
		return "", false, err
	}

	text := gov.FormatDocument(doc)
	s.cache.Set(ctx, cache.KindContent, key, contentSource, []byte(text))
	return text, false, nil
}
