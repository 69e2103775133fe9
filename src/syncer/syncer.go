package syncer

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/qidao/govsync/src/cache"
	"github.com/qidao/govsync/src/logging"
	"github.com/qidao/govsync/src/shared/gov"
)

// RecordSource is the capability the sync layer needs from a record
// provider. The on-chain client and the remote aggregator both satisfy
// it; the sync layer never learns which one it holds.
type RecordSource interface {
	GetQIP(ctx context.Context, number uint64) (*gov.Proposal, error)
	GetQIPsBatch(ctx context.Context, numbers []uint64) (map[uint64]*gov.Proposal, error)
	DiscoveryCeiling(ctx context.Context) (uint64, error)
}

// ContentStore is the slice of the storage contract assembly uses.
type ContentStore interface {
	Fetch(ctx context.Context, address string) (*gov.Document, error)
}

// Config parameterizes one Syncer.
type Config struct {
	// Floor is the lowest record number that exists on the registry.
	Floor uint64
	// Source tags cache keys with the data path that produced them.
	Source gov.Source
	// PageSize is the number of records per page, newest first.
	PageSize int
	// BatchDelay is the initial inter-batch pause during discovery;
	// each further batch waits one step longer.
	BatchDelay time.Duration
	// MaxBatchDelay caps the escalation.
	MaxBatchDelay time.Duration
	// Attempts bounds retries of transient failures per operation.
	Attempts int
	// RetryDelay seeds the backoff between attempts.
	RetryDelay time.Duration
}

func (c *Config) withDefaults() {
	if c.Source == "" {
		c.Source = gov.SourceRegistry
	}
	if c.PageSize <= 0 {
		c.PageSize = 10
	}
	if c.BatchDelay <= 0 {
		c.BatchDelay = 200 * time.Millisecond
	}
	if c.MaxBatchDelay <= 0 {
		c.MaxBatchDelay = 2 * time.Second
	}
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
}

// Stats counts one sync pass.
type Stats struct {
	Discovered int
	Assembled  int
	Cached     int
	Skipped    int
	Errors     int
}

// Syncer assembles proposal records from a record source and a content
// store, caching every stage. All exported methods are safe for
// concurrent use.
type Syncer struct {
	source RecordSource
	store  ContentStore
	cache  *cache.Store
	cfg    Config
	log    zerolog.Logger

	mu          sync.Mutex
	discovered  []uint64 // descending
	records     map[uint64]*gov.Proposal
	pagesLoaded int
}

func New(source RecordSource, store ContentStore, cacheStore *cache.Store, cfg Config, log zerolog.Logger) *Syncer {
	cfg.withDefaults()
	return &Syncer{
		source:  source,
		store:   store,
		cache:   cacheStore,
		cfg:     cfg,
		log:     logging.Component(log, "syncer"),
		records: make(map[uint64]*gov.Proposal),
	}
}

// Source reports which data path this syncer reads from.
func (s *Syncer) Source() gov.Source { return s.cfg.Source }

// PageSize reports the fixed page length.
func (s *Syncer) PageSize() int { return s.cfg.PageSize }

// Resume restores discovery state and loaded pages from the cache so a
// remounted consumer does not redo the scan. It reports whether there
// was anything to restore.
func (s *Syncer) Resume(ctx context.Context) bool {
	var saved savedState
	if !s.cache.GetJSON(ctx, cache.KindList, "discovered", string(s.cfg.Source), &saved) {
		return false
	}
	if len(saved.Numbers) == 0 {
		return false
	}

	s.mu.Lock()
	s.discovered = saved.Numbers
	s.pagesLoaded = saved.PagesLoaded
	s.mu.Unlock()

	// Records behind already-loaded pages come back from the record
	// cache without any network work.
	restored := 0
	for _, n := range s.numbersForLoadedPages() {
		var p gov.Proposal
		if s.cache.GetJSON(ctx, cache.KindRecord, strconv.FormatUint(n, 10), string(s.cfg.Source), &p) {
			s.keepRecord(&p)
			restored++
		}
	}
	s.log.Info().Int("numbers", len(saved.Numbers)).Int("pages", saved.PagesLoaded).
		Int("records", restored).Msg("state resumed from cache")
	return true
}

type savedState struct {
	Numbers     []uint64 `json:"numbers"`
	PagesLoaded int      `json:"pagesLoaded"`
}

func (s *Syncer) saveState(ctx context.Context) {
	s.mu.Lock()
	saved := savedState{
		Numbers:     append([]uint64(nil), s.discovered...),
		PagesLoaded: s.pagesLoaded,
	}
	s.mu.Unlock()
	s.cache.SetJSON(ctx, cache.KindList, "discovered", string(s.cfg.Source), saved)
}

func (s *Syncer) numbersForLoadedPages() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	end := s.pagesLoaded * s.cfg.PageSize
	if end > len(s.discovered) {
		end = len(s.discovered)
	}
	return append([]uint64(nil), s.discovered[:end]...)
}

// DiscoveredNumbers returns the known record numbers, newest first.
func (s *Syncer) DiscoveredNumbers() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.discovered...)
}

// Record returns the best-known state for one number.
func (s *Syncer) Record(number uint64) (*gov.Proposal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.records[number]
	return p, ok
}

// Records returns every synchronized record, newest first.
func (s *Syncer) Records() []*gov.Proposal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*gov.Proposal, 0, len(s.records))
	for _, p := range s.records {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number > out[j].Number })
	return out
}

func (s *Syncer) setDiscovered(numbers []uint64) {
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] > numbers[j] })
	s.mu.Lock()
	s.discovered = numbers
	s.mu.Unlock()
}

// keepRecord merges a fresh read into the known set. A fresh chain
// read carries no content; content already fetched for the same hash
// survives the merge, while a changed hash forces a refetch.
func (s *Syncer) keepRecord(p *gov.Proposal) *gov.Proposal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.records[p.Number]; ok && p.Content == "" {
		if prev.Content != "" && prev.ContentHash == p.ContentHash {
			p.Content = prev.Content
			p.IPFSStatus = prev.IPFSStatus
		}
	}
	s.records[p.Number] = p
	return p
}

func (s *Syncer) cacheRecord(ctx context.Context, p *gov.Proposal) {
	s.cache.SetJSON(ctx, cache.KindRecord, strconv.FormatUint(p.Number, 10), string(s.cfg.Source), p)
}
