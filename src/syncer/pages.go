package syncer

import (
	"context"

	"github.com/qidao/govsync/src/shared/gov"
)

// Page is one window of the discovered set, newest first.
type Page struct {
	Index   int
	Numbers []uint64
	Records []*gov.Proposal
	HasMore bool
}

// PagesLoaded reports how many pages have been assembled so far.
func (s *Syncer) PagesLoaded() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pagesLoaded
}

// HasMore reports whether LoadMore would produce another page.
func (s *Syncer) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pagesLoaded*s.cfg.PageSize < len(s.discovered)
}

// LoadMore assembles the next page of the discovered set. Numbers the
// assembly could not produce a record for are absent from Records but
// still counted against the page window, so repeated calls always
// terminate. Loading past the end returns an empty page.
func (s *Syncer) LoadMore(ctx context.Context) (*Page, error) {
	s.mu.Lock()
	start := s.pagesLoaded * s.cfg.PageSize
	end := start + s.cfg.PageSize
	if end > len(s.discovered) {
		end = len(s.discovered)
	}
	var numbers []uint64
	if start < len(s.discovered) {
		numbers = append(numbers, s.discovered[start:end]...)
	}
	index := s.pagesLoaded
	s.mu.Unlock()

	if len(numbers) == 0 {
		return &Page{Index: index, HasMore: false}, nil
	}

	stats := s.Assemble(ctx, numbers)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.log.Debug().Int("page", index).Int("count", len(numbers)).
		Int("assembled", stats.Assembled).Int("cached", stats.Cached).Int("errors", stats.Errors).
		Msg("page loaded")

	s.mu.Lock()
	s.pagesLoaded = index + 1
	records := make([]*gov.Proposal, 0, len(numbers))
	for _, n := range numbers {
		if p, ok := s.records[n]; ok {
			records = append(records, p)
		}
	}
	more := s.pagesLoaded*s.cfg.PageSize < len(s.discovered)
	s.mu.Unlock()

	s.saveState(ctx)

	return &Page{
		Index:   index,
		Numbers: numbers,
		Records: records,
		HasMore: more,
	}, nil
}
