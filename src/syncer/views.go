package syncer

import (
	"sort"

	"github.com/qidao/govsync/src/shared/gov"
)

// StatusCount pairs a lifecycle state with how many known records
// carry it.
type StatusCount struct {
	Status gov.Status
	Count  int
}

// CountsByStatus tallies the known records per lifecycle state. Every
// state appears, zero-count included, so consumers can render a stable
// set of groups. Purely local; never touches the network.
func (s *Syncer) CountsByStatus() []StatusCount {
	s.mu.Lock()
	tally := make(map[gov.Status]int, len(s.records))
	for _, p := range s.records {
		tally[p.Status]++
	}
	s.mu.Unlock()

	out := make([]StatusCount, 0, len(gov.AllStatuses()))
	for _, st := range gov.AllStatuses() {
		out = append(out, StatusCount{Status: st, Count: tally[st]})
	}
	return out
}

// FilterByStatus returns the known records in one lifecycle state,
// newest first. Purely local; never touches the network.
func (s *Syncer) FilterByStatus(status gov.Status) []*gov.Proposal {
	s.mu.Lock()
	out := make([]*gov.Proposal, 0)
	for _, p := range s.records {
		if p.Status == status {
			out = append(out, p)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Number > out[j].Number })
	return out
}
