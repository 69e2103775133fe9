package syncer

import (
	"context"
	"strconv"

	"github.com/qidao/govsync/src/cache"
	"github.com/qidao/govsync/src/logging"
	"github.com/qidao/govsync/src/shared/gov"
)

// UpdateState tracks an optimistic update through its lifecycle.
type UpdateState int

const (
	UpdatePending UpdateState = iota
	UpdateConfirmed
	UpdateRolledBack
)

func (s UpdateState) String() string {
	switch s {
	case UpdatePending:
		return "pending"
	case UpdateConfirmed:
		return "confirmed"
	case UpdateRolledBack:
		return "rolled_back"
	}
	return "unknown"
}

// PendingUpdate is a locally applied change awaiting its on-chain
// outcome. Exactly one of Confirm or Rollback resolves it; a second
// resolution is rejected.
type PendingUpdate struct {
	s      *Syncer
	number uint64
	prior  *gov.Proposal // nil when the record did not exist
	state  UpdateState
}

// BeginUpdate applies mutate to a copy of the current record and makes
// the result visible immediately, before the underlying write settles.
// The prior state is snapshotted so a failed write can be undone
// exactly. For a record that does not exist yet, mutate receives a
// zero proposal carrying only the number.
func (s *Syncer) BeginUpdate(number uint64, mutate func(p *gov.Proposal)) *PendingUpdate {
	s.mu.Lock()
	prior := s.records[number].Clone()

	draft := prior.Clone()
	if draft == nil {
		draft = &gov.Proposal{Number: number, Source: s.cfg.Source}
	}
	mutate(draft)
	draft.Number = number
	s.records[number] = draft
	s.mu.Unlock()

	s.log.Debug().Uint64("number", number).Msg("optimistic update applied")
	return &PendingUpdate{s: s, number: number, prior: prior, state: UpdatePending}
}

// State reports where the update is in its lifecycle.
func (u *PendingUpdate) State() UpdateState {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	return u.state
}

// Number identifies the record the update targets.
func (u *PendingUpdate) Number() uint64 { return u.number }

// Confirm makes the update permanent. final, when non-nil, is the
// authoritative post-write record (typically a fresh chain read) and
// replaces the optimistic draft. The record cache is overwritten and
// the list entry invalidated so the next discovery pass re-derives it.
func (u *PendingUpdate) Confirm(ctx context.Context, final *gov.Proposal) error {
	u.s.mu.Lock()
	if u.state != UpdatePending {
		state := u.state
		u.s.mu.Unlock()
		return logging.Fail(logging.KindInternal, "syncer",
			"update for record "+strconv.FormatUint(u.number, 10)+" already "+state.String(), nil)
	}
	u.state = UpdateConfirmed
	if final != nil {
		final.Number = u.number
		u.s.records[u.number] = final
	}
	current := u.s.records[u.number]
	u.s.mu.Unlock()

	u.s.cacheRecord(ctx, current)
	u.s.cache.Invalidate(ctx, cache.KindList, "discovered", string(u.s.cfg.Source))
	u.s.log.Debug().Uint64("number", u.number).Msg("optimistic update confirmed")
	return nil
}

// Rollback restores the exact pre-update state, both in memory and in
// the record cache. A record that did not exist before the update is
// removed again.
func (u *PendingUpdate) Rollback(ctx context.Context) error {
	u.s.mu.Lock()
	if u.state != UpdatePending {
		state := u.state
		u.s.mu.Unlock()
		return logging.Fail(logging.KindInternal, "syncer",
			"update for record "+strconv.FormatUint(u.number, 10)+" already "+state.String(), nil)
	}
	u.state = UpdateRolledBack
	if u.prior == nil {
		delete(u.s.records, u.number)
	} else {
		u.s.records[u.number] = u.prior
	}
	prior := u.prior
	u.s.mu.Unlock()

	if prior == nil {
		u.s.cache.Invalidate(ctx, cache.KindRecord, strconv.FormatUint(u.number, 10), string(u.s.cfg.Source))
	} else {
		u.s.cacheRecord(ctx, prior)
	}
	u.s.log.Debug().Uint64("number", u.number).Msg("optimistic update rolled back")
	return nil
}
