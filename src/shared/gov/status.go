package gov

import "strings"

// Status mirrors the registry contract's status enum. The on-chain value
// is authoritative; IPFSStatus on a proposal is informational only.
type Status uint8

const (
	StatusDraft Status = iota
	StatusReviewPending
	StatusVotePending
	StatusApproved
	StatusRejected
	StatusImplemented
	StatusSuperseded
	StatusWithdrawn
)

// StatusUnknown is the defined fallback for raw values outside the
// contract enum. It is never written back to the chain.
const StatusUnknown Status = 255

var statusNames = map[Status]string{
	StatusDraft:         "Draft",
	StatusReviewPending: "Review Pending",
	StatusVotePending:   "Vote Pending",
	StatusApproved:      "Approved",
	StatusRejected:      "Rejected",
	StatusImplemented:   "Implemented",
	StatusSuperseded:    "Superseded",
	StatusWithdrawn:     "Withdrawn",
}

// String maps a status to its display string. The mapping is total:
// out-of-range values return "Unknown", never panic.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "Unknown"
}

// Terminal reports whether the status ends a proposal's lifecycle.
// Records are never deleted; these states are how removal is modeled.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusImplemented, StatusSuperseded, StatusWithdrawn:
		return true
	}
	return false
}

// StatusFromChain converts a raw uint8 read from the contract.
func StatusFromChain(v uint8) Status {
	s := Status(v)
	if _, ok := statusNames[s]; ok {
		return s
	}
	return StatusUnknown
}

// ParseStatus reads a display or header spelling ("Vote Pending",
// "vote-pending", "VotePending") back into a Status.
func ParseStatus(raw string) Status {
	key := strings.ToLower(raw)
	for _, r := range []string{" ", "-", "_"} {
		key = strings.ReplaceAll(key, r, "")
	}
	for s, name := range statusNames {
		canon := strings.ToLower(strings.ReplaceAll(name, " ", ""))
		if key == canon {
			return s
		}
	}
	return StatusUnknown
}

// AllStatuses lists the contract enum in value order, for building
// counts-by-status views with zero entries included.
func AllStatuses() []Status {
	return []Status{
		StatusDraft,
		StatusReviewPending,
		StatusVotePending,
		StatusApproved,
		StatusRejected,
		StatusImplemented,
		StatusSuperseded,
		StatusWithdrawn,
	}
}
