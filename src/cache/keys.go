package cache

import "fmt"

// Kind is an entity kind with its own freshness window.
type Kind string

const (
	// KindContent is content-addressed data. Immutable once written,
	// so it carries the longest TTL.
	KindContent Kind = "content"
	// KindRecord is mutable on-chain record state.
	KindRecord Kind = "record"
	// KindList covers discovered-number sets and page lists.
	KindList Kind = "list"
	// KindSnapshot is external vote state.
	KindSnapshot Kind = "snapshot"
)

// Key derives the canonical cache key for an entity. Every read and
// write site goes through this function; two call sites building keys
// by hand is how the same entity ends up cached twice under different
// names.
func Key(kind Kind, id, source string) string {
	return fmt.Sprintf("govsync:%s:%s:%s", kind, source, id)
}

func kindPrefix(kind Kind) string {
	return fmt.Sprintf("govsync:%s:", kind)
}
