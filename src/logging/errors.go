package logging

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies a failure so callers can decide between retrying,
// falling back to another source, or giving up on the item.
type Kind string

const (
	KindConfig       Kind = "config"
	KindNetwork      Kind = "network"
	KindRateLimit    Kind = "rate_limit"
	KindNotFound     Kind = "not_found"
	KindIntegrity    Kind = "integrity"
	KindMalformed    Kind = "malformed"
	KindUnauthorized Kind = "unauthorized"
	KindUserRejected Kind = "user_rejected"
	KindChain        Kind = "chain"
	KindInternal     Kind = "internal"
)

// SyncError tags an underlying error with a Kind and the source that
// produced it ("registry", "ipfs", "aggregator", "snapshot", "db").
type SyncError struct {
	Kind   Kind
	Source string
	Msg    string
	Err    error
}

func (e *SyncError) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %s: %v", e.Source, e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s: %s", e.Source, e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Source, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Source, e.Kind)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Retryable reports whether retrying the same source can succeed.
// Not-found, integrity and malformed failures are terminal for the
// source that produced them; the caller moves on or falls back.
func (e *SyncError) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindRateLimit, KindChain:
		return true
	}
	return false
}

// Fail builds a SyncError around err.
func Fail(kind Kind, source, msg string, err error) *SyncError {
	return &SyncError{Kind: kind, Source: source, Msg: msg, Err: err}
}

// NotFound marks an item as absent at a source. Absence is an answer,
// not a transport failure, and is never retried against the same source.
func NotFound(source, what string) *SyncError {
	return &SyncError{Kind: KindNotFound, Source: source, Msg: what}
}

// Integrity marks content whose recomputed digest does not match the
// expected one.
func Integrity(source, msg string) *SyncError {
	return &SyncError{Kind: KindIntegrity, Source: source, Msg: msg}
}

// Malformed marks content that fetched fine but could not be decoded.
func Malformed(source, msg string, err error) *SyncError {
	return &SyncError{Kind: KindMalformed, Source: source, Msg: msg, Err: err}
}

// ClassifyStatus maps an HTTP response status to a failure Kind.
func ClassifyStatus(status int) Kind {
	switch {
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindUnauthorized
	case status >= 500:
		return KindNetwork
	}
	return KindInternal
}

// KindOf extracts the Kind from err, or KindInternal for untagged errors.
func KindOf(err error) Kind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}

// IsNotFound reports whether err means the item does not exist at the
// queried source.
func IsNotFound(err error) bool {
	var se *SyncError
	return errors.As(err, &se) && se.Kind == KindNotFound
}

// IsRetryable reports whether the operation that produced err is worth
// retrying. Untagged errors fall back to message sniffing so transport
// failures surfaced by third-party clients still retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *SyncError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	msg := strings.ToLower(err.Error())
	for _, pat := range []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"too many requests",
		"rate limit",
	} {
		if strings.Contains(msg, pat) {
			return true
		}
	}
	return false
}

func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	var se *SyncError
	if errors.As(err, &se) && se.Kind == KindRateLimit {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "rate_limit") || strings.Contains(msg, "429")
}

// IsUserRejected reports whether err is a wallet signature rejection.
// Providers signal this with EIP-1193 code 4001 or a "user rejected"
// style message; it is an expected outcome, not an operational failure.
func IsUserRejected(err error) bool {
	if err == nil {
		return false
	}
	var se *SyncError
	if errors.As(err, &se) && se.Kind == KindUserRejected {
		return true
	}
	var coded interface{ ErrorCode() int }
	if errors.As(err, &coded) && coded.ErrorCode() == 4001 {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "user rejected") || strings.Contains(msg, "user denied")
}
