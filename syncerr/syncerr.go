// Package syncerr implements the error sum type described in spec §7/§9: a
// single tagged variant carrying a Kind plus an optional reason, mapped to
// an HTTP status code at the router's response boundary.
//
// This mirrors the teacher's own error shape (sentinel errors wrapped with
// fmt.Errorf/%w, checked with errors.Is) generalized into one type instead
// of one sentinel per call site, since the router needs a uniform status
// mapping that per-sentinel errors can't give it.
package syncerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a class of failure, independent of any particular HTTP
// framework.
type Kind string

const (
	BadRequest      Kind = "bad_request"
	BadJSON         Kind = "bad_json"
	BadParam        Kind = "bad_param"
	BadID           Kind = "bad_id"
	BadAttachment   Kind = "bad_attachment"
	NotFound        Kind = "not_found"
	Deleted         Kind = "deleted"
	Conflict        Kind = "conflict"
	Duplicate       Kind = "duplicate"
	UnsupportedType Kind = "unsupported_type"
	Unauthorized    Kind = "unauthorized"
	Forbidden       Kind = "forbidden"
	ServerError     Kind = "server_error"
	Cancelled       Kind = "cancelled"
	Network         Kind = "network"
)

// statusByKind is the deterministic Kind -> HTTP status mapping from spec §6/§7.
var statusByKind = map[Kind]int{
	BadRequest:      http.StatusBadRequest,
	BadJSON:         http.StatusBadRequest,
	BadParam:        http.StatusBadRequest,
	BadID:           http.StatusBadRequest,
	BadAttachment:   http.StatusBadRequest,
	NotFound:        http.StatusNotFound,
	Deleted:         http.StatusNotFound,
	Conflict:        http.StatusConflict,
	Duplicate:       http.StatusPreconditionFailed,
	UnsupportedType: http.StatusUnsupportedMediaType,
	Unauthorized:    http.StatusUnauthorized,
	Forbidden:       http.StatusForbidden,
	ServerError:     http.StatusInternalServerError,
	Cancelled:       http.StatusInternalServerError,
	Network:         http.StatusBadGateway,
}

// Error is the tagged error variant. It satisfies the error interface and
// wraps an optional underlying cause.
type Error struct {
	Kind   Kind
	Reason string
	Cause  error
}

func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Reason: cause.Error(), Cause: cause}
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Cause }

// Status returns the HTTP status code for e's Kind, defaulting to 500 for
// an unrecognized Kind.
func (e *Error) Status() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Is reports whether err is a *Error of the given Kind, unwrapping as
// errors.Is does.
func Is(err error, kind Kind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

// StatusOf returns the HTTP status for any error: Status() for a *Error,
// 500 for anything else, 0 for nil.
func StatusOf(err error) int {
	if err == nil {
		return 0
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Status()
	}
	return http.StatusInternalServerError
}

// Envelope is the JSON error body shape: {"error": "...", "reason": "..."}.
type Envelope struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// EnvelopeFor builds the JSON envelope for err.
func EnvelopeFor(err error) Envelope {
	var se *Error
	if errors.As(err, &se) {
		return Envelope{Error: string(se.Kind), Reason: se.Reason}
	}
	return Envelope{Error: string(ServerError), Reason: err.Error()}
}

// IsCancelled reports whether err represents a cancelled in-flight request,
// which the Replicator (spec §4.5 "Error filtering") must swallow silently.
func IsCancelled(err error) bool {
	return Is(err, Cancelled) || errors.Is(err, ErrCancelled)
}

// ErrCancelled is the sentinel used by RemoteRequest cancellation,
// analogous to the platform-specific "URL cancelled" error spec §4.5 refers
// to. Kept as a plain sentinel (teacher style) alongside the Kind-based
// lookup so callers can use either errors.Is(err, syncerr.ErrCancelled) or
// syncerr.Is(err, syncerr.Cancelled).
var ErrCancelled = errors.New("request cancelled")
