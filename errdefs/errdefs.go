// Package errdefs defines the error taxonomy shared by every cratebox package.
//
// Engine failures carry a Kind so callers can tell "this crate is broken" apart
// from "this infrastructure is broken" without string matching. Build outcomes
// such as a timeout or a non-zero exit code are not errors and never appear here.
package errdefs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind classifies an engine error.
type Kind string

const (
	// KindIO covers filesystem and process spawn failures.
	KindIO Kind = "io"
	// KindNetwork covers transient transport failures. Retried during fetch only.
	KindNetwork Kind = "network"
	// KindIntegrity covers checksum mismatches and path traversal. Never retried.
	KindIntegrity Kind = "integrity"
	// KindToolchainUnavailable means the installer does not know the requested toolchain.
	KindToolchainUnavailable Kind = "toolchain_unavailable"
	// KindNotFound means a local or remote entity does not exist.
	KindNotFound Kind = "not_found"
	// KindConfig means a sandbox configuration was rejected at construction.
	KindConfig Kind = "config"
	// KindSandboxUnsupported means the requested isolation cannot be provided on this host.
	KindSandboxUnsupported Kind = "sandbox_unsupported"
	// KindUnknown is reported for errors that did not originate in cratebox.
	KindUnknown Kind = "unknown"
)

// Error is a classified engine error.
type Error struct {
	Kind    Kind           // Error classification
	Op      string         // Operation that failed, e.g. "crates.fetch"
	Message string         // Human readable cause
	Details map[string]any // Additional context (checksums, limits, paths)
	Err     error          // Underlying error
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	switch {
	case e.Message != "":
		b.WriteString(e.Message)
	case e.Err != nil:
		b.WriteString(e.Err.Error())
	default:
		b.WriteString(string(e.Kind))
	}
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%v", k, e.Details[k])
		}
		b.WriteString(")")
	}
	if e.Message != "" && e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error (for errors.Is and errors.As)
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. It returns nil when err is nil.
func Wrap(err error, kind Kind, op string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrapf classifies err and attaches a formatted message.
func Wrapf(err error, kind Kind, op, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithDetail adds a key-value detail to the error
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err's chain contains an Error of the given kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return KindOf(err) == KindNetwork
}
