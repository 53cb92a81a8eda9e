// Package qqerr defines the closed set of drop and failure codes used across
// the gateway. Every dropped send, failed materialization, or skipped dispatch
// carries exactly one of these codes so that trace files and tests can assert
// on the reason without string matching.
package qqerr

import (
	"errors"
	"fmt"
)

// Code identifies why an operation was dropped or failed.
type Code string

const (
	CodeDispatchAborted          Code = "dispatch_aborted"
	CodeDispatchIDMismatch       Code = "dispatch_id_mismatch"
	CodeAbortTextSuppressed      Code = "abort_text_suppressed"
	CodeDuplicateTextSuppressed  Code = "duplicate_text_suppressed"
	CodePolicyBlocked            Code = "policy_blocked"
	CodeQuotaExceeded            Code = "quota_exceeded"
	CodeAutomationMetaLeakGuard  Code = "automation_meta_leak_guard"
	CodeDispatchTimeout          Code = "dispatch_timeout"
	CodeTransportUnavailable     Code = "transport_unavailable"
	CodeResolveActionFailed      Code = "resolve_action_failed"
	CodeMaterializeHTTPFailed    Code = "materialize_http_failed"
	CodeMaterializeEmptyPayload  Code = "materialize_empty_payload"
	CodeFileNotFound             Code = "file_not_found"
	CodeContainerLocalUnreadable Code = "container_local_unreadable"
	CodeDuplicatePayload         Code = "duplicate_payload"
	CodeUnsupportedSource        Code = "unsupported_source"
	CodePathOutsideAllowlist     Code = "path_outside_allowlist"
	CodeMigrationIOFailed        Code = "migration_io_failed"
	CodeGroupMemberLookupFailed  Code = "group_member_lookup_failed"
	CodeQueuedSuperseded         Code = "queued_superseded_by_newer_inbound"
	CodeMergedIntoNewer          Code = "merged_into_newer_inbound"
	CodeCoalesceSuperseded       Code = "coalesce_superseded_after_preempt"
	CodeRouteGenerationStale     Code = "route_generation_stale"
	CodeUnknown                  Code = "unknown_error"
)

// fallbackIneligible lists codes that must never trigger the bounded
// fallback message after a dropped dispatch.
var fallbackIneligible = map[Code]bool{
	CodeDuplicateTextSuppressed: true,
	CodeAbortTextSuppressed:     true,
	CodeAutomationMetaLeakGuard: true,
	CodeDispatchAborted:         true,
	CodeDispatchIDMismatch:      true,
	CodePolicyBlocked:           true,
	CodeQuotaExceeded:           true,
}

// FallbackEligible reports whether a drop with this code may produce the
// one-line fallback message.
func (c Code) FallbackEligible() bool {
	return c != "" && !fallbackIneligible[c]
}

// Error is a coded error. Op is the operation that failed ("media: fetch",
// "delivery: preflight"), Err the underlying cause, both optional.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a coded error with no underlying cause.
func New(code Code, op string) *Error {
	return &Error{Code: code, Op: op}
}

// Wrap attaches a code to an underlying error.
func Wrap(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// CodeOf extracts the code from err, walking the wrap chain.
// Returns CodeUnknown for a non-nil err without a code, "" for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}
