// Package fault classifies portalflow failures so the CLI can report them
// with a hint and exit with a stable code.
package fault

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	KindConfiguration      Kind = "configuration"
	KindAuthentication     Kind = "authentication"
	KindNotFound           Kind = "not_found"
	KindRemoteRequest      Kind = "remote_request"
	KindConsistencyTimeout Kind = "consistency_timeout"
	KindUnknown            Kind = "unknown"
)

// Error is a classified failure. Op names the action that failed
// ("search", "delete", "publish", ...), Resource the thing it acted on.
type Error struct {
	Kind     Kind
	Op       string
	Resource string
	// Status is the HTTP status for remote failures, 0 otherwise.
	Status int
	// Code is the portal's own error code when the body carried one.
	Code        int
	Message     string
	Remediation string
	Cause       error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Resource != "" {
		fmt.Fprintf(&b, " %q", e.Resource)
	}
	b.WriteString(" failed")
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Cause != nil && (e.Message == "" || e.Message != e.Cause.Error()) {
		fmt.Fprintf(&b, " (cause: %v)", e.Cause)
	}
	if e.Remediation != "" {
		fmt.Fprintf(&b, " [hint: %s]", e.Remediation)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error with the default remediation for kind.
func New(kind Kind, op, resource, msg string) *Error {
	return &Error{
		Kind:        kind,
		Op:          op,
		Resource:    resource,
		Message:     msg,
		Remediation: remediations[kind],
	}
}

// Wrap classifies cause and wraps it. An existing *Error in the chain keeps
// its kind.
func Wrap(op, resource string, cause error) *Error {
	if cause == nil {
		return nil
	}
	kind := KindOf(cause)
	return &Error{
		Kind:        kind,
		Op:          op,
		Resource:    resource,
		Message:     cause.Error(),
		Remediation: remediations[kind],
		Cause:       cause,
	}
}

// Configuration reports a missing or invalid setting.
func Configuration(setting, msg string) *Error {
	return New(KindConfiguration, "load configuration", setting, msg)
}

// Remote reports a failed request against the portal.
func Remote(op string, status, code int, msg string) *Error {
	kind := KindRemoteRequest
	if isAuthCode(status) || isAuthCode(code) || containsAny(strings.ToLower(msg), authKeywords) {
		kind = KindAuthentication
	}
	return &Error{
		Kind:        kind,
		Op:          op,
		Status:      status,
		Code:        code,
		Message:     msg,
		Remediation: remediations[kind],
	}
}

// Reclassify changes the kind of the first *Error in err's chain.
func Reclassify(err error, kind Kind) error {
	if fe := As(err); fe != nil {
		fe.Kind = kind
		fe.Remediation = remediations[kind]
	}
	return err
}

// As returns the first *Error in err's chain.
func As(err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return nil
}

// KindOf returns the kind of the first *Error in the chain, or classifies
// the message when the chain has none.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if fe := As(err); fe != nil {
		return fe.Kind
	}
	// A request deadline is a transport failure. Only a fence that never
	// converges reports KindConsistencyTimeout.
	if errors.Is(err, context.DeadlineExceeded) {
		return KindRemoteRequest
	}
	return classifyMessage(err.Error())
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether a read that failed with err may be retried.
// Server-side failures and transport errors qualify, client errors do not.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	fe := As(err)
	if fe == nil {
		return containsAny(strings.ToLower(err.Error()), networkKeywords)
	}
	if fe.Kind != KindRemoteRequest {
		return false
	}
	return fe.Status >= 500 || fe.Code >= 500 || fe.Status == 429
}

// ExitCode maps err to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case KindConfiguration:
		return 2
	case KindAuthentication:
		return 3
	case KindNotFound:
		return 4
	case KindConsistencyTimeout:
		return 5
	default:
		return 1
	}
}

// Summary renders a numbered list of errs for display after a run that
// completed with non-fatal failures.
func Summary(errs []error) string {
	if len(errs) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "completed with %d error(s):\n", len(errs))
	for i, err := range errs {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, err.Error())
	}
	return b.String()
}

func isAuthCode(c int) bool {
	return c == 401 || c == 403 || c == 498 || c == 499
}

func classifyMessage(msg string) Kind {
	lower := strings.ToLower(msg)
	switch {
	case containsAny(lower, authKeywords):
		return KindAuthentication
	case containsAny(lower, timeoutKeywords):
		return KindConsistencyTimeout
	case containsAny(lower, notFoundKeywords):
		return KindNotFound
	case containsAny(lower, networkKeywords):
		return KindRemoteRequest
	}
	return KindUnknown
}

var (
	authKeywords = []string{
		"invalid token", "token required", "invalid username or password",
		"unauthorized", "not authorized", "forbidden",
	}
	timeoutKeywords = []string{
		"did not settle", "did not become ready",
	}
	notFoundKeywords = []string{
		"not found", "does not exist",
	}
	networkKeywords = []string{
		"connection refused", "connection reset", "no such host",
		"i/o timeout", "tls handshake", "eof",
	}
)

var remediations = map[Kind]string{
	KindConfiguration:      "set the variable in the environment or in the .env file",
	KindAuthentication:     "check USERNAME/PASSWORD or generate a new ACCESS_TOKEN",
	KindNotFound:           "check the resource title and that it is owned by the signed-in user",
	KindConsistencyTimeout: "the portal may still be indexing; retry or raise POLL_ATTEMPTS",
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
