// Package apperr is the error-taxonomy boundary described in spec §7 and
// §9: every OAuth-relevant failure is a *Error value carrying a code,
// description, and optional structured details, rather than a raw Go error
// or panic. internal/api is the single place that maps a Code to an HTTP
// status; nothing else in the token authority maps error codes to HTTP
// statuses.
package apperr

import "fmt"

// Code is one of the OAuth error codes enumerated in spec §7.
type Code string

const (
	InvalidRequest      Code = "invalid_request"
	InvalidClient       Code = "invalid_client"
	InvalidGrant        Code = "invalid_grant"
	UnauthorizedClient  Code = "unauthorized_client"
	UnsupportedGrant    Code = "unsupported_grant_type"
	UnsupportedResponse Code = "unsupported_response_type"
	InvalidScope        Code = "invalid_scope"
	AccessDenied        Code = "access_denied"
	ServerError         Code = "server_error"
)

// Error is the result type that replaces exception-based control flow (spec
// §9): a single value carrying {kind, message, details}, mapped to an HTTP
// status at the API boundary only.
type Error struct {
	Code        Code
	Description string
	Details     map[string]any
	RequestID   string
}

func (e *Error) Error() string {
	if e.Description == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// New builds an *Error with no details.
func New(code Code, description string) *Error {
	return &Error{Code: code, Description: description}
}

// WithDetails returns a copy of e with Details set.
func (e *Error) WithDetails(details map[string]any) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// WithRequestID returns a copy of e with RequestID set, used by the API
// boundary when correlating a server_error back to logs.
func (e *Error) WithRequestID(id string) *Error {
	cp := *e
	cp.RequestID = id
	return &cp
}

// Denied builds the access_denied/denied_by_policy error shape used when C3
// or C4 rejects a request.
func Denied(policyID string) *Error {
	return New(AccessDenied, "denied_by_policy").WithDetails(map[string]any{
		"denied_by": policyID,
	})
}

// InvalidScopeErr builds the structured invalid_scope error body spec §8
// scenario 2 requires verbatim: requested/available/exceeded scope lists.
func InvalidScopeErr(requested, availableParent, exceeded []string) *Error {
	return New(InvalidScope, "requested scope exceeds parent token scope").WithDetails(map[string]any{
		"requested_scopes":        requested,
		"available_parent_scopes": availableParent,
		"exceeded_scopes":         exceeded,
	})
}
