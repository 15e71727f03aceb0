package model

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and API mapping.
type Kind string

const (
	KindValidation          Kind = "validation_failure"
	KindProviderUnavailable Kind = "provider_unavailable"
	KindConfiguration       Kind = "configuration_error"
	KindConflict            Kind = "conflicting_action"
	KindPartialTelemetry    Kind = "partial_telemetry"
	KindNotFound            Kind = "not_found"
	KindInternal            Kind = "internal"
)

// Reason is a machine-readable code attached to rejections and errors.
type Reason string

const (
	ReasonBackendUnknown        Reason = "backend-unknown"
	ReasonBackendUnhealthy      Reason = "backend-unhealthy"
	ReasonCooldownActive        Reason = "cooldown-active"
	ReasonApprovalRequired      Reason = "approval-required"
	ReasonApprovalRejected      Reason = "approval-rejected"
	ReasonApprovalExpired       Reason = "approval-expired"
	ReasonApproverNotAuthorized Reason = "approver-not-authorized"
	ReasonProviderFailure       Reason = "provider-failure"
	ReasonConflictingAction     Reason = "conflicting-action"
	ReasonCancelled             Reason = "cancelled"
	ReasonNotCancellable        Reason = "not-cancellable"
	ReasonNotPending            Reason = "not-pending"
	ReasonNotApplied            Reason = "not-applied"
	ReasonInvalidRequest        Reason = "invalid-request"
	ReasonServiceHealthy        Reason = "service-healthy"
	ReasonRollbackSuperseded    Reason = "rollback-superseded"
	ReasonUnknownService        Reason = "unknown-service"
	ReasonInvalidTimeRange      Reason = "invalid-time-range"
	ReasonActionNotFound        Reason = "action-not-found"
	ReasonProviderNotConfigured Reason = "provider-not-configured"
)

// Error is the error type returned across package boundaries. Match on it
// with errors.As, or with errors.Is against a template such as
// &Error{Kind: KindConflict}.
type Error struct {
	Kind    Kind
	Reason  Reason
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Reason)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, and by reason when the target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != "" && t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

func Validation(reason Reason, format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func Configuration(reason Reason, format string, args ...interface{}) *Error {
	return &Error{Kind: KindConfiguration, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Reason: ReasonConflictingAction, Message: fmt.Sprintf(format, args...)}
}

func NotFound(reason Reason, format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// ProviderUnavailable wraps a transient failure of an external collaborator.
func ProviderUnavailable(provider string, err error) *Error {
	return &Error{
		Kind:    KindProviderUnavailable,
		Reason:  ReasonProviderFailure,
		Message: provider + " unavailable",
		Err:     err,
	}
}

// KindOf returns the Kind carried by err, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ReasonOf returns the Reason carried by err, or an empty reason.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}
