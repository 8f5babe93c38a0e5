package service

import (
	"errors"
	"fmt"
)

// Kind classifies service errors. Transports map kinds to status codes.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not found"
	KindConflict   Kind = "conflict"
	KindCrypto     Kind = "crypto"
	KindBuild      Kind = "build"
	KindSubmission Kind = "submission"
	KindAdminAuth  Kind = "admin auth"
	KindNotReady   Kind = "not ready"
	KindInternal   Kind = "internal"
)

// Error is returned by every exported service operation. Two errors match
// under errors.Is when kind and reason agree; an empty reason on the target
// matches any reason of that kind.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Reason == "" || t.Reason == e.Reason)
}

// With returns a copy of e carrying cause.
func (e *Error) With(cause error) *Error {
	return &Error{Kind: e.Kind, Reason: e.Reason, Err: cause}
}

// Withf returns a copy of e carrying a formatted cause.
func (e *Error) Withf(format string, args ...interface{}) *Error {
	return e.With(fmt.Errorf(format, args...))
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func internalError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindInternal, Reason: "internal error", Err: fmt.Errorf(format, args...)}
}

// Signup rejections, in the order they are checked.
var (
	ErrMalformedSignup     = &Error{Kind: KindValidation, Reason: "malformed signup payload"}
	ErrWrongContext        = &Error{Kind: KindValidation, Reason: "invalid signup context"}
	ErrStaleSignup         = &Error{Kind: KindValidation, Reason: "signup timestamp outside the accepted window"}
	ErrInvalidAddress      = &Error{Kind: KindValidation, Reason: "invalid address"}
	ErrBlacklisted         = &Error{Kind: KindValidation, Reason: "address is blacklisted"}
	ErrAlreadyQueued       = &Error{Kind: KindValidation, Reason: "address is already queued or in a ceremony"}
	ErrInvalidRecipient    = &Error{Kind: KindValidation, Reason: "invalid recipient address"}
	ErrBadSignupSignature  = &Error{Kind: KindCrypto, Reason: "signup signature does not verify"}
	ErrInsufficientBalance = &Error{Kind: KindValidation, Reason: "insufficient balance"}
	ErrSignupRaceLost      = &Error{Kind: KindConflict, Reason: "address was queued concurrently"}
	ErrBalanceUnavailable  = &Error{Kind: KindInternal, Reason: "balance lookup failed"}
)

// Ceremony lifecycle errors.
var (
	ErrCeremonyNotFound      = &Error{Kind: KindNotFound, Reason: "ceremony not found"}
	ErrNotEnoughParticipants = &Error{Kind: KindNotReady, Reason: "not enough participants"}
	ErrBuildFailed           = &Error{Kind: KindBuild, Reason: "transaction build failed"}
	ErrSubmissionFailed      = &Error{Kind: KindSubmission, Reason: "transaction submission failed"}
	ErrContention            = &Error{Kind: KindConflict, Reason: "too many concurrent updates"}
)

// Witness rejections, in the order they are checked.
var (
	ErrInvalidWitness    = &Error{Kind: KindCrypto, Reason: "witness cannot be decoded"}
	ErrUnexpectedSigner  = &Error{Kind: KindValidation, Reason: "signer is not a participant"}
	ErrDuplicateWitness  = &Error{Kind: KindConflict, Reason: "signer already submitted a witness"}
	ErrSignatureMismatch = &Error{Kind: KindCrypto, Reason: "witness does not sign the ceremony transaction"}
)

// Admin errors.
var (
	ErrMalformedAdminRequest = &Error{Kind: KindValidation, Reason: "malformed admin request"}
	ErrAdminUnauthorized     = &Error{Kind: KindAdminAuth, Reason: "admin signature rejected"}
	ErrAdminStale            = &Error{Kind: KindAdminAuth, Reason: "admin request outside the accepted window"}
	ErrAdminWrongAction      = &Error{Kind: KindAdminAuth, Reason: "admin request signed for another action"}
	ErrNotBlacklisted        = &Error{Kind: KindNotFound, Reason: "credential is not blacklisted"}
)
