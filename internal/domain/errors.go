package domain

import (
	"errors"
	"fmt"
)

// Code is the stable, string-tagged error code reported to clients.
type Code string

const (
	CodeRoomNotFound               Code = "RoomNotFound"
	CodeRoomExpired                Code = "RoomExpired"
	CodeIssuerNotInRoom            Code = "IssuerNotInRoom"
	CodeUserNotFound               Code = "UserNotFound"
	CodeMessageNotFound            Code = "MessageNotFound"
	CodeAttachmentNotFound         Code = "AttachmentNotFound"
	CodeReactionNotFound           Code = "ReactionNotFound"
	CodeNotEnoughPermissions       Code = "NotEnoughPermissions"
	CodeInvalidAction              Code = "InvalidAction"
	CodeNotEnoughSpace             Code = "NotEnoughSpace"
	CodeEmptyMessage               Code = "EmptyMessage"
	CodeStringTooShort             Code = "StringTooShort"
	CodeStringTooLong              Code = "StringTooLong"
	CodeNotConnectedToVoiceChannel Code = "NotConnectedToVoiceChannel"
	CodeInvalidRequest             Code = "InvalidRequest"
	CodeInternalError              Code = "InternalError"
)

// Kind groups codes by failure class.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindPermission
	KindState
	KindValidation
	KindResource
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindPermission:
		return "permission"
	case KindState:
		return "state"
	case KindValidation:
		return "validation"
	case KindResource:
		return "resource"
	default:
		return "internal"
	}
}

// Error is an expected domain failure. Two errors match under errors.Is
// when their codes are equal, so callers compare against the Err* values
// regardless of details.
type Error struct {
	Code    Code
	Kind    Kind
	Details string
}

func (e *Error) Error() string {
	if e.Details == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Details)
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// With returns a copy of e carrying details.
func (e *Error) With(format string, args ...any) *Error {
	return &Error{Code: e.Code, Kind: e.Kind, Details: fmt.Sprintf(format, args...)}
}

var (
	ErrRoomNotFound       = &Error{Code: CodeRoomNotFound, Kind: KindNotFound}
	ErrUserNotFound       = &Error{Code: CodeUserNotFound, Kind: KindNotFound}
	ErrMessageNotFound    = &Error{Code: CodeMessageNotFound, Kind: KindNotFound}
	ErrAttachmentNotFound = &Error{Code: CodeAttachmentNotFound, Kind: KindNotFound}
	ErrReactionNotFound   = &Error{Code: CodeReactionNotFound, Kind: KindNotFound}
	ErrIssuerNotInRoom    = &Error{Code: CodeIssuerNotInRoom, Kind: KindPermission}
	// ErrTargetNotInRoom reports the same code for the subject of an
	// owner action; it does not concern the caller's own membership.
	ErrTargetNotInRoom            = &Error{Code: CodeIssuerNotInRoom, Kind: KindNotFound}
	ErrNotEnoughPermissions       = &Error{Code: CodeNotEnoughPermissions, Kind: KindPermission}
	ErrRoomExpired                = &Error{Code: CodeRoomExpired, Kind: KindState}
	ErrInvalidAction              = &Error{Code: CodeInvalidAction, Kind: KindState}
	ErrNotConnectedToVoiceChannel = &Error{Code: CodeNotConnectedToVoiceChannel, Kind: KindState}
	ErrEmptyMessage               = &Error{Code: CodeEmptyMessage, Kind: KindValidation}
	ErrStringTooShort             = &Error{Code: CodeStringTooShort, Kind: KindValidation}
	ErrStringTooLong              = &Error{Code: CodeStringTooLong, Kind: KindValidation}
	ErrInvalidRequest             = &Error{Code: CodeInvalidRequest, Kind: KindValidation}
	ErrNotEnoughSpace             = &Error{Code: CodeNotEnoughSpace, Kind: KindResource}
)

// CodeOf returns the stable code of err, or CodeInternalError when err is
// not a domain error.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternalError
}

// KindOf returns the failure class of err.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// IsExpected reports whether err is a domain error rather than an
// unexpected failure.
func IsExpected(err error) bool {
	var de *Error
	return errors.As(err, &de)
}

// ForcesAbort reports whether a connected caller must be disconnected after
// receiving err: its room is gone or expired, or it is no longer a member.
func ForcesAbort(err error) bool {
	switch CodeOf(err) {
	case CodeRoomExpired, CodeRoomNotFound:
		return true
	case CodeIssuerNotInRoom:
		return KindOf(err) == KindPermission
	}
	return false
}
