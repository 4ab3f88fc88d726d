package service

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Error is a business rule failure. Code places it in the gRPC taxonomy;
// Reason names the rule. Anything that is not an *Error is internal.
type Error struct {
	Code   codes.Code
	Reason string
}

func (e *Error) Error() string {
	return e.Reason
}

// GRPCStatus lets status.FromError and the gRPC server recover the code.
func (e *Error) GRPCStatus() *status.Status {
	return status.New(e.Code, e.Reason)
}

func newError(code codes.Code, reason string) *Error {
	return &Error{Code: code, Reason: reason}
}

var (
	ErrNotFound = newError(codes.NotFound, "not found")

	ErrInvalidMessage      = newError(codes.InvalidArgument, "invalid message")
	ErrNoRecipients        = newError(codes.InvalidArgument, "no recipients")
	ErrDuplicateRecipients = newError(codes.InvalidArgument, "duplicate recipients")
	ErrCantAddSelf         = newError(codes.InvalidArgument, "cant add self")

	ErrPermissionDenied = newError(codes.PermissionDenied, "permission denied")

	ErrDuplicateDM                = newError(codes.FailedPrecondition, "duplicate dm")
	ErrDirectMessageOnlyFriends   = newError(codes.FailedPrecondition, "direct message only friends")
	ErrGroupChatOnlyFriends       = newError(codes.FailedPrecondition, "group chat only friends")
	ErrGroupChatOnlyInviteFriends = newError(codes.FailedPrecondition, "group chat only invite friends")
	ErrCantMakeSelfAdmin          = newError(codes.FailedPrecondition, "cant make self admin")
	ErrUserNotInChat              = newError(codes.FailedPrecondition, "user not in chat")
	ErrAlreadyAdmin               = newError(codes.FailedPrecondition, "already admin")
	ErrCantRemoveLastAdmin        = newError(codes.FailedPrecondition, "cant remove last admin")
	ErrUserNotAdmin               = newError(codes.FailedPrecondition, "user not admin")
	ErrCantInviteSelf             = newError(codes.FailedPrecondition, "cant invite self")
	ErrCantInviteToDM             = newError(codes.FailedPrecondition, "cant invite to dm")
	ErrAlreadyInChat              = newError(codes.FailedPrecondition, "already in chat")
	ErrLastAdminCantLeave         = newError(codes.FailedPrecondition, "last admin cant leave")
	ErrCantUnseeMessages          = newError(codes.FailedPrecondition, "cant unsee messages")
)

// CodeOf returns the code of a business failure, codes.Internal for any other
// non-nil error and codes.OK for nil.
func CodeOf(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return codes.Internal
}
