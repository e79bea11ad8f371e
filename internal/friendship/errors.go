package friendship

import "fmt"

// Kind classifies a friendship Error.
type Kind int

const (
	KindUnauthenticated Kind = iota + 1
	KindInvalid
	KindConflict
	KindNotFound
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindInvalid:
		return "invalid"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindTransport:
		return "transport"
	}
	return "unknown"
}

// Error is the only error type the Service returns. Msg is safe to show to the user.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Kind sentinels for errors.Is.
var (
	ErrUnauthenticated = &Error{Kind: KindUnauthenticated, Msg: "not authenticated"}
	ErrInvalid         = &Error{Kind: KindInvalid, Msg: "invalid input"}
	ErrConflict        = &Error{Kind: KindConflict, Msg: "conflict"}
	ErrNotFound        = &Error{Kind: KindNotFound, Msg: "not found"}
	ErrTransport       = &Error{Kind: KindTransport, Msg: "store unavailable"}
)

// Messages surfaced to callers.
const (
	MsgNotAuthenticated = "not authenticated"
	MsgInvalidUserID    = "invalid user id"
	MsgInvalidRequestID = "invalid request id"
	MsgSelfRequest      = "cannot send a friend request to yourself"
	MsgSelfBlock        = "cannot block yourself"
	MsgAlreadySent      = "friend request already sent"
	MsgAlreadyFriends   = "already friends"
	MsgCannotSend       = "cannot send friend request"
	MsgRequestNotFound  = "friend request not found"
)

func newError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func transportError(msg string, err error) *Error {
	return &Error{Kind: KindTransport, Msg: msg, Err: err}
}
