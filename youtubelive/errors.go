package youtubelive

import (
	"errors"
	"fmt"

	"google.golang.org/api/googleapi"
)

// ErrorKind classifies live-chat API failures into the closed set the
// dashboard can render. Anything the mapping does not recognize lands on
// KindUnknown rather than inventing a new kind.
type ErrorKind string

const (
	KindDisabled    ErrorKind = "disabled"
	KindMembersOnly ErrorKind = "membersOnly"
	KindPrivate     ErrorKind = "private"
	KindUnavailable ErrorKind = "unavailable"
	KindUnarchived  ErrorKind = "unarchived"
	KindDenied      ErrorKind = "denied"
	KindInvalid     ErrorKind = "invalid"
	KindUnknown     ErrorKind = "unknown"
)

// ChatError wraps an API failure with its classification. Fatal kinds stop
// the poller; non-fatal ones are logged and polling continues.
type ChatError struct {
	Kind   ErrorKind
	Reason string
	err    error
}

func (e *ChatError) Error() string {
	msg := kindMessages[e.Kind]
	if msg == "" {
		msg = "live chat request failed"
	}
	if e.err != nil {
		return fmt.Sprintf("%s: %v", msg, e.err)
	}
	return msg
}

func (e *ChatError) Unwrap() error { return e.err }

// Fatal reports whether polling should stop. Unknown errors are treated as
// transient (network blips, 5xx, rate limits) and retried on schedule.
func (e *ChatError) Fatal() bool { return e.Kind != KindUnknown }

var kindMessages = map[ErrorKind]string{
	KindDisabled:    "live chat is disabled for this stream",
	KindMembersOnly: "live chat is restricted to channel members",
	KindPrivate:     "the stream is private",
	KindUnavailable: "live chat not found or no longer available",
	KindUnarchived:  "chat replay is not available for this stream",
	KindDenied:      "access denied; the connected account lacks permission",
	KindInvalid:     "the live chat request was rejected as invalid",
	KindUnknown:     "live chat request failed",
}

var reasonKinds = map[string]ErrorKind{
	"liveChatDisabled":        KindDisabled,
	"liveChatEnded":           KindUnavailable,
	"liveChatNotFound":        KindUnavailable,
	"notFound":                KindUnavailable,
	"membersOnly":             KindMembersOnly,
	"private":                 KindPrivate,
	"videoPrivate":            KindPrivate,
	"unarchived":              KindUnarchived,
	"liveChatUnarchived":      KindUnarchived,
	"forbidden":               KindDenied,
	"insufficientPermissions": KindDenied,
	"authError":               KindDenied,
	"invalidValue":            KindInvalid,
	"required":                KindInvalid,
}

// classify maps an API error onto the closed kind set. The page-token
// reasons are deliberately absent here: the poller handles those by
// dropping the continuation token instead of surfacing an error.
func classify(err error) *ChatError {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return &ChatError{Kind: KindUnknown, err: err}
	}
	for _, item := range gerr.Errors {
		if kind, ok := reasonKinds[item.Reason]; ok {
			return &ChatError{Kind: kind, Reason: item.Reason, err: err}
		}
	}
	switch gerr.Code {
	case 401, 403:
		return &ChatError{Kind: KindDenied, err: err}
	case 404:
		return &ChatError{Kind: KindUnavailable, err: err}
	case 400:
		return &ChatError{Kind: KindInvalid, err: err}
	}
	return &ChatError{Kind: KindUnknown, err: err}
}

// isInvalidPageToken detects the 400 reason that means the continuation
// token went stale, which is recoverable by restarting from the head.
func isInvalidPageToken(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) || gerr.Code != 400 {
		return false
	}
	for _, item := range gerr.Errors {
		if item.Reason == "pageTokenInvalid" || item.Reason == "invalidPageToken" {
			return true
		}
	}
	return false
}

// isUnauthorized detects a 401, the trigger for a one-shot token refresh
// and retry.
func isUnauthorized(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == 401
}
