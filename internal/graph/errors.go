package graph

import (
	"errors"
	"fmt"
)

// Class buckets a failed Graph call by how the caller should react.
type Class string

const (
	// ClassRetryable covers 429, 5xx, transport failures, and timeouts.
	// The message may be enqueued and retried later.
	ClassRetryable Class = "retryable"
	// ClassAuth covers 401/403 persisting after a token refresh. Operations
	// pause until the operator logs in again.
	ClassAuth Class = "auth"
	// ClassPermanent covers the remaining 4xx responses. Retrying the same
	// request will not succeed.
	ClassPermanent Class = "permanent"
)

// Error is a classified Graph API failure. Status is the HTTP status code
// (0 for transport failures), Code the Graph error code from the response
// body when one was present.
type Error struct {
	Class   Class
	Op      string
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	switch {
	case e.Status == 0:
		return fmt.Sprintf("graph %s: %s", e.Op, e.Message)
	case e.Code != "":
		return fmt.Sprintf("graph %s: HTTP %d %s: %s", e.Op, e.Status, e.Code, e.Message)
	default:
		return fmt.Sprintf("graph %s: HTTP %d: %s", e.Op, e.Status, e.Message)
	}
}

// ClassOf returns the class of err. Errors that did not come from a Graph
// call (transport wrappers, context cancellation) count as retryable: the
// caller could not observe an authoritative rejection.
func ClassOf(err error) Class {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Class
	}
	return ClassRetryable
}

// IsPermanent reports whether err is a permanent Graph rejection.
func IsPermanent(err error) bool {
	return err != nil && ClassOf(err) == ClassPermanent
}
