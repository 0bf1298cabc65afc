package chat

import (
	"errors"
	"fmt"
)

var (
	ErrNoOpenGroup    = errors.New("chat: no group is open")
	ErrTransientFetch = errors.New("chat: transient fetch failure")
	ErrInvalidNote    = errors.New("chat: invalid note")
	ErrForbidden      = errors.New("chat: not allowed in this group")
)

// FetchError reports a failed read, write or subscribe against the store. It
// matches ErrTransientFetch and unwraps to the store's error.
type FetchError struct {
	Op   string
	Code string
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("chat: %s %s: %v", e.Op, e.Code, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Is(target error) bool { return target == ErrTransientFetch }

var errSubscriptionEnded = errors.New("subscription ended before its first snapshot")
