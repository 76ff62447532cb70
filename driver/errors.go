package driver

import (
	"errors"
	"fmt"

	"github.com/godzie44/dgramtest/config"
)

var ErrEmptySet = errors.New("outstanding set is empty")

//IssueError is returned when the runtime refuse to accept a push or pop, e.g. socket is not bound or closed.
type IssueError struct {
	Kind OutcomeKind
	Err  error
}

func (e *IssueError) Error() string {
	return fmt.Sprintf("issue %s: %s", e.Kind, e.Err)
}

func (e *IssueError) Unwrap() error {
	return e.Err
}

//CompletionError is returned when an accepted operation resolved as failed.
type CompletionError struct {
	Kind OutcomeKind
	Err  error
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("%s completion: %s", e.Kind, e.Err)
}

func (e *CompletionError) Unwrap() error {
	return e.Err
}

//VerificationError report received buffer that does not match the expected one.
type VerificationError struct {
	Side        config.Role
	Offset      int
	ExpectedLen int
	GotLen      int
}

func (e *VerificationError) Error() string {
	if e.ExpectedLen != e.GotLen {
		return fmt.Sprintf("%s: received %d bytes, expected %d", e.Side, e.GotLen, e.ExpectedLen)
	}
	return fmt.Sprintf("%s: received buffer differs at offset %d", e.Side, e.Offset)
}
