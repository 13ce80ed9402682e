package orchestrator

import (
	"fmt"

	"github.com/pkg/errors"
)

const (
	CodeSyncInitFailed = "SYNC_INIT_FAILED"
	CodeSyncFailed     = "SYNC_FAILED"
)

// Error is a pass-level sync failure. Match it with errors.Is against
// ErrSyncInitFailed or ErrSyncFailed.
type Error struct {
	Code string
	Err  error
}

var (
	ErrSyncInitFailed = &Error{Code: CodeSyncInitFailed}
	ErrSyncFailed     = &Error{Code: CodeSyncFailed}
)

// ErrUnknownSyncToken is returned by a RemoteStore when the server does not
// recognize the token a client presents. The orchestrator answers it with a
// full download.
var ErrUnknownSyncToken = errors.New("unknown sync token")

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Err.Error())
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}
