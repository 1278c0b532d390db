package protocol

import (
	"errors"
	"net/http"
)

var (
	ErrUnreachable     = errors.New("backend unreachable")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrNotFound        = errors.New("not found")
	ErrInvalidSpec     = errors.New("invalid task spec")
	ErrLaunchFailed    = errors.New("launch failed")
	ErrAlreadyAttached = errors.New("process already attached")
	ErrProcessNotFound = errors.New("process not found")
	ErrInvalidState    = errors.New("invalid task state")
)

const (
	CodeUnreachable     = "UNREACHABLE"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeNotFound        = "NOT_FOUND"
	CodeInvalidSpec     = "INVALID_SPEC"
	CodeLaunchFailed    = "LAUNCH_FAILED"
	CodeAlreadyAttached = "ALREADY_ATTACHED"
	CodeProcessNotFound = "PROCESS_NOT_FOUND"
	CodeInvalidState    = "INVALID_STATE"
	CodeInternal        = "INTERNAL"
)

var codeTable = []struct {
	err    error
	code   string
	status int
}{
	{ErrUnauthorized, CodeUnauthorized, http.StatusUnauthorized},
	{ErrProcessNotFound, CodeProcessNotFound, http.StatusNotFound},
	{ErrNotFound, CodeNotFound, http.StatusNotFound},
	{ErrInvalidSpec, CodeInvalidSpec, http.StatusBadRequest},
	{ErrLaunchFailed, CodeLaunchFailed, http.StatusUnprocessableEntity},
	{ErrAlreadyAttached, CodeAlreadyAttached, http.StatusConflict},
	{ErrInvalidState, CodeInvalidState, http.StatusConflict},
	{ErrUnreachable, CodeUnreachable, http.StatusBadGateway},
}

// CodeOf maps an error to its wire code and HTTP status.
func CodeOf(err error) (string, int) {
	for _, row := range codeTable {
		if errors.Is(err, row.err) {
			return row.code, row.status
		}
	}
	return CodeInternal, http.StatusInternalServerError
}

// ErrorForCode maps a wire code back to its sentinel. Unknown codes map to nil.
func ErrorForCode(code string) error {
	for _, row := range codeTable {
		if row.code == code {
			return row.err
		}
	}
	return nil
}
