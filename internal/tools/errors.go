package tools

import (
	"errors"
	"strings"
)

// Sentinel errors for the tool fabric.
var (
	// ErrDuplicateTool indicates a registration under an already-taken name.
	ErrDuplicateTool = errors.New("tool already registered")

	// ErrInvalidToolName indicates a name outside [A-Za-z0-9_.-]+.
	ErrInvalidToolName = errors.New("invalid tool name")

	// ErrToolNotFound indicates a lookup for an unregistered tool.
	ErrToolNotFound = errors.New("tool not found")
)

// ErrorKind is the discriminated failure category carried on failed results.
type ErrorKind string

const (
	// ErrorNotFound indicates the tool doesn't exist in the registry.
	ErrorNotFound ErrorKind = "not_found"

	// ErrorValidation indicates the arguments failed schema validation.
	ErrorValidation ErrorKind = "validation"

	// ErrorTimeout indicates the execution deadline fired first.
	ErrorTimeout ErrorKind = "timeout"

	// ErrorPermission indicates a capability or path-whitelist denial.
	ErrorPermission ErrorKind = "permission"

	// ErrorUnknown covers tool exceptions, panics, and everything else.
	ErrorUnknown ErrorKind = "unknown"
)

// classifyError maps an arbitrary execution error onto the result taxonomy.
func classifyError(err error) ErrorKind {
	if err == nil {
		return ErrorUnknown
	}
	if errors.Is(err, ErrToolNotFound) {
		return ErrorNotFound
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timed out"),
		strings.Contains(errStr, "deadline exceeded"):
		return ErrorTimeout
	case strings.Contains(errStr, "permission denied"),
		strings.Contains(errStr, "forbidden"),
		strings.Contains(errStr, "unauthorized"):
		return ErrorPermission
	case strings.Contains(errStr, "validation"),
		strings.Contains(errStr, "invalid argument"):
		return ErrorValidation
	default:
		return ErrorUnknown
	}
}
