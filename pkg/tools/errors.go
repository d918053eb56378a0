package tools

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrToolNotFound is returned for unregistered tools
	ErrToolNotFound = errors.New("tool not found")
	// ErrToolNotAllowed is returned when a policy denies the tool
	ErrToolNotAllowed = errors.New("tool not allowed")
	// ErrToolTimeout is returned when a handler exceeds its deadline
	ErrToolTimeout = errors.New("tool execution timeout")
)

// ValidationError lists schema violations in tool arguments
type ValidationError struct {
	Tool   string
	Issues []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, strings.Join(e.Issues, "; "))
}
