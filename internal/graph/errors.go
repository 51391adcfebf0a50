package graph

import (
	"fmt"
	"strings"
)

// CycleError lists the task ids forming a dependency cycle.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Path, " -> "))
}

// Unwrap returns ErrCycleDetected for errors.Is.
func (e *CycleError) Unwrap() error {
	return ErrCycleDetected
}
