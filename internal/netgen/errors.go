package netgen

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// TaskAllocationFailedError reports every node left abstract after
// generation.
type TaskAllocationFailedError struct {
	Nodes []string // "id (model)" per offender
}

// Error implements the error interface.
func (e *TaskAllocationFailedError) Error() string {
	return fmt.Sprintf("task allocation failed, abstract nodes remain: %s", strings.Join(e.Nodes, ", "))
}

// SpecError reports invalid declarative constraint usage, such as a
// non-multiplexing input port fed by several distinct sources.
type SpecError struct {
	Problems []string
}

// Error implements the error interface.
func (e *SpecError) Error() string {
	return fmt.Sprintf("specification errors: %s", strings.Join(e.Problems, "; "))
}

// DeviceAllocationFailedError reports every device-driving node with no
// device attached.
type DeviceAllocationFailedError struct {
	Nodes []string
}

// Error implements the error interface.
func (e *DeviceAllocationFailedError) Error() string {
	return fmt.Sprintf("device allocation failed for: %s", strings.Join(e.Nodes, ", "))
}

// ConflictingDeviceAllocationError reports devices attached to more
// than one node.
type ConflictingDeviceAllocationError struct {
	Conflicts map[string][]string // device -> node IDs
}

// Error implements the error interface.
func (e *ConflictingDeviceAllocationError) Error() string {
	devs := make([]string, 0, len(e.Conflicts))
	for dev := range e.Conflicts {
		devs = append(devs, dev)
	}
	sort.Strings(devs)
	parts := make([]string, 0, len(devs))
	for _, dev := range devs {
		parts = append(parts, fmt.Sprintf("%s on %s", dev, strings.Join(e.Conflicts[dev], ", ")))
	}
	return "conflicting device allocation: " + strings.Join(parts, "; ")
}

// IsTaskAllocationFailed reports whether err wraps a
// TaskAllocationFailedError.
func IsTaskAllocationFailed(err error) bool {
	var e *TaskAllocationFailedError
	return errors.As(err, &e)
}

// IsSpecError reports whether err wraps a SpecError.
func IsSpecError(err error) bool {
	var e *SpecError
	return errors.As(err, &e)
}

// IsDeviceAllocationFailed reports whether err wraps a
// DeviceAllocationFailedError.
func IsDeviceAllocationFailed(err error) bool {
	var e *DeviceAllocationFailedError
	return errors.As(err, &e)
}

// IsConflictingDeviceAllocation reports whether err wraps a
// ConflictingDeviceAllocationError.
func IsConflictingDeviceAllocation(err error) bool {
	var e *ConflictingDeviceAllocationError
	return errors.As(err, &e)
}
