package deploy

import (
	"errors"
	"fmt"
	"strings"
)

// AmbiguousDeploymentError reports a node for which several deployment
// slots qualify and no hint disambiguates. Tied candidates are never
// auto-picked.
type AmbiguousDeploymentError struct {
	Node       string
	Model      string
	Candidates []string
}

func (e *AmbiguousDeploymentError) Error() string {
	return fmt.Sprintf("ambiguous deployment for node %s (%s): candidates %s",
		e.Node, e.Model, strings.Join(e.Candidates, ", "))
}

// IsAmbiguousDeployment reports whether err wraps an
// AmbiguousDeploymentError.
func IsAmbiguousDeployment(err error) bool {
	var e *AmbiguousDeploymentError
	return errors.As(err, &e)
}

// AllocationFailedError lists every concrete node that no deployment
// slot can host.
type AllocationFailedError struct {
	Nodes []string
}

func (e *AllocationFailedError) Error() string {
	return fmt.Sprintf("no deployment slot for %d node(s): %s",
		len(e.Nodes), strings.Join(e.Nodes, ", "))
}

// IsAllocationFailed reports whether err wraps an
// AllocationFailedError.
func IsAllocationFailed(err error) bool {
	var e *AllocationFailedError
	return errors.As(err, &e)
}

// InternalError signals an invariant violation in the live graph, e.g.
// two live nodes claiming the same process identity.
type InternalError struct {
	Reason string
}

func (e *InternalError) Error() string {
	return "internal error: " + e.Reason
}

// IsInternal reports whether err wraps an InternalError.
func IsInternal(err error) bool {
	var e *InternalError
	return errors.As(err, &e)
}
