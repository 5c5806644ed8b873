package policy

import (
	"errors"
	"fmt"

	"github.com/weftlabs/weft/internal/graph"
	"github.com/weftlabs/weft/internal/model"
)

// IncompatiblePolicyError identifies the first chain link whose policy
// cannot be folded with the accumulated one.
type IncompatiblePolicyError struct {
	Link  string
	Have  graph.Policy
	Found graph.Policy
}

// Error implements the error interface.
func (e *IncompatiblePolicyError) Error() string {
	return fmt.Sprintf("incompatible connection policies at %s: %s vs %s", e.Link, e.Have, e.Found)
}

// IsIncompatiblePolicy reports whether err is (or wraps) an
// IncompatiblePolicyError.
func IsIncompatiblePolicy(err error) bool {
	var e *IncompatiblePolicyError
	return errors.As(err, &e)
}

// FoldPolicy merges two connection policies: buffer sizes take the
// maximum, pull flags combine with OR, and buffer kinds must agree
// unless one side leaves the kind unset. link names the chain link for
// the error.
func FoldPolicy(p1, p2 graph.Policy, link string) (graph.Policy, error) {
	out := p1
	switch {
	case p1.Kind == graph.BufferUnset:
		out.Kind = p2.Kind
	case p2.Kind == graph.BufferUnset || p1.Kind == p2.Kind:
		// keep p1.Kind
	default:
		return graph.Policy{}, &IncompatiblePolicyError{Link: link, Have: p1, Found: p2}
	}
	if p2.Size > out.Size {
		out.Size = p2.Size
	}
	out.Pull = p1.Pull || p2.Pull
	return out, nil
}

// HintPolicy converts a declarative policy hint from a composition
// model into a connection policy.
func HintPolicy(h model.PolicyHint) graph.Policy {
	p := graph.Policy{Size: h.Size, Pull: h.Pull}
	switch h.BufferKind {
	case "ring":
		p.Kind = graph.BufferRing
	case "fifo":
		p.Kind = graph.BufferFIFO
	}
	return p
}
