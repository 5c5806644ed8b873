package graph

import "fmt"

// BufferKind selects the buffering discipline of a connection.
type BufferKind int

const (
	// BufferUnset leaves the kind unconstrained; folding adopts the
	// other side's kind.
	BufferUnset BufferKind = iota
	// BufferRing keeps the newest Size samples, dropping old ones.
	BufferRing
	// BufferFIFO blocks or grows up to Size samples, dropping none.
	BufferFIFO
)

// String returns the kind name used in dumps and errors.
func (k BufferKind) String() string {
	switch k {
	case BufferUnset:
		return "unset"
	case BufferRing:
		return "ring"
	case BufferFIFO:
		return "fifo"
	default:
		return fmt.Sprintf("BufferKind(%d)", int(k))
	}
}

// Policy is the connection policy carried by a dataflow edge.
type Policy struct {
	Kind BufferKind
	// Size is the buffer capacity in samples; 0 is unconstrained.
	Size int
	// Pull connections transfer on reader demand instead of on write.
	Pull bool
}

// Unconstrained reports whether the policy constrains nothing.
func (p Policy) Unconstrained() bool {
	return p.Kind == BufferUnset && p.Size == 0 && !p.Pull
}

// String renders the policy compactly for logs and dumps.
func (p Policy) String() string {
	return fmt.Sprintf("%s/%d pull=%t", p.Kind, p.Size, p.Pull)
}
