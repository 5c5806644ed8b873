// Package graph is the mutable transactional substrate the resolution
// pipeline operates on.
//
// A Graph holds the live component network: component nodes, the
// dependency DAG (parent/child with role labels), the dataflow
// multigraph (port-to-port edges carrying connection policies), and
// precedence edges produced by reconciliation. All pipeline mutation
// happens on a Tx obtained from Begin(); the live graph only changes
// when the Tx commits, atomically, emitting one change set. A discarded
// Tx leaves no trace.
//
// Only one resolution runs against a live graph at a time; neither
// Graph nor Tx is safe for concurrent mutation.
package graph
