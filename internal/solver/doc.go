// Package solver holds the two structural solvers of the resolution
// pipeline: the specialization resolver, which picks the most specific
// composition variant matching a set of child selections, and the merge
// solver, which collapses structurally equivalent component nodes in a
// transactional graph.
//
// Both are pure fixpoint computations: specialization walks a fixed,
// acyclic variant tree; merging strictly decreases the node count on
// every step, so both terminate on any finite input.
package solver
