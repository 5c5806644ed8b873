// Package policy computes effective port-to-port connection policies
// across nested composition boundaries, and propagates trigger-derived
// port rates through the dataflow graph.
//
// A connection between two leaf ports may traverse any number of
// composition export links; the effective policy is the left-to-right
// fold of every link policy on the chain. Folding is commutative and
// associative for compatible policies, so the result is order
// independent; an incompatible pair fails naming the offending link.
package policy
