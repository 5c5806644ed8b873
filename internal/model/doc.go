// Package model holds the immutable component-model descriptors the
// resolution pipeline works against: leaf components, services,
// compositions with their child-role constraints, the specialization
// tree, and the registry that resolves model names.
//
// Descriptors are registered once, frozen, and never mutated afterwards.
// The pipeline owns exactly one Registry per Engine; there are no
// package-level registries.
package model
