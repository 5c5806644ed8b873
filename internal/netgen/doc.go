// Package netgen turns an ordered list of requirements into a fully
// allocated, validated abstract component network on a transactional
// graph view.
//
// Generation is pure with respect to the live graph: it only ever
// mutates the transaction it was handed, and a failed generation
// leaves nothing behind because the caller discards the transaction.
// Validation never stops at the first problem; every offending node is
// collected so one run surfaces the complete picture.
package netgen
