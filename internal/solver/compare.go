package solver

import (
	"github.com/weftlabs/weft/internal/model"
)

// Ordering is the result of comparing two model sets.
type Ordering int

const (
	// Unrelated: the test set cannot stand in for the base set.
	Unrelated Ordering = iota
	// Equal: the test set covers the base set without refining it.
	Equal
	// StrictlySpecializes: the test set covers the base set and
	// refines at least one model to a proper subtype.
	StrictlySpecializes
)

// String returns the ordering name.
func (o Ordering) String() string {
	switch o {
	case Equal:
		return "Equal"
	case StrictlySpecializes:
		return "StrictlySpecializes"
	default:
		return "Unrelated"
	}
}

// CompareModelSets reports how test relates to base: for every model in
// base, test must contain an equal model or a proper subtype, otherwise
// the sets are Unrelated. The result is StrictlySpecializes only when
// at least one proper subtype was involved.
func CompareModelSets(reg *model.Registry, base, test []string) Ordering {
	strict := false
	for _, b := range base {
		matched := false
		for _, t := range test {
			if t == b {
				matched = true
				break
			}
			if reg.ProperlyFulfills(t, b) {
				matched = true
				strict = true
				break
			}
		}
		if !matched {
			return Unrelated
		}
	}
	if strict {
		return StrictlySpecializes
	}
	return Equal
}

// compareVariants reports whether x specializes y, comparing their
// accumulated role constraints role-wise. Constraining strictly more
// roles also counts as strict.
func compareVariants(reg *model.Registry, x, y *model.Variant) Ordering {
	strict := false
	for role, ym := range y.Constraints {
		xm, ok := x.Constraints[role]
		if !ok {
			return Unrelated
		}
		switch CompareModelSets(reg, []string{ym}, []string{xm}) {
		case StrictlySpecializes:
			strict = true
		case Equal:
		default:
			return Unrelated
		}
	}
	if len(x.Constraints) > len(y.Constraints) {
		strict = true
	}
	if strict {
		return StrictlySpecializes
	}
	return Equal
}
