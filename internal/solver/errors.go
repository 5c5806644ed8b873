package solver

import (
	"errors"
	"fmt"
	"strings"
)

// AmbiguousSpecializationError reports that several specialization
// variants remained tied after maximal filtering, facet hints and
// declared defaults. The resolver never guesses: every tied variant is
// named so the caller can disambiguate declaratively.
type AmbiguousSpecializationError struct {
	Composition string
	Role        string // conflicted role, "" when the tie spans roles
	Variants    []string
}

// Error implements the error interface.
func (e *AmbiguousSpecializationError) Error() string {
	if e.Role != "" {
		return fmt.Sprintf("ambiguous specialization of %s on role %q: tied variants %s",
			e.Composition, e.Role, strings.Join(e.Variants, ", "))
	}
	return fmt.Sprintf("ambiguous specialization of %s: tied variants %s",
		e.Composition, strings.Join(e.Variants, ", "))
}

// IsAmbiguousSpecialization reports whether err is (or wraps) an
// AmbiguousSpecializationError.
func IsAmbiguousSpecialization(err error) bool {
	var e *AmbiguousSpecializationError
	return errors.As(err, &e)
}
