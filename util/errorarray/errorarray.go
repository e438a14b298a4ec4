package errorarray

import (
	"fmt"
	"strings"
)

// Errors aggregates the errors of independent sub-operations,
// e.g. the per-server errors of one cluster-wide operation.
type Errors struct {
	Msg     string
	Wrapped []error
}

var _ error = (*Errors)(nil)

func Wrap(errs []error, msg string) Errors {
	if len(errs) == 0 {
		panic("passing empty errs argument")
	}
	return Errors{Msg: msg, Wrapped: errs}
}

// Unwrap makes errors.Is and errors.As consider every wrapped error.
func (e Errors) Unwrap() []error {
	return e.Wrapped
}

func (e Errors) Error() string {
	if len(e.Wrapped) == 1 {
		return fmt.Sprintf("%s: %s", e.Msg, e.Wrapped[0])
	}
	var buf strings.Builder
	fmt.Fprintf(&buf, "%s: multiple errors:\n", e.Msg)
	for i, err := range e.Wrapped {
		fmt.Fprintf(&buf, "%s", err)
		if i != len(e.Wrapped)-1 {
			fmt.Fprintf(&buf, "\n")
		}
	}
	return buf.String()
}
