package countries

import "fmt"

// AggregationError reports a broken snapshot invariant. It should never occur
// with well-formed inputs; a refresh that hits it is aborted.
type AggregationError struct {
	Name   string
	Reason string
}

func (e *AggregationError) Error() string {
	if e.Name == "" {
		return "aggregation invariant violated: " + e.Reason
	}
	return fmt.Sprintf("aggregation invariant violated for %q: %s", e.Name, e.Reason)
}

// ValidationError reports a malformed query parameter.
type ValidationError struct {
	Field string
	Value string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Msg)
}
