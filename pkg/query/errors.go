package query

import "fmt"

// InvalidFilterError rejects a filter value that cannot be used
type InvalidFilterError struct {
	Field  string
	Value  string
	Reason string
}

func (e *InvalidFilterError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("%s: invalid value '%s'", e.Field, e.Value)
}

func invalidDate(field, value string) error {
	return &InvalidFilterError{
		Field:  field,
		Value:  value,
		Reason: fmt.Sprintf("Date '%s' cannot be parsed as either a date or date+time", value),
	}
}

func invalidValue(field, value string, allowed []string) error {
	return &InvalidFilterError{
		Field:  field,
		Value:  value,
		Reason: fmt.Sprintf("Value of parameter '%s' (%s) must be one of: %v", field, value, allowed),
	}
}
