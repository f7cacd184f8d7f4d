package validation

import "time"

// ValidateDateRange validates that end is not before start. Either bound may
// be nil.
func ValidateDateRange(start, end *time.Time) error {
	if start == nil || end == nil {
		return nil
	}
	if end.Before(*start) {
		return &ValidationError{
			Errors: map[string]string{
				"date_range": "End date must not be before start date",
			},
		}
	}
	return nil
}
