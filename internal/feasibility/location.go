package feasibility

import (
	"regexp"
	"strings"

	"routeready/internal/types"
)

// Location format patterns: US ZIP (NNNNN or NNNNN-NNNN) and Canadian
// postal codes (A1A 1A1, space or hyphen separated).
var (
	usZipPattern          = regexp.MustCompile(`^\d{5}(-\d{4})?$`)
	canadianPostalPattern = regexp.MustCompile(`^[A-Za-z]\d[A-Za-z][ -]?\d[A-Za-z]\d$`)
)

// ValidLocation reports whether the input resembles a US ZIP code or a
// Canadian postal code. No geocoding is performed; this is a format check
// only, run before any distance oracle call is made.
func ValidLocation(input string) bool {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return false
	}
	return usZipPattern.MatchString(trimmed) || canadianPostalPattern.MatchString(trimmed)
}

// ValidateRoute checks both endpoints of a requested route and returns a
// validation AppError naming the offending field, or nil if both are valid.
func ValidateRoute(departure, destination string) error {
	if !ValidLocation(departure) {
		return types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidLocation,
			"departure must be a US ZIP code or Canadian postal code",
			nil,
			map[string]any{"field": "departure"},
		)
	}
	if !ValidLocation(destination) {
		return types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidLocation,
			"destination must be a US ZIP code or Canadian postal code",
			nil,
			map[string]any{"field": "destination"},
		)
	}
	return nil
}
