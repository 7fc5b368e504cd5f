// Package feasibility implements the travel feasibility calculator: the pure
// arithmetic that turns a one-way road distance into a motorcoach-vs-flight
// recommendation based on DOT/FMCSA driving-hour conventions.
package feasibility

import (
	"fmt"
	"math"

	"routeready/internal/types"
)

// Policy constants. These mirror the DOT/FMCSA conventions the product is
// built around and are deliberately not configurable.
const (
	// AverageSpeedMPH is the assumed motorcoach cruising speed.
	AverageSpeedMPH = 60.0

	// RestIntervalHours is the driving time between mandatory rest breaks.
	RestIntervalHours = 3.0

	// RestStopHours is the duration of each rest break.
	RestStopHours = 0.5

	// FlightThresholdHours is the total one-way travel time at or above
	// which a flight is recommended. Held 0.5h below the nominal 10-hour
	// DOT daily driving limit as a safety margin.
	FlightThresholdHours = 9.5
)

// Calculate maps a one-way distance in miles to a TravelCalculation.
//
// It is pure and deterministic: no I/O, no clock, and identical inputs yield
// bit-identical outputs. Negative distances are rejected rather than clamped
// so that caller bugs surface instead of silently producing a zero itinerary.
func Calculate(distanceMiles float64) (types.TravelCalculation, error) {
	if distanceMiles < 0 || math.IsNaN(distanceMiles) || math.IsInf(distanceMiles, 0) {
		return types.TravelCalculation{}, types.NewAppError(
			types.ErrCodeValidationInvalidDistance,
			fmt.Sprintf("distance must be a finite value >= 0, got %v", distanceMiles),
			nil,
		)
	}

	drivingTime := distanceMiles / AverageSpeedMPH
	restStops := int(math.Ceil(drivingTime / RestIntervalHours))
	totalTravelTime := drivingTime + float64(restStops)*RestStopHours

	recommendation := types.RecommendMotorcoach
	if totalTravelTime >= FlightThresholdHours {
		recommendation = types.RecommendFlight
	}

	return types.TravelCalculation{
		TotalDistance:     distanceMiles,
		RoundTripDistance: 2 * distanceMiles,
		DrivingTime:       drivingTime,
		RestStops:         restStops,
		TotalTravelTime:   totalTravelTime,
		Recommendation:    recommendation,
	}, nil
}

// FormatHours renders an hour value as "9h 30m" for API responses and logs.
func FormatHours(hours float64) string {
	h := int(hours)
	m := int(math.Round((hours - float64(h)) * 60))
	if m == 60 {
		h++
		m = 0
	}
	return fmt.Sprintf("%dh %dm", h, m)
}
