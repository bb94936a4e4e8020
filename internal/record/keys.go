package record

import "fmt"

// Cache keys are domain-scoped: "<kind>:<id>". The helpers below are the
// only place key formats are spelled out.

// RaceKey returns the cache key for a race snapshot.
func RaceKey(raceID string) string { return fmt.Sprintf("race:%s", raceID) }

// VenueKey returns the cache key for a venue snapshot.
func VenueKey(venueID string) string { return fmt.Sprintf("venue:%s", venueID) }

// WeatherKey returns the cache key for a venue's weather snapshot.
func WeatherKey(venueID string) string { return fmt.Sprintf("weather:%s", venueID) }

// StrategyKey returns the cache key for a user's race strategy.
func StrategyKey(raceID, userID string) string {
	return fmt.Sprintf("strategy:%s:%s", raceID, userID)
}

// DocumentKey returns the cache key for a race document.
func DocumentKey(docID string) string { return fmt.Sprintf("document:%s", docID) }

// TuningGuideKey returns the cache key for a boat's tuning guide.
func TuningGuideKey(boatClass string) string {
	return fmt.Sprintf("tuning_guide:%s", boatClass)
}

// HomeVenueKey is the well-known key holding the home venue snapshot.
const HomeVenueKey = "venue:home"
