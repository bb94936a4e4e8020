// Package track derives race statistics from recorded GPS fixes.
//
// The analysis runs on-device before the track is queued: distance over
// the great circle, average speed, velocity made good toward a mark
// bearing, and a maneuver count from heading reversals. Results travel in
// the track payload so the backend never has to re-derive them.
package track

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/regattaflow/regatta/internal/record"
)

const (
	// earthRadiusMeters is the mean Earth radius used by the haversine
	// distance.
	earthRadiusMeters = 6371000.0

	// metersPerSecondToKnots converts m/s to nautical miles per hour.
	metersPerSecondToKnots = 3600.0 / 1852.0

	// maneuverThresholdDegrees is the minimum swing of heading across the
	// wind reference for a heading change to count as a tack or gybe.
	// Smaller wobbles are helming noise, not maneuvers.
	maneuverThresholdDegrees = 60.0

	// minLegDuration is the minimum time between counted maneuvers. Two
	// heading reversals inside this window are one botched maneuver, not
	// two.
	minLegDuration = 10 * time.Second
)

// Analyze computes the summary for a recorded track against the bearing
// to the next mark (degrees true). Points are sorted by fix time before
// analysis; at least two points are required.
func Analyze(points []record.TrackPoint, markBearing float64) (record.TrackSummary, error) {
	if len(points) < 2 {
		return record.TrackSummary{}, fmt.Errorf("track needs at least 2 points, got %d", len(points))
	}

	pts := make([]record.TrackPoint, len(points))
	copy(pts, points)
	sort.Slice(pts, func(i, j int) bool { return pts[i].At.Before(pts[j].At) })

	elapsed := pts[len(pts)-1].At.Sub(pts[0].At)
	if elapsed <= 0 {
		return record.TrackSummary{}, fmt.Errorf("track has no elapsed time")
	}

	var (
		distance  float64 // meters
		vmgSum    float64 // knot-seconds, weighted by segment duration
		vmgWeight float64 // seconds
	)

	for i := 1; i < len(pts); i++ {
		prev, cur := pts[i-1], pts[i]

		segMeters := Haversine(prev.Lat, prev.Lon, cur.Lat, cur.Lon)
		segSeconds := cur.At.Sub(prev.At).Seconds()
		if segSeconds <= 0 {
			continue
		}
		distance += segMeters

		speed := segMeters / segSeconds * metersPerSecondToKnots
		heading := Bearing(prev.Lat, prev.Lon, cur.Lat, cur.Lon)

		// VMG is the speed component along the bearing to the mark.
		vmg := speed * math.Cos(radians(angleDelta(heading, markBearing)))
		vmgSum += vmg * segSeconds
		vmgWeight += segSeconds
	}

	summary := record.TrackSummary{
		DistanceMeters: distance,
		AvgSpeedKnots:  distance / elapsed.Seconds() * metersPerSecondToKnots,
		Maneuvers:      CountManeuvers(pts),
	}
	if vmgWeight > 0 {
		summary.AvgVMGKnots = vmgSum / vmgWeight
	}
	return summary, nil
}

// Haversine returns the great-circle distance in meters between two fixes.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := radians(lat1)
	phi2 := radians(lat2)
	dPhi := radians(lat2 - lat1)
	dLambda := radians(lon2 - lon1)

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return earthRadiusMeters * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// Bearing returns the initial great-circle bearing in degrees true
// (0..360) from the first fix toward the second.
func Bearing(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := radians(lat1)
	phi2 := radians(lat2)
	dLambda := radians(lon2 - lon1)

	y := math.Sin(dLambda) * math.Cos(phi2)
	x := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(dLambda)
	return math.Mod(degrees(math.Atan2(y, x))+360, 360)
}

// CountManeuvers counts tacks and gybes: heading swings past the maneuver
// threshold, debounced so a single messy turn counts once.
func CountManeuvers(points []record.TrackPoint) int {
	if len(points) < 3 {
		return 0
	}

	var (
		count       int
		lastHeading = Bearing(points[0].Lat, points[0].Lon, points[1].Lat, points[1].Lon)
		lastCounted time.Time
	)

	for i := 2; i < len(points); i++ {
		heading := Bearing(points[i-1].Lat, points[i-1].Lon, points[i].Lat, points[i].Lon)

		if angleDelta(heading, lastHeading) >= maneuverThresholdDegrees {
			if lastCounted.IsZero() || points[i].At.Sub(lastCounted) >= minLegDuration {
				count++
				lastCounted = points[i].At
			}
			lastHeading = heading
		}
	}
	return count
}

// angleDelta returns the absolute difference between two bearings in
// degrees, wrapped to 0..180.
func angleDelta(a, b float64) float64 {
	d := math.Mod(math.Abs(a-b), 360)
	if d > 180 {
		d = 360 - d
	}
	return d
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

func degrees(rad float64) float64 { return rad * 180 / math.Pi }
