package dmeserver

import (
	"math"

	"github.com/ChuLiYu/edge-session/pkg/types"
)

const earthRadiusKm = 6371.0

// distanceKm returns the great-circle distance between two locations.
func distanceKm(a, b types.Location) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

// latencyStats summarises samples in milliseconds.
func latencyStats(values []float64) (min, avg, max, stddev, variance float64) {
	if len(values) == 0 {
		return 0, 0, 0, 0, 0
	}
	min, max = values[0], values[0]
	var sum float64
	for _, v := range values {
		sum += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	avg = sum / float64(len(values))
	if len(values) > 1 {
		var sq float64
		for _, v := range values {
			sq += (v - avg) * (v - avg)
		}
		variance = sq / float64(len(values)-1)
		stddev = math.Sqrt(variance)
	}
	return min, avg, max, stddev, variance
}
