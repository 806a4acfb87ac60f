// Package geo holds the pure math behind matching: great-circle distance,
// price floors, defensive price parsing and the composite match score.
package geo

import (
	"math"
	"strconv"
	"strings"
)

const earthRadiusKm = 6371.0

// DistanceKm returns the Haversine great-circle distance in kilometres.
func DistanceKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

// DriverMinPrice is the least a driver will take for a ride of the given
// length: per-km rate or the per-ride floor, whichever is higher.
func DriverMinPrice(pricePerKm, minPricePerRide, distanceKm float64) float64 {
	if v := pricePerKm * distanceKm; v > minPricePerRide {
		return v
	}
	return minPricePerRide
}

// ParsePrice extracts a numeric value from a free-form currency string
// ("$10.50", "20 zł"). Unparseable or empty input degrades to 0, never an
// error.
func ParsePrice(text string) float64 {
	var b strings.Builder
	for _, r := range text {
		if (r >= '0' && r <= '9') || r == '.' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return 0
	}
	v, err := strconv.ParseFloat(b.String(), 64)
	if err != nil {
		return 0
	}
	return v
}

// Score component weights. Distance and profit each contribute up to 40
// points, freshness up to 20.
const (
	distanceWeight  = 40.0
	profitCap       = 40.0
	freshnessWeight = 20.0
	freshnessCapMin = 60.0
)

// MatchScore ranks a pending ride for a driver: closer pickups, fatter
// margins and newer requests score higher. The caller has already excluded
// out-of-radius candidates; the distance clamp here is a secondary guard.
// The total is rounded to one decimal place.
func MatchScore(distanceToPickupKm, maxRadiusKm, ridePrice, driverMinPrice, rideAgeMinutes float64) float64 {
	var dist float64
	if maxRadiusKm > 0 {
		dist = distanceWeight * (1 - distanceToPickupKm/maxRadiusKm)
		if dist < 0 {
			dist = 0
		}
	}

	var profit float64
	if ridePrice > 0 {
		margin := (ridePrice - driverMinPrice) / ridePrice
		profit = margin * 100
		if profit > profitCap {
			profit = profitCap
		}
	}

	age := rideAgeMinutes
	if age > freshnessCapMin {
		age = freshnessCapMin
	}
	fresh := freshnessWeight * (1 - age/freshnessCapMin)
	if fresh < 0 {
		fresh = 0
	}

	return Round1(dist + profit + fresh)
}

func Round1(v float64) float64 { return math.Round(v*10) / 10 }

func Round2(v float64) float64 { return math.Round(v*100) / 100 }
