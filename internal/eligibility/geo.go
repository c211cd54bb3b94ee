package eligibility

import (
	"math"
	"strings"
)

// EarthRadiusKm is the mean Earth radius used for great-circle distances
const EarthRadiusKm = 6371.0

// KmPerMile converts statute miles to kilometres
const KmPerMile = 1.609344

// HaversineKm returns the great-circle distance between two points in kilometres
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusKm * c
}

var jurisdictionReplacer = strings.NewReplacer(" ", "", "-", "", "_", "", ".", "")

// NormalizeJurisdiction upper-cases a country or region code and strips separators
func NormalizeJurisdiction(code string) string {
	return strings.ToUpper(jurisdictionReplacer.Replace(strings.TrimSpace(code)))
}

// SameJurisdiction compares two (country, region) pairs after normalization.
// Empty codes never match.
func SameJurisdiction(countryA, regionA, countryB, regionB string) bool {
	ca, ra := NormalizeJurisdiction(countryA), NormalizeJurisdiction(regionA)
	cb, rb := NormalizeJurisdiction(countryB), NormalizeJurisdiction(regionB)
	if ca == "" || ra == "" {
		return false
	}
	return ca == cb && ra == rb
}
