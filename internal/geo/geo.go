// Package geo resolves vendor country names to codes and measures distances
// between tap locations.
package geo

import (
	"math"
	"strings"
)

// EarthRadiusKm is the mean Earth radius used for great-circle distances.
const EarthRadiusKm = 6371.0

// countryCodes maps the country names vendors are registered with to codes.
// Keys are upper-cased.
var countryCodes = map[string]string{
	"UNITED ARAB EMIRATES": "AE",
	"UAE":                  "AE",
	"SAUDI ARABIA":         "SA",
	"KSA":                  "SA",
	"QATAR":                "QA",
	"KUWAIT":               "KW",
	"BAHRAIN":              "BH",
	"OMAN":                 "OM",
	"EGYPT":                "EG",
	"JORDAN":               "JO",
	"LEBANON":              "LB",

	"INDIA":     "IN",
	"PAKISTAN":  "PK",
	"SINGAPORE": "SG",

	"UNITED KINGDOM": "GB",
	"UK":             "GB",
	"GREAT BRITAIN":  "GB",
	"FRANCE":         "FR",
	"GERMANY":        "DE",
	"SPAIN":          "ES",
	"ITALY":          "IT",
	"TURKEY":         "TR",

	"UNITED STATES OF AMERICA": "US",
	"UNITED STATES":            "US",
	"USA":                      "US",
}

// CountryCode resolves a country name to a two-letter code.
// Two-letter inputs are taken as codes already. Unknown names fall back to
// their first two letters upper-cased, so "Narnia" becomes "NA".
func CountryCode(name string) string {
	n := strings.ToUpper(strings.TrimSpace(name))
	if n == "" {
		return ""
	}
	if code, ok := countryCodes[n]; ok {
		return code
	}
	letters := []rune(n)
	if len(letters) <= 2 {
		return n
	}
	return string(letters[:2])
}

// SameCountry compares two country names or codes after resolution.
func SameCountry(a, b string) bool {
	return CountryCode(a) == CountryCode(b)
}

// HaversineKm returns the great-circle distance between two points in kilometres.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	a = math.Min(1, math.Max(0, a))
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}
