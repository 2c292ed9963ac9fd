// Package geo provides the location lookups used by the IP and coordinate
// checks. Both are interfaces so a study can plug in its own provider; the
// package ships a CIDR prefix table and a country boundary set read from a
// shapefile or GeoJSON.
package geo

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a lookup has no answer.
var ErrNotFound = errors.New("location not found")

// Location is a resolved network location.
type Location struct {
	Country string
	State   string
	City    string
}

// Level selects one field of a Location.
type Level string

const (
	LevelCountry Level = "country"
	LevelState   Level = "state"
	LevelCity    Level = "city"
)

// Levels lists the accepted region levels.
var Levels = []string{string(LevelCountry), string(LevelState), string(LevelCity)}

// Field returns the Location field for a level, or "" for an unknown level.
func (l Location) Field(level Level) string {
	switch level {
	case LevelCountry:
		return l.Country
	case LevelState:
		return l.State
	case LevelCity:
		return l.City
	}
	return ""
}

// IPLocator resolves an IP address to a location.
type IPLocator interface {
	LocateIP(ctx context.Context, ip string) (Location, error)
}

// CountryResolver resolves a coordinate to a country name.
type CountryResolver interface {
	CountryAt(ctx context.Context, lat, lon float64) (string, error)
}
