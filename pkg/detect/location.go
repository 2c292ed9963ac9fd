package detect

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/surveyscreen/pkg/dataset"
	"github.com/Mindburn-Labs/surveyscreen/pkg/geo"
)

// Helper columns written by the location methods.
const (
	IPLocationColumn      = "IPLocation"
	LatLongLocationColumn = "LatLongLocation"
)

// ErrNoLocator is returned when a location method runs without its collaborator.
var ErrNoLocator = errors.New("no location provider configured")

// IPLocation resolves each IP to a region, stores it in IPLocation, and
// flags rows outside target_region. Unresolved rows are flagged only when
// flag_missing is set.
type IPLocation struct {
	Locator geo.IPLocator
}

func (IPLocation) Name() string { return "IPLocation" }

func (m IPLocation) Schema() string { return schemaFor(m.Name()) }

func (m IPLocation) Apply(ctx context.Context, t *dataset.Table, flag string, p Params) error {
	level, err := p.StringOr("region_level", string(geo.LevelCountry))
	if err != nil {
		return err
	}
	if err := checkOption(m.Name(), "region_level", level, geo.Levels); err != nil {
		return err
	}
	column, err := p.String("column_ip")
	if err != nil {
		return err
	}
	target, err := p.String("target_region")
	if err != nil {
		return err
	}
	flagMissing, err := p.Bool("flag_missing")
	if err != nil {
		return err
	}
	ips, err := t.MustColumn(column)
	if err != nil {
		return err
	}
	if m.Locator == nil {
		return fmt.Errorf("%s: %w", m.Name(), ErrNoLocator)
	}

	cache := make(map[string]any)
	locations := make([]any, len(ips))
	for i, v := range ips {
		ip, ok := dataset.AsString(v)
		if !ok || ip == "" {
			continue
		}
		if loc, hit := cache[ip]; hit {
			locations[i] = loc
			continue
		}
		var region any
		if loc, err := m.Locator.LocateIP(ctx, ip); err == nil {
			if field := loc.Field(geo.Level(level)); field != "" {
				region = field
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		}
		cache[ip] = region
		locations[i] = region
	}

	if err := t.SetColumn(IPLocationColumn, locations); err != nil {
		return err
	}
	return t.SetBools(flag, outsideTarget(locations, target, flagMissing))
}

// LatLongLocation resolves each coordinate to a country, stores it in
// LatLongLocation, and flags rows outside target_country.
type LatLongLocation struct {
	Resolver geo.CountryResolver
}

func (LatLongLocation) Name() string { return "LatLongLocation" }

func (m LatLongLocation) Schema() string { return schemaFor(m.Name()) }

func (m LatLongLocation) Apply(ctx context.Context, t *dataset.Table, flag string, p Params) error {
	latCol, err := p.String("column_latitude")
	if err != nil {
		return err
	}
	lonCol, err := p.String("column_longitude")
	if err != nil {
		return err
	}
	target, err := p.String("target_country")
	if err != nil {
		return err
	}
	flagMissing, err := p.Bool("flag_missing")
	if err != nil {
		return err
	}
	if err := requireColumns(t, latCol, lonCol); err != nil {
		return err
	}
	if m.Resolver == nil {
		return fmt.Errorf("%s: %w", m.Name(), ErrNoLocator)
	}

	locations := make([]any, t.Len())
	for i := range locations {
		lat, okLat := dataset.AsFloat(t.Value(i, latCol))
		lon, okLon := dataset.AsFloat(t.Value(i, lonCol))
		if !okLat || !okLon {
			continue
		}
		country, err := m.Resolver.CountryAt(ctx, lat, lon)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		locations[i] = country
	}

	if err := t.SetColumn(LatLongLocationColumn, locations); err != nil {
		return err
	}
	return t.SetBools(flag, outsideTarget(locations, target, flagMissing))
}

func outsideTarget(locations []any, target string, flagMissing bool) []bool {
	out := make([]bool, len(locations))
	for i, loc := range locations {
		if loc == nil {
			out[i] = flagMissing
			continue
		}
		out[i] = loc != target
	}
	return out
}
