package geo

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// DefaultPriority lists countries checked first because most respondents
// come from them.
var DefaultPriority = []string{"United States of America", "China", "India"}

// Country is one boundary feature.
type Country struct {
	Name  string
	ISO3  string
	Shape orb.MultiPolygon
	bound orb.Bound
}

func newCountry(name, iso3 string, shape orb.MultiPolygon) *Country {
	return &Country{Name: name, ISO3: iso3, Shape: shape, bound: shape.Bound()}
}

// Contains reports whether the coordinate lies inside the country. Points on
// the border count as inside.
func (c *Country) Contains(lat, lon float64) bool {
	p := orb.Point{lon, lat}
	return c.bound.Contains(p) && planar.MultiPolygonContains(c.Shape, p)
}

// Boundaries is a CountryResolver over country polygons.
type Boundaries struct {
	countries []*Country
}

// Countries returns the features in search order.
func (b *Boundaries) Countries() []*Country { return b.countries }

// CountryAt implements CountryResolver.
func (b *Boundaries) CountryAt(_ context.Context, lat, lon float64) (string, error) {
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return "", ErrNotFound
	}
	for _, c := range b.countries {
		if c.Contains(lat, lon) {
			return c.Name, nil
		}
	}
	return "", ErrNotFound
}

func (b *Boundaries) prioritize(priority []string) {
	rank := make(map[string]int, len(priority))
	for i, name := range priority {
		rank[name] = i
	}
	sort.SliceStable(b.countries, func(i, j int) bool {
		ri, iok := rank[b.countries[i].Name]
		rj, jok := rank[b.countries[j].Name]
		switch {
		case iok && jok:
			return ri < rj
		case iok:
			return true
		}
		return false
	})
}

var (
	nameKeys = []string{"name", "NAME", "ADMIN", "admin", "name_long"}
	iso3Keys = []string{"iso3", "ISO3", "ISO_A3", "iso_a3", "ADM0_A3"}
)

// ReadBoundaries parses a GeoJSON FeatureCollection of Polygon and
// MultiPolygon features. priority names are searched first in that order.
func ReadBoundaries(r io.Reader, priority []string) (*Boundaries, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read GeoJSON: %w", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("decode GeoJSON: %w", err)
	}

	b := &Boundaries{}
	for i, f := range fc.Features {
		if f == nil || f.Geometry == nil {
			continue
		}
		name := property(f.Properties, nameKeys)
		if name == "" {
			return nil, fmt.Errorf("feature %d has no name property", i)
		}
		var shape orb.MultiPolygon
		switch g := f.Geometry.(type) {
		case orb.Polygon:
			shape = orb.MultiPolygon{g}
		case orb.MultiPolygon:
			shape = g
		default:
			return nil, fmt.Errorf("feature %d (%s): unsupported geometry type %q", i, name, g.GeoJSONType())
		}
		b.countries = append(b.countries, newCountry(name, property(f.Properties, iso3Keys), nonEmpty(shape)))
	}
	b.prioritize(priority)
	return b, nil
}

// ReadShapefile reads a polygon shapefile and the name and ISO3 attributes
// of its .dbf sidecar.
func ReadShapefile(path string, priority []string) (*Boundaries, error) {
	r, err := shp.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open shapefile: %w", err)
	}
	defer func() { _ = r.Close() }()

	fields := r.Fields()
	nameField, isoField := fieldIndex(fields, nameKeys), fieldIndex(fields, iso3Keys)
	if nameField < 0 {
		return nil, fmt.Errorf("shapefile %s has no name attribute", path)
	}

	b := &Boundaries{}
	for r.Next() {
		n, shape := r.Shape()
		var parts []int32
		var points []shp.Point
		switch s := shape.(type) {
		case *shp.Polygon:
			parts, points = s.Parts, s.Points
		case *shp.PolygonZ:
			parts, points = s.Parts, s.Points
		case *shp.PolygonM:
			parts, points = s.Parts, s.Points
		case *shp.Null:
			continue
		default:
			return nil, fmt.Errorf("shape %d: unsupported shape type %T", n, shape)
		}
		name := r.ReadAttribute(n, nameField)
		if name == "" {
			return nil, fmt.Errorf("shape %d has no name", n)
		}
		var iso3 string
		if isoField >= 0 {
			iso3 = r.ReadAttribute(n, isoField)
		}
		b.countries = append(b.countries, newCountry(name, iso3, ringsToPolygons(parts, points)))
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("read shapefile: %w", err)
	}
	b.prioritize(priority)
	return b, nil
}

// LoadBoundaries reads a .shp shapefile or a GeoJSON file with
// DefaultPriority.
func LoadBoundaries(path string) (*Boundaries, error) {
	if strings.EqualFold(filepath.Ext(path), ".shp") {
		return ReadShapefile(path, DefaultPriority)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open boundaries: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ReadBoundaries(f, DefaultPriority)
}

// ringsToPolygons splits shapefile parts into polygons. Clockwise rings are
// outer boundaries and counter-clockwise rings are holes of the preceding
// outer ring.
func ringsToPolygons(parts []int32, points []shp.Point) orb.MultiPolygon {
	var mp orb.MultiPolygon
	for i, start := range parts {
		end := int32(len(points))
		if i+1 < len(parts) {
			end = parts[i+1]
		}
		if start < 0 || start >= end || int(end) > len(points) {
			continue
		}
		ring := make(orb.Ring, 0, end-start)
		for _, p := range points[start:end] {
			ring = append(ring, orb.Point{p.X, p.Y})
		}
		if ring.Orientation() == orb.CCW && len(mp) > 0 {
			mp[len(mp)-1] = append(mp[len(mp)-1], ring)
			continue
		}
		mp = append(mp, orb.Polygon{ring})
	}
	return mp
}

// nonEmpty drops polygons without an outer ring.
func nonEmpty(mp orb.MultiPolygon) orb.MultiPolygon {
	out := mp[:0:0]
	for _, p := range mp {
		if len(p) > 0 && len(p[0]) > 0 {
			out = append(out, p)
		}
	}
	return out
}

func property(props geojson.Properties, keys []string) string {
	for _, k := range keys {
		if s, ok := props[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func fieldIndex(fields []shp.Field, keys []string) int {
	for _, k := range keys {
		for i, f := range fields {
			if f.String() == k {
				return i
			}
		}
	}
	return -1
}
