// Geo indexes.
//
// A {lat, long} value is stored under its geohash at GeoPrecision
// characters, with the exact coordinates kept as metadata. geo:nearby picks
// the finest precision whose cells are at least as large as the radius,
// takes the cell holding the center plus its eight neighbours and runs a
// prefix search on each, then keeps the points within the exact distance.
package quire

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"math"
	"slices"

	"github.com/mmcloughlin/geohash"
)

// GeoPrecision is the geohash length of indexed points, about a metre.
const GeoPrecision = 10

const (
	latKey  = "_lat_"
	longKey = "_long_"

	earthRadius    = 6371008.8 // mean, metres
	metresPerDeg   = earthRadius * math.Pi / 180
	distanceMargin = 1e-3 // metres
)

// Nearby is the argument of geo:nearby. A map with "lat", "long" and
// "radius" keys is accepted too.
type Nearby struct {
	Lat    float64 `json:"lat"`
	Long   float64 `json:"long"`
	Radius float64 `json:"radius"` // metres
}

// coordinates reads a {lat, long} object.
func coordinates(v any) (lat, long float64, ok bool) {
	m, isMap := v.(map[string]any)
	if !isMap {
		return 0, 0, false
	}
	lat, okLat := toFloat(m["lat"])
	long, okLong := toFloat(m["long"])
	if !okLat || !okLong || lat < -90 || lat > 90 || long < -180 || long > 180 {
		return 0, 0, false
	}
	return lat, long, true
}

func geoValues(raw any, meta map[string]any) []indexValue {
	lat, long, ok := coordinates(raw)
	if !ok {
		return nil
	}
	return []indexValue{{
		key:      geohash.EncodeWithPrecision(lat, long, GeoPrecision),
		metadata: withExtra(meta, map[string]any{latKey: lat, longKey: long}),
	}}
}

func nearbyArg(value any) (Nearby, error) {
	var n Nearby
	switch v := value.(type) {
	case Nearby:
		n = v
	case *Nearby:
		if v == nil {
			return n, fmt.Errorf("%w: geo:nearby needs a point", ErrInvalidArgument)
		}
		n = *v
	case map[string]any:
		lat, long, ok := coordinates(v)
		r, okR := toFloat(v["radius"])
		if !ok || !okR {
			return n, fmt.Errorf("%w: geo:nearby needs lat, long and radius", ErrInvalidArgument)
		}
		n = Nearby{Lat: lat, Long: long, Radius: r}
	default:
		return n, fmt.Errorf("%w: geo:nearby argument of type %T", ErrInvalidArgument, value)
	}
	if n.Lat < -90 || n.Lat > 90 || n.Long < -180 || n.Long > 180 || n.Radius < 0 || math.IsNaN(n.Radius) {
		return n, fmt.Errorf("%w: geo:nearby point out of range", ErrInvalidArgument)
	}
	return n, nil
}

// cellSize returns the smaller side of a geohash cell in metres.
func cellSize(hash string) float64 {
	b := geohash.BoundingBox(hash)
	height := (b.MaxLat - b.MinLat) * metresPerDeg
	mid := (b.MinLat + b.MaxLat) / 2 * math.Pi / 180
	width := (b.MaxLng - b.MinLng) * metresPerDeg * math.Cos(mid)
	return min(height, width)
}

// coverCells returns geohash prefixes covering the circle, or nil when the
// radius is too large for any precision and the whole index must be read.
func coverCells(n Nearby) []string {
	for p := uint(GeoPrecision); p >= 1; p-- {
		center := geohash.EncodeWithPrecision(n.Lat, n.Long, p)
		if cellSize(center) < n.Radius {
			continue
		}
		cells := append([]string{center}, geohash.Neighbors(center)...)
		slices.Sort(cells)
		return slices.Compact(cells)
	}
	return nil
}

// distance is the haversine distance between two points in metres.
func distance(lat1, long1, lat2, long2 float64) float64 {
	const rad = math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLong := (long2 - long1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLong/2)*math.Sin(dLong/2)
	return 2 * earthRadius * math.Asin(math.Min(1, math.Sqrt(a)))
}

func (ix *Index) queryGeo(ctx context.Context, value any) (*Results, error) {
	n, err := nearbyArg(value)
	if err != nil {
		return nil, err
	}
	stats := newStats("geo:nearby", n.Lat, n.Long, n.Radius)

	cells := coverCells(n)
	if cells == nil {
		cells = []string{""}
	}
	type hit struct {
		item Result
		dist float64
	}
	var hits []hit
	seen := map[string]struct{}{}
	for _, cell := range cells {
		res, err := ix.search(ctx, "like", cell+"*")
		if err != nil {
			return nil, err
		}
		stats.step(res.Stats)
		for _, item := range res.Items {
			if _, dup := seen[item.pointer]; dup {
				continue
			}
			seen[item.pointer] = struct{}{}
			lat, okLat := toFloat(item.internal[latKey])
			long, okLong := toFloat(item.internal[longKey])
			if !okLat || !okLong {
				continue
			}
			d := distance(n.Lat, n.Long, lat, long)
			if d > n.Radius+distanceMargin {
				continue
			}
			// Cached items are shared; give each result its own metadata.
			item.Metadata = maps.Clone(item.Metadata)
			if item.Metadata == nil {
				item.Metadata = map[string]any{}
			}
			item.Metadata["distance"] = d
			hits = append(hits, hit{item, d})
		}
	}
	slices.SortStableFunc(hits, func(a, b hit) int { return cmp.Compare(a.dist, b.dist) })

	out := &Results{Items: make([]Result, len(hits)), Stats: stats}
	for i, h := range hits {
		out.Items[i] = h.item
	}
	stats.stop(out.Len())
	return out, nil
}
