package search

import (
	"math"

	"github.com/RoaringBitmap/roaring/v2"
	"go.etcd.io/bbolt"

	"github.com/lexidb/lexid/internal/filter"
	"github.com/lexidb/lexid/internal/indexstore"
)

const earthRadiusMeters = 6371000.0

// Universe computes the candidate docid set for q (spec.md §4.5 step 1):
// the full docset intersected with the parsed filter-expression bitmap. No
// geo-radius predicate is applied here; q.GeoPoint only feeds the geo
// ranking rule. A reference to a non-filterable attribute is
// rejected by filter.Eval with meilierr.CodeInvalidDocumentFilter.
func Universe(tx *bbolt.Tx, idx *indexstore.Index, q Query) (*roaring.Bitmap, error) {
	universe, err := idx.AllDocIDs(tx)
	if err != nil {
		return nil, err
	}

	if q.Filter != "" {
		expr, err := filter.Parse(q.Filter)
		if err != nil {
			return nil, err
		}
		matched, err := filter.Eval(tx, idx, expr)
		if err != nil {
			return nil, err
		}
		universe.And(matched)
	}

	return universe, nil
}

// haversineMeters returns the great-circle distance between two points.
func haversineMeters(a, b GeoPoint) float64 {
	lat1, lat2 := a.Lat*math.Pi/180, b.Lat*math.Pi/180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return earthRadiusMeters * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}
