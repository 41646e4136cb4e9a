package detectors

import (
	"math"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Coordinates is a latitude/longitude pair in degrees.
type Coordinates struct {
	Latitude  float64 `json:"latitude" koanf:"latitude"`
	Longitude float64 `json:"longitude" koanf:"longitude"`
}

// DefaultRegions maps platform region names to a representative city.
func DefaultRegions() map[string]Coordinates {
	return map[string]Coordinates{
		"US-East":        {39.04, -77.49},  // Ashburn
		"US-West":        {37.77, -122.42}, // San Francisco
		"US-Central":     {41.26, -95.86},  // Council Bluffs
		"CA-Central":     {45.50, -73.57},  // Montreal
		"SA-East":        {-23.55, -46.63}, // São Paulo
		"EU-West":        {53.35, -6.26},   // Dublin
		"EU-Central":     {50.11, 8.68},    // Frankfurt
		"EU-North":       {59.33, 18.07},   // Stockholm
		"ME-Central":     {25.20, 55.27},   // Dubai
		"AF-South":       {-33.92, 18.42},  // Cape Town
		"Asia-East":      {22.32, 114.17},  // Hong Kong
		"Asia-Northeast": {35.68, 139.69},  // Tokyo
		"Asia-South":     {19.08, 72.88},   // Mumbai
		"Asia-Southeast": {1.35, 103.82},   // Singapore
		"OC-East":        {-33.87, 151.21}, // Sydney
	}
}

// RegionResolver resolves a transaction's position from explicit
// coordinates or a named region.
type RegionResolver struct {
	regions map[string]Coordinates
}

// NewRegionResolver indexes regions case-insensitively. A nil map uses DefaultRegions.
func NewRegionResolver(regions map[string]Coordinates) *RegionResolver {
	if len(regions) == 0 {
		regions = DefaultRegions()
	}
	idx := make(map[string]Coordinates, len(regions))
	for name, c := range regions {
		idx[normalizeRegion(name)] = c
	}
	return &RegionResolver{regions: idx}
}

// Resolve returns the transaction's coordinates; explicit latitude and
// longitude win over the location name.
func (r *RegionResolver) Resolve(tx *domain.Transaction) (Coordinates, bool) {
	if tx.Latitude != nil && tx.Longitude != nil {
		c := Coordinates{Latitude: *tx.Latitude, Longitude: *tx.Longitude}
		if validCoordinates(c) {
			return c, true
		}
	}
	if tx.Location == "" {
		return Coordinates{}, false
	}
	c, ok := r.regions[normalizeRegion(tx.Location)]
	return c, ok
}

func normalizeRegion(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func validCoordinates(c Coordinates) bool {
	return c.Latitude >= -90 && c.Latitude <= 90 && c.Longitude >= -180 && c.Longitude <= 180
}

// haversineDistance returns the great-circle distance in kilometers.
func haversineDistance(a, b Coordinates) float64 {
	const earthRadiusKm = 6371.0

	lat1 := a.Latitude * math.Pi / 180.0
	lat2 := b.Latitude * math.Pi / 180.0
	dLat := lat2 - lat1
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180.0

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}
