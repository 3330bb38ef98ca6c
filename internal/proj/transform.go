package proj

import (
	"fmt"
	"math"
	"strings"
)

// SRID constants for supported input projections
const (
	SRID4326 = 4326 // WGS84 (lat/lon)
	SRID3857 = 3857 // Web Mercator
)

// Web Mercator constants
const (
	// Semi-major axis of WGS84 ellipsoid in meters
	earthRadius = 6378137.0
	// Maximum extent of Web Mercator
	maxExtent = 20037508.342789244
	// Latitude where Web Mercator becomes square
	MaxLatitude = 85.05112877980659
)

// Transformer converts source coordinates to normalized Web Mercator:
// x and y in [0,1], x growing east and y growing north
type Transformer struct {
	SourceSRID int
}

// NewTransformer creates a transformer for the given source SRID
func NewTransformer(sourceSRID int) (*Transformer, error) {
	if sourceSRID != SRID4326 && sourceSRID != SRID3857 {
		return nil, fmt.Errorf("unsupported source SRID: %d (only 4326 and 3857 supported)", sourceSRID)
	}
	return &Transformer{SourceSRID: sourceSRID}, nil
}

// Normalize converts a source coordinate to normalized Web Mercator
func (t *Transformer) Normalize(x, y float64) (nx, ny float64) {
	if t.SourceSRID == SRID4326 {
		x, y = LonLatToWebMercator(x, y)
	}
	return (x + maxExtent) / (2 * maxExtent), (y + maxExtent) / (2 * maxExtent)
}

// NormalizeCoords transforms x/y of 3D coordinates in place; z is kept
func (t *Transformer) NormalizeCoords(coords [][3]float64) {
	for i := range coords {
		coords[i][0], coords[i][1] = t.Normalize(coords[i][0], coords[i][1])
	}
}

// LonLatToWebMercator converts WGS84 (lon, lat) to Web Mercator (x, y)
func LonLatToWebMercator(lon, lat float64) (x, y float64) {
	// Clamp latitude to avoid infinity at poles
	if lat > MaxLatitude {
		lat = MaxLatitude
	} else if lat < -MaxLatitude {
		lat = -MaxLatitude
	}

	x = lon * maxExtent / 180.0

	// y = R * ln(tan(π/4 + φ/2))
	latRad := lat * math.Pi / 180.0
	y = math.Log(math.Tan(math.Pi/4.0+latRad/2.0)) * earthRadius

	return x, y
}

// ParseSRID parses a projection string to SRID
// Accepts: "4326", "3857", "EPSG:4326", "EPSG:3857"
func ParseSRID(s string) (int, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "4326", "EPSG:4326":
		return SRID4326, nil
	case "3857", "EPSG:3857":
		return SRID3857, nil
	default:
		return 0, fmt.Errorf("unsupported projection: %s (supported: 4326, 3857)", s)
	}
}
