package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wegman-software/citytiles-go/internal/tileid"
)

// BBox represents a geographic bounding box
type BBox struct {
	MinLon, MinLat, MaxLon, MaxLat float64
	IsSet                          bool
}

// Contains checks if a point is within the bounding box
func (b *BBox) Contains(lat, lon float64) bool {
	if b == nil || !b.IsSet {
		return true
	}
	return lon >= b.MinLon && lon <= b.MaxLon && lat >= b.MinLat && lat <= b.MaxLat
}

// Intersects checks if the box [minLon,minLat,maxLon,maxLat] overlaps the bounding box
func (b *BBox) Intersects(minLon, minLat, maxLon, maxLat float64) bool {
	if b == nil || !b.IsSet {
		return true
	}
	return minLon <= b.MaxLon && maxLon >= b.MinLon && minLat <= b.MaxLat && maxLat >= b.MinLat
}

// ParseBBox parses a bbox string in format "minlon,minlat,maxlon,maxlat"
func ParseBBox(s string) (*BBox, error) {
	if s == "" {
		return &BBox{IsSet: false}, nil
	}

	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("bbox must have 4 values: minlon,minlat,maxlon,maxlat")
	}

	var coords [4]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid bbox coordinate %q: %w", p, err)
		}
		coords[i] = v
	}

	bbox := &BBox{
		MinLon: coords[0],
		MinLat: coords[1],
		MaxLon: coords[2],
		MaxLat: coords[3],
		IsSet:  true,
	}

	if bbox.MinLon > bbox.MaxLon {
		return nil, fmt.Errorf("minlon (%f) must be <= maxlon (%f)", bbox.MinLon, bbox.MaxLon)
	}
	if bbox.MinLat > bbox.MaxLat {
		return nil, fmt.Errorf("minlat (%f) must be <= maxlat (%f)", bbox.MinLat, bbox.MaxLat)
	}

	return bbox, nil
}

// MaxDetailLimit keeps buffered tile-local coordinates inside int16
const MaxDetailLimit = 13

// Config holds the configuration of a tiling run
type Config struct {
	// Input settings
	InputFile string `yaml:"input"`
	BBox      *BBox  `yaml:"-"` // Geographic bounding box filter
	BBoxSpec  string `yaml:"bbox"`

	// PostGIS input (used when PostGISTable is set)
	DBHost       string `yaml:"db_host"`
	DBPort       int    `yaml:"db_port"`
	DBName       string `yaml:"db_name"`
	DBUser       string `yaml:"db_user"`
	DBPassword   string `yaml:"db_password"`
	DBSchema     string `yaml:"db_schema"`
	PostGISTable string `yaml:"postgis_table"`
	GeomColumn   string `yaml:"geom_column"`
	IDColumn     string `yaml:"id_column"`

	// Output settings
	OutputDir    string `yaml:"output"`
	LayerName    string `yaml:"layer"`
	Gzip         bool   `yaml:"gzip"`
	ManifestFile string `yaml:"manifest"` // Parquet tile manifest (empty = none)
	StyleFile    string `yaml:"style"`    // YAML filter or Lua script

	// Expire list of the written tiles (empty = none)
	ExpireOutput  string `yaml:"expire_output"`
	ExpireMinZoom int    `yaml:"expire_min_zoom"`
	ExpireMaxZoom int    `yaml:"expire_max_zoom"`

	// Tiling settings
	MinZoom      int    `yaml:"min_zoom"`
	MaxZoom      int    `yaml:"max_zoom"`
	MaxDetail    int    `yaml:"max_detail"`    // Tile extent is 2^MaxDetail
	BufferPixels int    `yaml:"buffer_pixels"` // In 256-pixel tile units
	TileIDMethod string `yaml:"tile_id"`

	// External sort settings
	SortMemoryLimit int64  `yaml:"sort_memory_limit"` // Bytes
	SortThreads     int    `yaml:"sort_threads"`
	TempDir         string `yaml:"temp_dir"`

	// Processing settings
	Workers        int  `yaml:"workers"`
	ChannelBuffer  int  `yaml:"channel_buffer"`
	StrictGeometry bool `yaml:"strict_geometry"` // Fail the run on curve/point geometry

	// Logging and metrics
	Verbose         bool          `yaml:"verbose"`
	LogFile         string        `yaml:"log_file"`
	MetricsInterval time.Duration `yaml:"metrics_interval"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		BBox:            &BBox{},
		DBHost:          "localhost",
		DBPort:          5432,
		DBName:          "citygml",
		DBUser:          "postgres",
		DBSchema:        "public",
		GeomColumn:      "geom",
		IDColumn:        "id",
		OutputDir:       "./tiles",
		LayerName:       "buildings",
		ExpireMaxZoom:   tileid.MaxZoom,
		MinZoom:         7,
		MaxZoom:         16,
		MaxDetail:       12,
		BufferPixels:    5,
		TileIDMethod:    "hilbert",
		SortMemoryLimit: 200 * 1024 * 1024,
		SortThreads:     8,
		TempDir:         ".",
		Workers:         runtime.NumCPU(),
		ChannelBuffer:   2000,
		MetricsInterval: 30 * time.Second,
	}
}

// LoadFile overlays the settings of a YAML file onto c
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	if c.BBoxSpec != "" {
		bbox, err := ParseBBox(c.BBoxSpec)
		if err != nil {
			return err
		}
		c.BBox = bbox
	}
	return nil
}

// ApplyEnv overrides the database settings with the libpq environment
// variables PGHOST, PGPORT, PGDATABASE, PGUSER and PGPASSWORD when set
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("PGHOST"); v != "" {
		c.DBHost = v
	}
	if v := os.Getenv("PGPORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PGPORT %q: %w", v, err)
		}
		c.DBPort = port
	}
	if v := os.Getenv("PGDATABASE"); v != "" {
		c.DBName = v
	}
	if v := os.Getenv("PGUSER"); v != "" {
		c.DBUser = v
	}
	if v := os.Getenv("PGPASSWORD"); v != "" {
		c.DBPassword = v
	}
	return nil
}

// ConnectionString returns a PostgreSQL connection string
func (c *Config) ConnectionString() string {
	connStr := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBName, c.DBUser,
	)
	if c.DBPassword != "" {
		connStr += fmt.Sprintf(" password=%s", c.DBPassword)
	}
	return connStr
}

// Method returns the configured tile id method
func (c *Config) Method() tileid.Method {
	m, err := tileid.ParseMethod(c.TileIDMethod)
	if err != nil {
		return tileid.Hilbert
	}
	return m
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.InputFile == "" && c.PostGISTable == "" {
		return fmt.Errorf("input file or PostGIS table is required")
	}
	if c.MinZoom < 0 || c.MaxZoom > tileid.MaxZoom {
		return fmt.Errorf("zoom levels must be within 0..%d", tileid.MaxZoom)
	}
	if c.MaxZoom < c.MinZoom {
		return fmt.Errorf("max zoom (%d) must be >= min zoom (%d)", c.MaxZoom, c.MinZoom)
	}
	if c.MaxDetail < 1 || c.MaxDetail > MaxDetailLimit {
		return fmt.Errorf("max detail must be within 1..%d", MaxDetailLimit)
	}
	if c.BufferPixels < 0 || c.BufferPixels > 128 {
		return fmt.Errorf("buffer pixels must be within 0..128")
	}
	if c.ExpireOutput != "" && (c.ExpireMinZoom < 0 || c.ExpireMaxZoom < c.ExpireMinZoom) {
		return fmt.Errorf("invalid expire zoom range %d..%d", c.ExpireMinZoom, c.ExpireMaxZoom)
	}
	if _, err := tileid.ParseMethod(c.TileIDMethod); err != nil {
		return err
	}
	if c.SortMemoryLimit < 1024 {
		return fmt.Errorf("sort memory limit must be at least 1 KB")
	}
	if c.SortThreads < 1 {
		return fmt.Errorf("sort threads must be at least 1")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if c.ChannelBuffer < 1 {
		return fmt.Errorf("channel buffer must be at least 1")
	}
	if c.TempDir == "" {
		c.TempDir = "."
	}
	return nil
}
