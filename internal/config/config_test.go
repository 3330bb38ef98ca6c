package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wegman-software/citytiles-go/internal/tileid"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.InputFile = "buildings.geojson"
	return cfg
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
	if cfg.MinZoom != 7 || cfg.MaxZoom != 16 {
		t.Errorf("zoom range = %d..%d, want 7..16", cfg.MinZoom, cfg.MaxZoom)
	}
	if cfg.SortMemoryLimit != 200*1024*1024 {
		t.Errorf("SortMemoryLimit = %d, want 200 MiB", cfg.SortMemoryLimit)
	}
	if cfg.Method() != tileid.Hilbert {
		t.Errorf("Method() = %v, want hilbert", cfg.Method())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"no input", func(c *Config) { c.InputFile = "" }},
		{"inverted zoom", func(c *Config) { c.MinZoom, c.MaxZoom = 10, 9 }},
		{"zoom too deep", func(c *Config) { c.MaxZoom = 31 }},
		{"detail too fine", func(c *Config) { c.MaxDetail = 14 }},
		{"negative buffer", func(c *Config) { c.BufferPixels = -1 }},
		{"unknown tile id", func(c *Config) { c.TileIDMethod = "rowmajor" }},
		{"tiny sort memory", func(c *Config) { c.SortMemoryLimit = 10 }},
		{"no sort threads", func(c *Config) { c.SortThreads = 0 }},
		{"no workers", func(c *Config) { c.Workers = 0 }},
		{"no channel buffer", func(c *Config) { c.ChannelBuffer = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestValidateAcceptsPostGISInput(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PostGISTable = "buildings"
	cfg.TempDir = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
	if cfg.TempDir != "." {
		t.Errorf("TempDir = %q, want current directory", cfg.TempDir)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiles.yaml")
	content := `
input: plateau.geojson
min_zoom: 10
max_zoom: 14
tile_id: zorder
sort_memory_limit: 1048576
metrics_interval: 5s
bbox: "139.0,35.0,140.0,36.0"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	if err := cfg.LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.InputFile != "plateau.geojson" {
		t.Errorf("InputFile = %q", cfg.InputFile)
	}
	if cfg.MinZoom != 10 || cfg.MaxZoom != 14 {
		t.Errorf("zoom range = %d..%d, want 10..14", cfg.MinZoom, cfg.MaxZoom)
	}
	if cfg.Method() != tileid.ZOrder {
		t.Errorf("Method() = %v, want zorder", cfg.Method())
	}
	if cfg.SortMemoryLimit != 1<<20 {
		t.Errorf("SortMemoryLimit = %d", cfg.SortMemoryLimit)
	}
	if cfg.MetricsInterval != 5*time.Second {
		t.Errorf("MetricsInterval = %v", cfg.MetricsInterval)
	}
	if cfg.MaxDetail != 12 {
		t.Errorf("MaxDetail = %d, want default kept", cfg.MaxDetail)
	}
	if !cfg.BBox.IsSet || !cfg.BBox.Contains(35.5, 139.5) || cfg.BBox.Contains(34.0, 139.5) {
		t.Errorf("BBox = %+v", cfg.BBox)
	}
}

func TestParseBBox(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
		wantSet bool
	}{
		{"", false, false},
		{"139.0,35.0,140.0,36.0", false, true},
		{"1,2,3", true, false},
		{"140,35,139,36", true, false},
		{"a,b,c,d", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			b, err := ParseBBox(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseBBox(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err == nil && b.IsSet != tt.wantSet {
				t.Errorf("IsSet = %v, want %v", b.IsSet, tt.wantSet)
			}
		})
	}
}

func TestBBoxIntersects(t *testing.T) {
	b, _ := ParseBBox("0,0,10,10")
	if !b.Intersects(5, 5, 20, 20) {
		t.Error("overlapping box should intersect")
	}
	if b.Intersects(11, 11, 20, 20) {
		t.Error("disjoint box should not intersect")
	}
	var unset *BBox
	if !unset.Intersects(100, 100, 101, 101) {
		t.Error("nil bbox should accept everything")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("PGHOST", "db.internal")
	t.Setenv("PGPORT", "6432")
	t.Setenv("PGDATABASE", "city")
	t.Setenv("PGUSER", "tiler")
	t.Setenv("PGPASSWORD", "secret")

	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}
	if cfg.DBHost != "db.internal" || cfg.DBPort != 6432 || cfg.DBName != "city" ||
		cfg.DBUser != "tiler" || cfg.DBPassword != "secret" {
		t.Errorf("unexpected database settings: %+v", cfg)
	}

	t.Setenv("PGPORT", "five")
	if err := cfg.ApplyEnv(); err == nil {
		t.Error("expected error for invalid PGPORT")
	}
}
