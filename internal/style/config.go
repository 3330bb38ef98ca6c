package style

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config represents the attribute rules applied to every city object
type Config struct {
	// Filter decides which objects are tiled
	Filter FilterConfig `yaml:"filter,omitempty"`
	// Attributes decides which attributes reach the tiles
	Attributes AttributeConfig `yaml:"attributes,omitempty"`
}

// FilterConfig defines filtering rules on attribute values
type FilterConfig struct {
	// Include specifies which attribute keys/values to include
	// If empty, all objects are included (no filtering)
	Include map[string][]string `yaml:"include,omitempty"`
	// Exclude specifies which attribute keys/values to exclude
	// Applied after include rules
	Exclude map[string][]string `yaml:"exclude,omitempty"`
	// RequireAny specifies that at least one of these attributes must be present
	RequireAny []string `yaml:"require_any,omitempty"`
}

// AttributeConfig selects and renames attributes
type AttributeConfig struct {
	// Keep lists the attributes to keep, empty keeps all
	Keep []string `yaml:"keep,omitempty"`
	// Drop lists attributes to remove, applied after Keep
	Drop []string `yaml:"drop,omitempty"`
	// Rename maps source names to output names
	Rename map[string]string `yaml:"rename,omitempty"`
}

// LoadConfig loads a style configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read style file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses a YAML style configuration
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse style YAML: %w", err)
	}
	for from, to := range cfg.Attributes.Rename {
		if to == "" {
			return nil, fmt.Errorf("rename of %q has an empty target", from)
		}
	}
	return &cfg, nil
}

// DefaultConfig returns a configuration that includes everything
func DefaultConfig() *Config {
	return &Config{}
}

// Filter checks if attributes match the filter configuration
type Filter struct {
	cfg *FilterConfig
}

// NewFilter creates a filter from configuration
func NewFilter(cfg *FilterConfig) *Filter {
	if cfg == nil {
		return &Filter{cfg: &FilterConfig{}}
	}
	return &Filter{cfg: cfg}
}

// Match checks if the given attributes match the filter rules.
// Returns true if the object should be tiled.
func (f *Filter) Match(props map[string]any) bool {
	if f.cfg == nil {
		return true
	}

	// Check require_any - at least one attribute must be present
	if len(f.cfg.RequireAny) > 0 {
		found := false
		for _, key := range f.cfg.RequireAny {
			if v, ok := props[key]; ok && v != nil {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(f.cfg.Include) > 0 {
		matched := false
		for key, values := range f.cfg.Include {
			if matchValue(props, key, values) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	for key, values := range f.cfg.Exclude {
		if matchValue(props, key, values) {
			return false
		}
	}

	return true
}

// matchValue reports whether props has key with one of values.
// An empty list or "*" matches any value.
func matchValue(props map[string]any, key string, values []string) bool {
	v, ok := props[key]
	if !ok || v == nil {
		return false
	}
	if len(values) == 0 {
		return true
	}
	s, ok := ValueString(v)
	for _, want := range values {
		if want == "*" || (ok && want == s) {
			return true
		}
	}
	return false
}

// ValueString renders a scalar attribute the way it is written in YAML rules.
// Lists and objects do not match any value.
func ValueString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), true
	case int:
		return strconv.Itoa(x), true
	case int32:
		return strconv.FormatInt(int64(x), 10), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case bool:
		return strconv.FormatBool(x), true
	default:
		return "", false
	}
}

// HasFilter returns true if filtering is enabled
func (f *Filter) HasFilter() bool {
	if f.cfg == nil {
		return false
	}
	return len(f.cfg.Include) > 0 || len(f.cfg.Exclude) > 0 || len(f.cfg.RequireAny) > 0
}
