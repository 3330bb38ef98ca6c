package style

import (
	"github.com/wegman-software/citytiles-go/internal/pipeline"
)

var _ pipeline.PropertyProcessor = (*Processor)(nil)

// Processor applies a Config to the attributes of each object.
// It holds no per-object state and may be shared by all slicing workers.
type Processor struct {
	filter *Filter
	keep   map[string]bool
	drop   map[string]bool
	rename map[string]string
}

// NewProcessor builds a processor from cfg
func NewProcessor(cfg *Config) *Processor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	p := &Processor{
		filter: NewFilter(&cfg.Filter),
		rename: cfg.Attributes.Rename,
	}
	if len(cfg.Attributes.Keep) > 0 {
		p.keep = toSet(cfg.Attributes.Keep)
	}
	if len(cfg.Attributes.Drop) > 0 {
		p.drop = toSet(cfg.Attributes.Drop)
	}
	return p
}

// Factory returns a pipeline.ProcessorFactory handing out one shared processor
func (p *Processor) Factory() pipeline.ProcessorFactory {
	return func() (pipeline.PropertyProcessor, error) {
		return p, nil
	}
}

// Process filters the object and returns a new attribute map.
// The input map is not modified.
func (p *Processor) Process(id string, props map[string]any) (map[string]any, bool, error) {
	if !p.filter.Match(props) {
		return nil, false, nil
	}
	if p.keep == nil && p.drop == nil && len(p.rename) == 0 {
		return props, true, nil
	}

	out := make(map[string]any, len(props))
	var renamed map[string]any
	for k, v := range props {
		if p.keep != nil && !p.keep[k] {
			continue
		}
		if p.drop[k] {
			continue
		}
		if to, ok := p.rename[k]; ok {
			if renamed == nil {
				renamed = make(map[string]any, len(p.rename))
			}
			renamed[to] = v
			continue
		}
		out[k] = v
	}
	// Renamed attributes replace existing ones of the same name
	for k, v := range renamed {
		out[k] = v
	}
	return out, true, nil
}

// Close is a no-op
func (p *Processor) Close() {}

func toSet(keys []string) map[string]bool {
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	return set
}
