package classify

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrDuplicatePlugin reports a plugin name that is already registered.
var ErrDuplicatePlugin = errors.New("plugin already registered")

// Plugin is a named bundle of detector specs contributed at runtime.
type Plugin struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Detectors   []DetectorSpec `json:"detectors" yaml:"detectors"`
}

// PluginInfo is the listing shape returned by the plugins endpoint.
type PluginInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Detectors   int      `json:"detectors"`
	Tags        []string `json:"tags"`
	Builtin     bool     `json:"builtin"`
}

// PluginRegistry tracks registered plugins and feeds their detectors into a
// shared classifier. Registration is all-or-nothing per plugin: any invalid
// detector rejects the whole bundle before the classifier is touched.
type PluginRegistry struct {
	mu         sync.Mutex
	classifier *Classifier
	plugins    []PluginInfo
	names      map[string]struct{}
}

// NewPluginRegistry wraps classifier with a registry pre-seeded with an
// entry describing the built-in detector set.
func NewPluginRegistry(classifier *Classifier) *PluginRegistry {
	r := &PluginRegistry{
		classifier: classifier,
		names:      map[string]struct{}{"builtin": {}},
	}
	r.plugins = append(r.plugins, PluginInfo{
		Name:        "builtin",
		Description: "built-in PII and credential detectors",
		Detectors:   len(builtinSpecs),
		Tags:        specTags(builtinSpecs),
		Builtin:     true,
	})
	return r
}

// Register validates and installs a plugin's detectors.
func (r *PluginRegistry) Register(p Plugin) error {
	if p.Name == "" {
		return errors.New("plugin name is required")
	}
	if len(p.Detectors) == 0 {
		return fmt.Errorf("plugin %q declares no detectors", p.Name)
	}

	// Compile everything up front so a bad pattern cannot leave a
	// half-registered bundle behind.
	compiled := make([]detector, 0, len(p.Detectors))
	for _, spec := range p.Detectors {
		d, err := compileSpec(spec)
		if err != nil {
			return fmt.Errorf("plugin %q: %w", p.Name, err)
		}
		compiled = append(compiled, d)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.names[p.Name]; dup {
		return fmt.Errorf("%w: %q", ErrDuplicatePlugin, p.Name)
	}
	r.names[p.Name] = struct{}{}
	r.plugins = append(r.plugins, PluginInfo{
		Name:        p.Name,
		Description: p.Description,
		Detectors:   len(p.Detectors),
		Tags:        specTags(p.Detectors),
	})

	r.classifier.mu.Lock()
	r.classifier.detectors = append(r.classifier.detectors, compiled...)
	r.classifier.mu.Unlock()
	return nil
}

// List returns registered plugins in registration order, built-ins first.
func (r *PluginRegistry) List() []PluginInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PluginInfo, len(r.plugins))
	copy(out, r.plugins)
	return out
}

func specTags(specs []DetectorSpec) []string {
	seen := make(map[string]struct{}, len(specs))
	for _, s := range specs {
		seen[s.Tag] = struct{}{}
	}
	tags := make([]string, 0, len(seen))
	for t := range seen {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}
