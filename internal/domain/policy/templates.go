package policy

import (
	"embed"
	"fmt"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed templates/*.yaml
var templateFS embed.FS

// Template is a named, shippable starting-point policy document.
type Template struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Rules       []Rule `json:"rules" yaml:"rules"`
}

var (
	templatesOnce sync.Once
	templates     map[string]Template
	templatesErr  error
)

func loadTemplates() (map[string]Template, error) {
	templatesOnce.Do(func() {
		entries, err := templateFS.ReadDir("templates")
		if err != nil {
			templatesErr = fmt.Errorf("read embedded templates: %w", err)
			return
		}
		loaded := make(map[string]Template, len(entries))
		for _, entry := range entries {
			data, err := templateFS.ReadFile("templates/" + entry.Name())
			if err != nil {
				templatesErr = fmt.Errorf("read template %s: %w", entry.Name(), err)
				return
			}
			var t Template
			if err := yaml.Unmarshal(data, &t); err != nil {
				templatesErr = fmt.Errorf("parse template %s: %w", entry.Name(), err)
				return
			}
			loaded[t.Name] = t
		}
		templates = loaded
	})
	return templates, templatesErr
}

// Templates returns every embedded template sorted by name.
func Templates() ([]Template, error) {
	loaded, err := loadTemplates()
	if err != nil {
		return nil, err
	}
	out := make([]Template, 0, len(loaded))
	for _, t := range loaded {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// TemplateByName looks up one embedded template.
func TemplateByName(name string) (Template, bool, error) {
	loaded, err := loadTemplates()
	if err != nil {
		return Template{}, false, err
	}
	t, ok := loaded[name]
	return t, ok, nil
}
