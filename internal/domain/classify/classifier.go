// Package classify implements the regex pattern classifier that maps raw
// text to tagged detections. Detectors are (name, tag, pattern) triples; the
// built-in set covers common PII and credential shapes and is extensible by
// user config and registered plugins.
package classify

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/safeai-dev/safeai/internal/domain/tag"
)

var (
	// ErrInvalidPattern reports a detector pattern that does not compile.
	// Pattern errors are configuration errors and fail loading outright.
	ErrInvalidPattern = errors.New("invalid detector pattern")

	// ErrInvalidTag reports a detector tag that is not a well-formed
	// lowercase dotted tag.
	ErrInvalidTag = errors.New("invalid detector tag")
)

// Detection is one classifier hit: the detector that fired, the data tag it
// assigns, the half-open [start, end) byte span, and the matched value.
type Detection struct {
	Detector string `json:"detector"`
	Tag      string `json:"tag"`
	Start    int    `json:"start"`
	End      int    `json:"end"`
	Value    string `json:"value"`
}

// DetectorSpec declares one detector before compilation. Patterns are
// compiled case-insensitively.
type DetectorSpec struct {
	Name    string `json:"name" yaml:"name"`
	Tag     string `json:"tag" yaml:"tag"`
	Pattern string `json:"pattern" yaml:"pattern"`
}

type detector struct {
	name string
	tag  string
	re   *regexp.Regexp
}

// builtinSpecs is the fixed detector set every classifier starts from.
// Order matters only for stable output; spans may overlap and consumers
// union the tags.
var builtinSpecs = []DetectorSpec{
	{Name: "email", Tag: "personal.pii", Pattern: `[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`},
	{Name: "phone", Tag: "personal.pii", Pattern: `(?:\+?1[\s.\-]?)?\(?\d{3}\)?[\s.\-]?\d{3}[\s.\-]?\d{4}\b`},
	{Name: "ssn", Tag: "personal.pii.ssn", Pattern: `\b\d{3}-\d{2}-\d{4}\b`},
	{Name: "credit_card", Tag: "personal.financial", Pattern: `\b(?:\d{4}[ \-]?){3}\d{4}\b`},
	{Name: "openai_api_key", Tag: "secret.credential", Pattern: `\bsk-[A-Za-z0-9_\-]{16,}\b`},
	{Name: "aws_access_key", Tag: "secret.credential", Pattern: `\bAKIA[0-9A-Z]{16}\b`},
	{Name: "generic_credential", Tag: "secret.credential", Pattern: `(?:token|api_key|secret)\s*[:=]\s*\S+`},
}

// Classifier runs an ordered detector list over text. Safe for concurrent
// use; Add serializes against Classify.
type Classifier struct {
	mu        sync.RWMutex
	detectors []detector
}

// New builds a classifier seeded with the built-in detectors plus any extra
// user-supplied specs. Extra specs that fail to compile abort construction.
func New(extra ...DetectorSpec) (*Classifier, error) {
	c := &Classifier{detectors: make([]detector, 0, len(builtinSpecs)+len(extra))}
	for _, spec := range builtinSpecs {
		if err := c.Add(spec); err != nil {
			// Built-ins are static and known-good.
			panic(fmt.Sprintf("builtin detector %q: %v", spec.Name, err))
		}
	}
	for _, spec := range extra {
		if err := c.Add(spec); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// compileSpec validates and compiles one detector spec.
func compileSpec(spec DetectorSpec) (detector, error) {
	normalized := tag.Normalize(spec.Tag)
	if !tag.Valid(normalized) {
		return detector{}, fmt.Errorf("%w: detector %q tag %q", ErrInvalidTag, spec.Name, spec.Tag)
	}
	re, err := regexp.Compile("(?i)" + spec.Pattern)
	if err != nil {
		return detector{}, fmt.Errorf("%w: detector %q: %v", ErrInvalidPattern, spec.Name, err)
	}
	return detector{name: spec.Name, tag: normalized, re: re}, nil
}

// Add registers one more detector. Invalid patterns or tags are rejected.
func (c *Classifier) Add(spec DetectorSpec) error {
	d, err := compileSpec(spec)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.detectors = append(c.detectors, d)
	c.mu.Unlock()
	return nil
}

// Classify runs every detector over text and returns all detections sorted
// by (start, end). Overlapping detections from different detectors are all
// reported; callers union tags before policy evaluation.
func (c *Classifier) Classify(text string) []Detection {
	if text == "" {
		return nil
	}

	c.mu.RLock()
	detectors := c.detectors
	c.mu.RUnlock()

	var out []Detection
	for _, d := range detectors {
		for _, span := range d.re.FindAllStringIndex(text, -1) {
			out = append(out, Detection{
				Detector: d.name,
				Tag:      d.tag,
				Start:    span[0],
				End:      span[1],
				Value:    text[span[0]:span[1]],
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start < out[j].Start
		}
		return out[i].End < out[j].End
	})
	return out
}

// DetectorCount returns how many detectors are currently installed.
func (c *Classifier) DetectorCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.detectors)
}

// Tags returns the sorted union of tags across detections.
func Tags(detections []Detection) []string {
	if len(detections) == 0 {
		return nil
	}
	raw := make([]string, 0, len(detections))
	for _, d := range detections {
		raw = append(raw, d.Tag)
	}
	return tag.NormalizeAll(raw)
}
