package tag

import (
	"reflect"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "already normalized", raw: "personal.pii", want: "personal.pii"},
		{name: "uppercase lowered", raw: "Personal.PII", want: "personal.pii"},
		{name: "surrounding whitespace", raw: "  secret.credential  ", want: "secret.credential"},
		{name: "empty segment collapsed", raw: "a..b", want: "a.b"},
		{name: "leading and trailing dots", raw: ".a.b.", want: "a.b"},
		{name: "only dots", raw: "...", want: ""},
		{name: "empty", raw: "", want: ""},
		{name: "inner whitespace segments", raw: "a. .b", want: "a.b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.raw); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestExpand(t *testing.T) {
	tests := []struct {
		name string
		tags []string
		want []string
	}{
		{
			name: "three level chain",
			tags: []string{"a.b.c"},
			want: []string{"a", "a.b", "a.b.c"},
		},
		{
			name: "union over multiple tags",
			tags: []string{"personal.pii.email", "personal.financial"},
			want: []string{"personal", "personal.financial", "personal.pii", "personal.pii.email"},
		},
		{
			name: "single segment",
			tags: []string{"secret"},
			want: []string{"secret"},
		},
		{
			name: "blank entries ignored",
			tags: []string{"", "  ", "a.b"},
			want: []string{"a", "a.b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Expand(tt.tags...).Values()
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Expand(%v) = %v, want %v", tt.tags, got, tt.want)
			}
		})
	}
}

func TestCovers(t *testing.T) {
	tests := []struct {
		name     string
		ancestor string
		tag      string
		want     bool
	}{
		{name: "exact match", ancestor: "personal.pii", tag: "personal.pii", want: true},
		{name: "parent covers child", ancestor: "personal", tag: "personal.pii.email", want: true},
		{name: "child does not cover parent", ancestor: "personal.pii", tag: "personal", want: false},
		{name: "sibling prefix is not ancestor", ancestor: "secret.cred", tag: "secret.credential", want: false},
		{name: "case insensitive", ancestor: "Personal", tag: "personal.pii", want: true},
		{name: "empty ancestor", ancestor: "", tag: "personal", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Covers(tt.ancestor, tt.tag); got != tt.want {
				t.Errorf("Covers(%q, %q) = %v, want %v", tt.ancestor, tt.tag, got, tt.want)
			}
		})
	}
}

func TestIntersects(t *testing.T) {
	tests := []struct {
		name    string
		policy  []string
		context []string
		want    bool
	}{
		{
			name:    "ancestor policy tag matches deep context tag",
			policy:  []string{"secret"},
			context: []string{"secret.credential"},
			want:    true,
		},
		{
			name:    "no overlap",
			policy:  []string{"personal"},
			context: []string{"secret.credential"},
			want:    false,
		},
		{
			name:    "deep policy tag does not match shallow context tag",
			policy:  []string{"secret.credential.api-key"},
			context: []string{"secret"},
			want:    false,
		},
		{
			name:    "empty policy side",
			policy:  nil,
			context: []string{"secret"},
			want:    false,
		},
		{
			name:    "empty context side",
			policy:  []string{"secret"},
			context: nil,
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Intersects(tt.policy, tt.context); got != tt.want {
				t.Errorf("Intersects(%v, %v) = %v, want %v", tt.policy, tt.context, got, tt.want)
			}
		})
	}
}

func TestNormalizeAll(t *testing.T) {
	got := NormalizeAll([]string{"B.a", "b.a", "", " ", "A"})
	want := []string{"a", "b.a"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("NormalizeAll = %v, want %v", got, want)
	}
}

func TestCoveredByAny(t *testing.T) {
	ancestors := NewSet("personal", "secret.credential")

	if !CoveredByAny(ancestors, "personal.pii.email") {
		t.Error("expected personal to cover personal.pii.email")
	}
	if !CoveredByAny(ancestors, "secret.credential") {
		t.Error("expected exact member to be covered")
	}
	if CoveredByAny(ancestors, "secret") {
		t.Error("secret must not be covered by the deeper secret.credential")
	}
	if CoveredByAny(ancestors, "") {
		t.Error("empty tag must never be covered")
	}
}
