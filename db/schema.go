package db

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
)

// Kind is the JSON kind a content key must hold.
type Kind string

const (
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindBoolean Kind = "boolean"
	KindObject  Kind = "object"
	KindArray   Kind = "array"
	KindAny     Kind = "any"
)

// SchemaRule binds a key pattern to a kind. A pattern ending in "*"
// matches every key that starts with the part before it.
type SchemaRule struct {
	Pattern string `json:"pattern" yaml:"pattern"`
	Kind    Kind   `json:"kind" yaml:"kind"`
}

// ContentSchema maps content keys to kinds. Keys without a rule accept any kind.
type ContentSchema struct {
	Rules []SchemaRule `json:"rules"`
}

// DefaultContentSchema covers the keys the site ships with.
func DefaultContentSchema() ContentSchema {
	return ContentSchema{Rules: []SchemaRule{
		{Pattern: "hero.*", Kind: KindString},
		{Pattern: "about.*", Kind: KindString},
		{Pattern: "contact.*", Kind: KindString},
		{Pattern: "custom.styles", Kind: KindString},
		{Pattern: "theme.colors", Kind: KindObject},
		{Pattern: "theme.colors.*", Kind: KindString},
		{Pattern: "services.prices", Kind: KindObject},
		{Pattern: "services.list", Kind: KindArray},
		{Pattern: "portfolio.items", Kind: KindArray},
	}}
}

func parseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindString, KindNumber, KindBoolean, KindObject, KindArray, KindAny:
		return k, nil
	}
	return "", fmt.Errorf("unknown content kind '%s'", s)
}

// Extend returns a copy of s with extra rules added. A pattern already
// present is overridden.
func (s ContentSchema) Extend(extra map[string]string) (ContentSchema, error) {
	byPattern := make(map[string]Kind, len(s.Rules)+len(extra))
	for _, r := range s.Rules {
		byPattern[r.Pattern] = r.Kind
	}
	for pattern, kindName := range extra {
		kind, err := parseKind(kindName)
		if err != nil {
			return ContentSchema{}, fmt.Errorf("content schema %s: %w", pattern, err)
		}
		byPattern[pattern] = kind
	}

	out := ContentSchema{Rules: make([]SchemaRule, 0, len(byPattern))}
	for pattern, kind := range byPattern {
		out.Rules = append(out.Rules, SchemaRule{Pattern: pattern, Kind: kind})
	}
	sort.Slice(out.Rules, func(i, j int) bool { return out.Rules[i].Pattern < out.Rules[j].Pattern })
	return out, nil
}

// KindFor resolves key: an exact rule wins, then the longest matching wildcard.
func (s ContentSchema) KindFor(key string) Kind {
	best, bestLen := KindAny, -1
	for _, r := range s.Rules {
		if r.Pattern == key {
			return r.Kind
		}
		if prefix, ok := strings.CutSuffix(r.Pattern, "*"); ok && strings.HasPrefix(key, prefix) && len(prefix) > bestLen {
			best, bestLen = r.Kind, len(prefix)
		}
	}
	return best
}

// Validate checks that raw holds the kind required for key.
func (s ContentSchema) Validate(key string, raw []byte) error {
	want := s.KindFor(key)
	if want == KindAny {
		return nil
	}
	if got := kindOf(raw); got != want {
		return &ValidationError{Field: key, Message: fmt.Sprintf("expected %s, got %s", want, got)}
	}
	return nil
}

func kindOf(raw []byte) Kind {
	v := gjson.ParseBytes(raw)
	switch v.Type {
	case gjson.String:
		return KindString
	case gjson.Number:
		return KindNumber
	case gjson.True, gjson.False:
		return KindBoolean
	case gjson.JSON:
		if v.IsArray() {
			return KindArray
		}
		return KindObject
	}
	return "null"
}
