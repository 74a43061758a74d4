package schema

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

type Type string

const (
	TypeString  Type = "string"
	TypeURL     Type = "url"
	TypeNumber  Type = "number"
	TypeInteger Type = "integer"
	TypeBoolean Type = "boolean"
	TypeEnum    Type = "enum"
	TypeURLList Type = "url_list"
)

//go:embed schemas.yaml
var embeddedSchemas []byte

type Rule struct {
	Type      Type     `yaml:"type"`
	Required  bool     `yaml:"required"`
	Values    []any    `yaml:"values"`
	Min       *float64 `yaml:"min"`
	Max       *float64 `yaml:"max"`
	MinLength *int     `yaml:"min_length"`
	MaxLength *int     `yaml:"max_length"`
	MinItems  *int     `yaml:"min_items"`
	MaxItems  *int     `yaml:"max_items"`
}

// Schema describes the request body accepted for one model id. The "model"
// key must always equal Model.
type Schema struct {
	Model string

	rules map[string]Rule
	order []string
}

func (s *Schema) Rule(name string) (Rule, bool) {
	r, ok := s.rules[name]
	return r, ok
}

func (s *Schema) Fields() []string {
	return append([]string(nil), s.order...)
}

// WithUploads returns a copy that also accepts each named upload field as a
// single URL or a non-empty list of URLs, unless the field is declared already.
func (s *Schema) WithUploads(fields ...string) *Schema {
	one := 1
	return s.extend(Rule{Type: TypeURLList, MinItems: &one}, fields)
}

// WithURLs is WithUploads for fields that take exactly one URL.
func (s *Schema) WithURLs(fields ...string) *Schema {
	return s.extend(Rule{Type: TypeURL}, fields)
}

func (s *Schema) extend(r Rule, fields []string) *Schema {
	out := &Schema{
		Model: s.Model,
		rules: make(map[string]Rule, len(s.rules)+len(fields)),
		order: append([]string(nil), s.order...),
	}
	for k, v := range s.rules {
		out.rules[k] = v
	}
	for _, f := range fields {
		if _, ok := out.rules[f]; ok {
			continue
		}
		out.rules[f] = r
		out.order = append(out.order, f)
	}
	return out
}

type Registry struct {
	schemas map[string]*Schema
}

var (
	embeddedOnce sync.Once
	embedded     *Registry
	embeddedErr  error
)

func Embedded() (*Registry, error) {
	embeddedOnce.Do(func() {
		embedded, embeddedErr = Parse(embeddedSchemas)
	})
	return embedded, embeddedErr
}

func Parse(data []byte) (*Registry, error) {
	var doc struct {
		Models yaml.Node `yaml:"models"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode schemas: %w", err)
	}
	if doc.Models.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("decode schemas: models must be a mapping")
	}

	reg := &Registry{schemas: make(map[string]*Schema)}
	for i := 0; i+1 < len(doc.Models.Content); i += 2 {
		model := doc.Models.Content[i].Value
		body := doc.Models.Content[i+1]
		if body.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("schema %q must be a mapping", model)
		}
		if _, dup := reg.schemas[model]; dup {
			return nil, fmt.Errorf("schema %q declared twice", model)
		}

		s := &Schema{Model: model, rules: make(map[string]Rule)}
		for j := 0; j+1 < len(body.Content); j += 2 {
			name := body.Content[j].Value
			var r Rule
			if err := body.Content[j+1].Decode(&r); err != nil {
				return nil, fmt.Errorf("schema %q field %q: %w", model, name, err)
			}
			if err := r.check(); err != nil {
				return nil, fmt.Errorf("schema %q field %q: %w", model, name, err)
			}
			s.rules[name] = r
			s.order = append(s.order, name)
		}
		reg.schemas[model] = s
	}
	return reg, nil
}

func (r Rule) check() error {
	switch r.Type {
	case TypeString, TypeURL, TypeNumber, TypeInteger, TypeBoolean, TypeURLList:
	case TypeEnum:
		if len(r.Values) == 0 {
			return fmt.Errorf("enum without values")
		}
	default:
		return fmt.Errorf("unknown type %q", r.Type)
	}
	return nil
}

func (r *Registry) Get(model string) (*Schema, bool) {
	s, ok := r.schemas[model]
	return s, ok
}

func (r *Registry) Has(model string) bool {
	_, ok := r.schemas[model]
	return ok
}

// Missing lists the ids that have no schema.
func (r *Registry) Missing(ids []string) []string {
	var out []string
	for _, id := range ids {
		if !r.Has(strings.TrimSpace(id)) {
			out = append(out, id)
		}
	}
	return out
}
