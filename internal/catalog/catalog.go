package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

const (
	FallbackImageModel = "gpt-image-1"
	FallbackVideoModel = "kling-v1.6-standard"
)

var ErrModelNotFound = errors.New("model not found")

//go:embed models.yaml
var embeddedModels []byte

type ModelFamily struct {
	ID          string        `yaml:"id"`
	Name        string        `yaml:"name"`
	Description string        `yaml:"description"`
	Kind        Kind          `yaml:"kind"`
	Configs     []ModelConfig `yaml:"configs"`
}

type ModelConfig struct {
	ID          string  `yaml:"id"`
	Name        string  `yaml:"name"`
	Description string  `yaml:"description"`
	Fields      []Field `yaml:"fields"`
}

// Models returns the concrete model ids the block covers: the options of its
// "model" select field, or the block id itself.
func (mc ModelConfig) Models() []string {
	for _, f := range mc.Fields {
		if f.Name == "model" && f.Kind == FieldSelect {
			out := make([]string, 0, len(f.Options))
			for _, opt := range f.Options {
				if s, ok := opt.(string); ok {
					out = append(out, s)
				}
			}
			return out
		}
	}
	return []string{mc.ID}
}

// Entry is the indexed view of one concrete model id.
type Entry struct {
	ID     string
	Kind   Kind
	Family *ModelFamily
	Config *ModelConfig
	Fields []Field

	byName map[string]int
}

func (e *Entry) Field(name string) (Field, bool) {
	i, ok := e.byName[name]
	if !ok {
		return Field{}, false
	}
	return e.Fields[i], true
}

func (e *Entry) Applies(name string) bool {
	_, ok := e.byName[name]
	return ok
}

// Names lists the field names of the model in declaration order.
func (e *Entry) Names() []string {
	out := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		out = append(out, f.Name)
	}
	return out
}

// Defaults maps every field with a default value to that value. The model
// select is left out.
func (e *Entry) Defaults() map[string]any {
	out := make(map[string]any, len(e.Fields))
	for _, f := range e.Fields {
		if f.Name == "model" || !f.HasDefault() {
			continue
		}
		out[f.Name] = f.Default
	}
	return out
}

type Catalog struct {
	families []ModelFamily
	index    map[string]*Entry
	order    map[Kind][]string
}

type document struct {
	Families []ModelFamily `yaml:"families"`
}

var (
	embeddedOnce sync.Once
	embedded     *Catalog
	embeddedErr  error
)

// Embedded returns the catalog compiled into the binary.
func Embedded() (*Catalog, error) {
	embeddedOnce.Do(func() {
		embedded, embeddedErr = Parse(embeddedModels)
	})
	return embedded, embeddedErr
}

func Parse(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	return New(doc.Families)
}

// New indexes the families and validates that every model id resolves to
// exactly one config block.
func New(families []ModelFamily) (*Catalog, error) {
	c := &Catalog{
		families: families,
		index:    make(map[string]*Entry),
		order:    make(map[Kind][]string),
	}

	for fi := range c.families {
		fam := &c.families[fi]
		if fam.Kind != KindImage && fam.Kind != KindVideo {
			return nil, fmt.Errorf("family %q: unsupported kind %q", fam.ID, fam.Kind)
		}
		for ci := range fam.Configs {
			mc := &fam.Configs[ci]
			for i := range mc.Fields {
				if err := mc.Fields[i].normalize(); err != nil {
					return nil, fmt.Errorf("config %q: %w", mc.ID, err)
				}
			}

			models := mc.Models()
			if len(models) == 0 {
				return nil, fmt.Errorf("config %q declares no models", mc.ID)
			}
			covered := make(map[string]struct{}, len(models))
			for _, id := range models {
				covered[id] = struct{}{}
			}
			for _, f := range mc.Fields {
				for _, id := range f.ShowFor {
					if _, ok := covered[id]; !ok {
						return nil, fmt.Errorf("config %q: field %q shows for unknown model %q", mc.ID, f.Name, id)
					}
				}
			}

			for _, id := range models {
				if prev, dup := c.index[id]; dup {
					return nil, fmt.Errorf("model %q declared by both %q and %q", id, prev.Config.ID, mc.ID)
				}
				entry, err := newEntry(id, fam, mc)
				if err != nil {
					return nil, err
				}
				c.index[id] = entry
				c.order[fam.Kind] = append(c.order[fam.Kind], id)
			}
		}
	}
	return c, nil
}

func newEntry(id string, fam *ModelFamily, mc *ModelConfig) (*Entry, error) {
	e := &Entry{
		ID:     id,
		Kind:   fam.Kind,
		Family: fam,
		Config: mc,
		byName: make(map[string]int),
	}
	for _, f := range mc.Fields {
		if !f.AppliesTo(id) {
			continue
		}
		if _, dup := e.byName[f.Name]; dup {
			return nil, fmt.Errorf("model %q has two %q fields", id, f.Name)
		}
		e.byName[f.Name] = len(e.Fields)
		e.Fields = append(e.Fields, f)
	}
	return e, nil
}

// Lookup finds a model id regardless of its kind.
func (c *Catalog) Lookup(id string) (*Entry, bool) {
	e, ok := c.index[id]
	return e, ok
}

func (c *Catalog) Resolve(kind Kind, id string) (*Entry, error) {
	e, ok := c.index[id]
	if !ok || e.Kind != kind {
		return nil, fmt.Errorf("%w: %s model %q", ErrModelNotFound, kind, id)
	}
	return e, nil
}

// DefaultModel picks the first declared model of the first family of kind.
func (c *Catalog) DefaultModel(kind Kind) string {
	for _, fam := range c.families {
		if fam.Kind != kind || len(fam.Configs) == 0 {
			continue
		}
		first := fam.Configs[0]
		for _, f := range first.Fields {
			if f.Name != "model" || f.Kind != FieldSelect {
				continue
			}
			if s, ok := f.Default.(string); ok && s != "" {
				return s
			}
			if len(f.Options) > 0 {
				if s, ok := f.Options[0].(string); ok {
					return s
				}
			}
		}
		if first.ID != "" {
			return first.ID
		}
	}
	if kind == KindVideo {
		return FallbackVideoModel
	}
	return FallbackImageModel
}

func (c *Catalog) Families(kind Kind) []ModelFamily {
	out := make([]ModelFamily, 0)
	for _, fam := range c.families {
		if fam.Kind == kind {
			out = append(out, fam)
		}
	}
	return out
}

// Models lists the entries of kind in declaration order.
func (c *Catalog) Models(kind Kind) []*Entry {
	ids := c.order[kind]
	out := make([]*Entry, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.index[id])
	}
	return out
}

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindImage, KindVideo:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown media kind %q", s)
	}
}
