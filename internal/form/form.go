package form

import (
	"maps"
	"strconv"
	"strings"

	"hyprflux/internal/catalog"
)

// Values is the working state of one generator form. It always holds "model".
type Values map[string]any

func (v Values) Model() string {
	s, _ := v["model"].(string)
	return s
}

func (v Values) Clone() Values {
	out := make(Values, len(v))
	maps.Copy(out, v)
	return out
}

// Reconciler keeps form values consistent with the catalog of one media kind.
type Reconciler struct {
	catalog *catalog.Catalog
	kind    catalog.Kind
}

func NewReconciler(c *catalog.Catalog, kind catalog.Kind) *Reconciler {
	return &Reconciler{catalog: c, kind: kind}
}

func (r *Reconciler) Kind() catalog.Kind {
	return r.kind
}

// Init returns the model id plus every applicable field default.
func (r *Reconciler) Init(model string) (Values, error) {
	entry, err := r.catalog.Resolve(r.kind, model)
	if err != nil {
		return nil, err
	}
	out := Values{"model": entry.ID}
	fillDefaults(out, entry)
	return out, nil
}

// Edit applies one field change. Changing "model" migrates the previous
// values to the new model; an unknown target leaves prev untouched and
// returns catalog.ErrModelNotFound.
func (r *Reconciler) Edit(prev Values, name string, value any) (Values, error) {
	if name != "model" {
		out := prev.Clone()
		if entry, err := r.catalog.Resolve(r.kind, prev.Model()); err == nil {
			if f, ok := entry.Field(name); ok {
				value = f.Coerce(value)
			}
		}
		if value == nil {
			delete(out, name)
		} else {
			out[name] = value
		}
		return out, nil
	}

	target, _ := value.(string)
	entry, err := r.catalog.Resolve(r.kind, target)
	if err != nil {
		return prev, err
	}
	return migrate(prev, entry), nil
}

// Restore rebuilds form values from the settings stored with a history
// record. Upload fields and their placeholders are dropped because the
// uploaded URLs are not kept.
func (r *Reconciler) Restore(settings map[string]any) (Values, error) {
	model, _ := settings["model"].(string)
	entry, err := r.catalog.Resolve(r.kind, model)
	if err != nil {
		return nil, err
	}

	out := Values{"model": entry.ID}
	for k, v := range settings {
		if k == "model" || strings.HasSuffix(k, "_file") {
			continue
		}
		f, ok := entry.Field(k)
		if !ok || f.Kind == catalog.FieldFile {
			continue
		}
		out[k] = f.Coerce(v)
	}
	fillDefaults(out, entry)
	return out, nil
}

func migrate(prev Values, entry *catalog.Entry) Values {
	out := Values{"model": entry.ID}
	for name, val := range prev {
		if name == "model" {
			continue
		}
		f, ok := entry.Field(name)
		if !ok {
			continue
		}
		switch {
		case stillValid(f, val):
			out[name] = val
		case f.HasDefault():
			out[name] = f.Default
		}
	}
	fillDefaults(out, entry)
	return out
}

func stillValid(f catalog.Field, val any) bool {
	switch f.Kind {
	case catalog.FieldFile:
		return nonEmpty(val)
	case catalog.FieldSelect:
		return f.HasOption(val)
	case catalog.FieldNumber, catalog.FieldRange:
		n, ok := catalog.Number(val)
		if !ok {
			s, isString := val.(string)
			if !isString {
				return false
			}
			parsed, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return false
			}
			n = parsed
		}
		return f.InRange(n)
	default:
		return true
	}
}

func nonEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case []string:
		return len(t) > 0
	default:
		return true
	}
}

func fillDefaults(v Values, entry *catalog.Entry) {
	for name, def := range entry.Defaults() {
		if _, set := v[name]; !set {
			v[name] = def
		}
	}
}
