package catalog

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
)

type FieldKind string

const (
	FieldText     FieldKind = "text"
	FieldTextarea FieldKind = "textarea"
	FieldNumber   FieldKind = "number"
	FieldRange    FieldKind = "range"
	FieldSelect   FieldKind = "select"
	FieldCheckbox FieldKind = "checkbox"
	FieldFile     FieldKind = "file"
)

type Field struct {
	Name     string    `yaml:"name"`
	Kind     FieldKind `yaml:"kind"`
	Label    string    `yaml:"label"`
	Required bool      `yaml:"required"`
	Options  []any     `yaml:"options"`
	Min      *float64  `yaml:"min"`
	Max      *float64  `yaml:"max"`
	Step     *float64  `yaml:"step"`
	Default  any       `yaml:"default"`
	ShowFor  []string  `yaml:"show_for"`
}

func (f Field) AppliesTo(model string) bool {
	return len(f.ShowFor) == 0 || slices.Contains(f.ShowFor, model)
}

func (f Field) Numeric() bool {
	return f.Kind == FieldNumber || f.Kind == FieldRange
}

func (f Field) HasDefault() bool {
	return f.Default != nil
}

// HasOption reports whether v is one of the select options. Numbers compare
// by value so 5 and 5.0 match.
func (f Field) HasOption(v any) bool {
	for _, opt := range f.Options {
		if Equal(opt, v) {
			return true
		}
	}
	return false
}

func (f Field) InRange(v float64) bool {
	if math.IsNaN(v) {
		return false
	}
	if f.Min != nil && v < *f.Min {
		return false
	}
	if f.Max != nil && v > *f.Max {
		return false
	}
	return true
}

// Coerce converts loosely typed input (command line text, JSON numbers) to
// the Go type the field stores. Values that do not fit are returned as is.
func (f Field) Coerce(v any) any {
	switch f.Kind {
	case FieldNumber, FieldRange:
		if s, ok := v.(string); ok {
			if n, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return n
			}
			return v
		}
		if n, ok := Number(v); ok {
			return n
		}
	case FieldCheckbox:
		if s, ok := v.(string); ok {
			if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
				return b
			}
		}
	case FieldSelect:
		if s, ok := v.(string); ok {
			for _, opt := range f.Options {
				if _, numeric := opt.(float64); !numeric {
					continue
				}
				if n, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil && Equal(opt, n) {
					return opt
				}
			}
			return v
		}
		if n, ok := Number(v); ok {
			return n
		}
	}
	return v
}

func (f *Field) normalize() error {
	if f.Name == "" {
		return fmt.Errorf("field without name")
	}
	switch f.Kind {
	case FieldText, FieldTextarea, FieldNumber, FieldRange, FieldSelect, FieldCheckbox, FieldFile:
	default:
		return fmt.Errorf("field %q: unknown kind %q", f.Name, f.Kind)
	}
	for i, opt := range f.Options {
		f.Options[i] = normalizeValue(opt)
	}
	f.Default = normalizeValue(f.Default)
	if f.Kind == FieldSelect && f.Default != nil && !f.HasOption(f.Default) {
		return fmt.Errorf("field %q: default %v is not an option", f.Name, f.Default)
	}
	return nil
}

func normalizeValue(v any) any {
	if n, ok := Number(v); ok {
		return n
	}
	return v
}

// Number reports the float64 value of any Go numeric type.
func Number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Equal compares two form values, numbers by value and everything else by
// dynamic equality.
func Equal(a, b any) bool {
	na, aok := Number(a)
	nb, bok := Number(b)
	if aok || bok {
		return aok && bok && na == nb
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	default:
		return false
	}
}
