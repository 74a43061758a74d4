package schema

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"hyprflux/internal/catalog"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type FieldError struct {
	Path    string
	Message string
}

type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, fe.Path+" - "+fe.Message)
	}
	return "Invalid settings: " + strings.Join(parts, "; ")
}

// Validate checks body against the schema. Keys the schema does not describe
// are ignored. It returns nil or a *ValidationError.
func (s *Schema) Validate(body map[string]any) error {
	var errs []FieldError
	add := func(path, msg string) {
		errs = append(errs, FieldError{Path: path, Message: msg})
	}

	switch m, ok := body["model"]; {
	case !ok || m == nil:
		add("model", "Required")
	case m != s.Model:
		add("model", fmt.Sprintf("Invalid literal value, expected %q", s.Model))
	}

	for _, name := range s.order {
		r := s.rules[name]
		v, ok := body[name]
		if !ok || v == nil {
			if r.Required {
				add(name, "Required")
			}
			continue
		}
		errs = append(errs, r.validate(name, v)...)
	}

	if len(errs) == 0 {
		return nil
	}
	return &ValidationError{Errors: errs}
}

func (r Rule) validate(path string, v any) []FieldError {
	fail := func(msg string) []FieldError {
		return []FieldError{{Path: path, Message: msg}}
	}

	switch r.Type {
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return fail(expected("string", v))
		}
		if r.MinLength != nil && validate.Var(s, "min="+strconv.Itoa(*r.MinLength)) != nil {
			return fail(fmt.Sprintf("String must contain at least %d character(s)", *r.MinLength))
		}
		if r.MaxLength != nil && validate.Var(s, "max="+strconv.Itoa(*r.MaxLength)) != nil {
			return fail(fmt.Sprintf("String must contain at most %d character(s)", *r.MaxLength))
		}

	case TypeURL:
		s, ok := v.(string)
		if !ok {
			return fail(expected("string", v))
		}
		if !isURL(s) {
			return fail("Invalid url")
		}

	case TypeNumber, TypeInteger:
		n, ok := catalog.Number(v)
		if !ok {
			return fail(expected("number", v))
		}
		if r.Type == TypeInteger && n != math.Trunc(n) {
			return fail("Expected integer, received float")
		}
		if r.Min != nil && validate.Var(n, "gte="+formatNumber(*r.Min)) != nil {
			return fail("Number must be greater than or equal to " + formatNumber(*r.Min))
		}
		if r.Max != nil && validate.Var(n, "lte="+formatNumber(*r.Max)) != nil {
			return fail("Number must be less than or equal to " + formatNumber(*r.Max))
		}

	case TypeBoolean:
		if _, ok := v.(bool); !ok {
			return fail(expected("boolean", v))
		}

	case TypeEnum:
		for _, allowed := range r.Values {
			if catalog.Equal(allowed, v) {
				return nil
			}
		}
		quoted := make([]string, 0, len(r.Values))
		for _, allowed := range r.Values {
			quoted = append(quoted, fmt.Sprintf("'%v'", allowed))
		}
		return fail(fmt.Sprintf("Invalid enum value. Expected %s, received '%v'", strings.Join(quoted, " | "), v))

	case TypeURLList:
		if s, ok := v.(string); ok {
			if !isURL(s) {
				return fail("Invalid url")
			}
			return nil
		}
		items, ok := asList(v)
		if !ok {
			return fail(expected("array", v))
		}
		if r.MinItems != nil && len(items) < *r.MinItems {
			return fail(fmt.Sprintf("Array must contain at least %d element(s)", *r.MinItems))
		}
		if r.MaxItems != nil && len(items) > *r.MaxItems {
			return fail(fmt.Sprintf("Array must contain at most %d element(s)", *r.MaxItems))
		}
		var errs []FieldError
		for i, item := range items {
			s, ok := item.(string)
			itemPath := path + "." + strconv.Itoa(i)
			switch {
			case !ok:
				errs = append(errs, FieldError{Path: itemPath, Message: expected("string", item)})
			case !isURL(s):
				errs = append(errs, FieldError{Path: itemPath, Message: "Invalid url"})
			}
		}
		return errs
	}
	return nil
}

func isURL(s string) bool {
	return validate.Var(s, "required,url") == nil
}

func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}

func expected(want string, got any) string {
	return fmt.Sprintf("Expected %s, received %s", want, typeName(got))
}

func typeName(v any) string {
	if _, ok := catalog.Number(v); ok {
		return "number"
	}
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case []any, []string:
		return "array"
	case map[string]any:
		return "object"
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
