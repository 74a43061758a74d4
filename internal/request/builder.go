package request

import (
	"errors"
	"slices"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"hyprflux/internal/catalog"
	"hyprflux/internal/form"
	"hyprflux/internal/schema"
)

var ErrMissingModel = errors.New("model is missing from form values")

// Body is a JSON request body for the generation API.
type Body map[string]any

// Settings returns the body without transport directives.
func (b Body) Settings() map[string]any {
	out := make(map[string]any, len(b))
	for k, v := range b {
		if k == "response_format" {
			continue
		}
		out[k] = v
	}
	return out
}

// MissingFieldError reports a required form field left empty.
type MissingFieldError struct {
	Field string
	Label string
	File  bool
}

func (e *MissingFieldError) Error() string {
	if e.File {
		return e.Label + " is required. Please upload a file."
	}
	return e.Label + " is required."
}

// Flow holds the differences between the image and video generators.
type Flow struct {
	Kind catalog.Kind
	// ResponseFormat is sent as response_format when set.
	ResponseFormat string
	// IntFields are converted from strings to integers.
	IntFields []string
	// SingleURLFields only accept one URL string; lists are dropped.
	SingleURLFields []string
	// EmptyPrompt sends "" when no prompt is set so validation reports it.
	EmptyPrompt bool
}

var (
	ImageFlow = Flow{
		Kind:           catalog.KindImage,
		ResponseFormat: "b64_json",
	}
	VideoFlow = Flow{
		Kind:            catalog.KindVideo,
		IntFields:       []string{"duration"},
		SingleURLFields: []string{"start_image", "end_image", "image"},
		EmptyPrompt:     true,
	}
)

// omitted lists per model the field values that mean "not set".
var omitted = map[string]map[string]any{
	"dall-e-3":       {"style": "none"},
	"azure/dall-e-3": {"style": "none"},
}

type Config struct {
	Catalog *catalog.Catalog
	Schemas *schema.Registry
	Flow    Flow
	Logger  zerolog.Logger
}

type Builder struct {
	catalog *catalog.Catalog
	schemas *schema.Registry
	flow    Flow
	logger  zerolog.Logger
}

func New(cfg Config) *Builder {
	return &Builder{
		catalog: cfg.Catalog,
		schemas: cfg.Schemas,
		flow:    cfg.Flow,
		logger:  cfg.Logger,
	}
}

func (b *Builder) Flow() Flow {
	return b.flow
}

// CheckRequired reports the first required field of the selected model that
// has no value.
func (b *Builder) CheckRequired(values form.Values) error {
	entry, err := b.resolve(values)
	if err != nil {
		return err
	}
	for _, f := range entry.Fields {
		if !f.Required || f.Name == "model" {
			continue
		}
		if !present(values[f.Name]) {
			return &MissingFieldError{Field: f.Name, Label: f.Label, File: f.Kind == catalog.FieldFile}
		}
	}
	return nil
}

// Build filters the form down to the fields the selected model accepts and
// validates the result. Validation failures are *schema.ValidationError.
func (b *Builder) Build(values form.Values) (Body, error) {
	entry, err := b.resolve(values)
	if err != nil {
		return nil, err
	}
	if err := b.CheckRequired(values); err != nil {
		return nil, err
	}

	body := Body{}
	skip := omitted[entry.ID]
	var uploads []string
	for name, v := range values {
		if name == "model" || !present(v) {
			continue
		}
		f, ok := entry.Field(name)
		if !ok && name != "prompt" {
			continue
		}
		if sentinel, ok := skip[name]; ok && catalog.Equal(sentinel, v) {
			continue
		}
		if ok && f.Kind == catalog.FieldFile {
			uploads = append(uploads, name)
			if v, ok = b.fileValue(name, v); !ok {
				continue
			}
		}
		if slices.Contains(b.flow.IntFields, name) {
			v = toInt(v)
		}
		body[name] = v
	}

	body["model"] = entry.ID
	if _, ok := body["prompt"]; !ok && b.flow.EmptyPrompt {
		body["prompt"] = ""
	}
	if b.flow.ResponseFormat != "" {
		body["response_format"] = b.flow.ResponseFormat
	}

	s, ok := b.schemas.Get(entry.ID)
	if !ok {
		b.logger.Warn().Str("model", entry.ID).Msg("no validation schema for model")
		return body, nil
	}
	single := make([]string, 0, len(uploads))
	multi := make([]string, 0, len(uploads))
	for _, name := range uploads {
		if slices.Contains(b.flow.SingleURLFields, name) {
			single = append(single, name)
		} else {
			multi = append(multi, name)
		}
	}
	if err := s.WithURLs(single...).WithUploads(multi...).Validate(body); err != nil {
		return nil, err
	}
	return body, nil
}

func (b *Builder) resolve(values form.Values) (*catalog.Entry, error) {
	model := values.Model()
	if model == "" {
		return nil, ErrMissingModel
	}
	return b.catalog.Resolve(b.flow.Kind, model)
}

func (b *Builder) fileValue(name string, v any) (any, bool) {
	if s, ok := v.(string); ok {
		return s, s != ""
	}
	if slices.Contains(b.flow.SingleURLFields, name) {
		return nil, false
	}
	var items []string
	switch l := v.(type) {
	case []string:
		items = l
	case []any:
		for _, item := range l {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			items = append(items, s)
		}
	default:
		return nil, false
	}
	if len(items) == 0 || slices.Contains(items, "") {
		return nil, false
	}
	return items, true
}

func present(v any) bool {
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

func toInt(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	s = strings.TrimSpace(s)
	end := 0
	for end < len(s) && (s[end] >= '0' && s[end] <= '9' || end == 0 && (s[end] == '-' || s[end] == '+')) {
		end++
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return v
	}
	return n
}
