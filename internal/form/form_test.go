package form

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hyprflux/internal/catalog"
)

func ptr(f float64) *float64 { return &f }

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.New([]catalog.ModelFamily{{
		ID:   "acme",
		Kind: catalog.KindImage,
		Configs: []catalog.ModelConfig{{
			ID: "acme",
			Fields: []catalog.Field{
				{Name: "model", Kind: catalog.FieldSelect, Options: []any{"fast", "pro"}, Default: "fast"},
				{Name: "prompt", Kind: catalog.FieldTextarea, Required: true},
				{Name: "size", Kind: catalog.FieldSelect, Options: []any{"s", "m"}, Default: "s", ShowFor: []string{"fast"}},
				{Name: "size", Kind: catalog.FieldSelect, Options: []any{"m", "l"}, Default: "l", ShowFor: []string{"pro"}},
				{Name: "steps", Kind: catalog.FieldRange, Min: ptr(1), Max: ptr(20), Default: 10, ShowFor: []string{"fast"}},
				{Name: "steps", Kind: catalog.FieldRange, Min: ptr(1), Max: ptr(50), Default: 30, ShowFor: []string{"pro"}},
				{Name: "raw", Kind: catalog.FieldCheckbox, Default: false},
				{Name: "control_image", Kind: catalog.FieldFile},
				{Name: "negative_prompt", Kind: catalog.FieldText, ShowFor: []string{"pro"}},
			},
		}},
	}})
	require.NoError(t, err)
	return c
}

func TestInitFillsApplicableDefaults(t *testing.T) {
	r := NewReconciler(testCatalog(t), catalog.KindImage)

	v, err := r.Init("fast")
	require.NoError(t, err)
	assert.Equal(t, Values{"model": "fast", "size": "s", "steps": 10.0, "raw": false}, v)

	_, err = r.Init("missing")
	assert.True(t, errors.Is(err, catalog.ErrModelNotFound))
}

func TestModelSwitchKeepsResetsAndDrops(t *testing.T) {
	r := NewReconciler(testCatalog(t), catalog.KindImage)

	v, err := r.Init("pro")
	require.NoError(t, err)
	v, _ = r.Edit(v, "prompt", "a lighthouse")
	v, _ = r.Edit(v, "size", "m")
	v, _ = r.Edit(v, "steps", "40")
	v, _ = r.Edit(v, "raw", "true")
	v, _ = r.Edit(v, "negative_prompt", "blur")
	v, _ = r.Edit(v, "control_image", "https://cdn.example.com/c.png")
	assert.Equal(t, 40.0, v["steps"])
	assert.Equal(t, true, v["raw"])

	next, err := r.Edit(v, "model", "fast")
	require.NoError(t, err)
	assert.Equal(t, Values{
		"model":         "fast",
		"prompt":        "a lighthouse",
		"size":          "m",
		"steps":         10.0,
		"raw":           true,
		"control_image": "https://cdn.example.com/c.png",
	}, next)

	assert.Equal(t, "pro", v.Model(), "previous values must not be mutated")
}

func TestModelSwitchResetsInvalidSelect(t *testing.T) {
	r := NewReconciler(testCatalog(t), catalog.KindImage)

	v, _ := r.Init("pro")
	next, err := r.Edit(v, "model", "fast")
	require.NoError(t, err)
	assert.Equal(t, "s", next["size"])
}

func TestModelSwitchToUnknownFailsClosed(t *testing.T) {
	r := NewReconciler(testCatalog(t), catalog.KindImage)

	v, _ := r.Init("fast")
	v, _ = r.Edit(v, "prompt", "keep me")

	next, err := r.Edit(v, "model", "ghost")
	assert.True(t, errors.Is(err, catalog.ErrModelNotFound))
	assert.Equal(t, v, next)
}

func TestEmptyFileIsNotKept(t *testing.T) {
	r := NewReconciler(testCatalog(t), catalog.KindImage)

	v, _ := r.Init("fast")
	v, _ = r.Edit(v, "control_image", []any{})
	next, err := r.Edit(v, "model", "pro")
	require.NoError(t, err)
	_, ok := next["control_image"]
	assert.False(t, ok)
}

func TestRoundTripRestoresInitialValues(t *testing.T) {
	c, err := catalog.Embedded()
	require.NoError(t, err)

	for _, kind := range []catalog.Kind{catalog.KindImage, catalog.KindVideo} {
		r := NewReconciler(c, kind)
		checked := 0
		for _, a := range c.Models(kind) {
			initial, err := r.Init(a.ID)
			require.NoError(t, err)
			for _, b := range c.Models(kind) {
				if a.ID == b.ID || replacesDefault(initial, b) {
					continue
				}
				there, err := r.Edit(initial, "model", b.ID)
				require.NoError(t, err)
				back, err := r.Edit(there, "model", a.ID)
				require.NoError(t, err)
				assert.Equal(t, initial, back, "%s -> %s -> %s", a.ID, b.ID, a.ID)
				checked++
			}
		}
		assert.Positive(t, checked, kind)
	}
}

// replacesDefault reports whether switching to b swaps one of the values of
// initial for b's default. Switching back may then keep b's default when it
// is also an option of the first model.
func replacesDefault(initial Values, b *catalog.Entry) bool {
	for name, val := range initial {
		if name == "model" {
			continue
		}
		if f, ok := b.Field(name); ok && !stillValid(f, val) {
			return true
		}
	}
	return false
}

func TestRoundTripCanKeepIntermediateDefault(t *testing.T) {
	c, err := catalog.Embedded()
	require.NoError(t, err)
	r := NewReconciler(c, catalog.KindImage)

	initial, err := r.Init("flux-kontext-max")
	require.NoError(t, err)
	require.Equal(t, "match_input_image", initial["aspect_ratio"])

	there, err := r.Edit(initial, "model", "imagen-4")
	require.NoError(t, err)
	back, err := r.Edit(there, "model", "flux-kontext-max")
	require.NoError(t, err)
	assert.Equal(t, there["aspect_ratio"], back["aspect_ratio"])
}

func TestSwitchToSameModelIsIdentity(t *testing.T) {
	c, err := catalog.Embedded()
	require.NoError(t, err)

	for _, kind := range []catalog.Kind{catalog.KindImage, catalog.KindVideo} {
		r := NewReconciler(c, kind)
		for _, e := range c.Models(kind) {
			initial, err := r.Init(e.ID)
			require.NoError(t, err)
			again, err := r.Edit(initial, "model", e.ID)
			require.NoError(t, err)
			assert.Equal(t, initial, again, e.ID)
		}
	}
}

func TestRestoreFromHistorySettings(t *testing.T) {
	r := NewReconciler(testCatalog(t), catalog.KindImage)

	v, err := r.Restore(map[string]any{
		"model":              "pro",
		"prompt":             "again",
		"steps":              "25",
		"raw":                "true",
		"control_image_file": "control_image.temp",
		"control_image":      "https://cdn.example.com/old.png",
		"response_format":    "b64_json",
	})
	require.NoError(t, err)
	assert.Equal(t, Values{
		"model":  "pro",
		"prompt": "again",
		"size":   "l",
		"steps":  25.0,
		"raw":    true,
	}, v)

	_, err = r.Restore(map[string]any{"model": "retired-model"})
	assert.True(t, errors.Is(err, catalog.ErrModelNotFound))
}
