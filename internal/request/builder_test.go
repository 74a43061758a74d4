package request

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hyprflux/internal/catalog"
	"hyprflux/internal/form"
	"hyprflux/internal/schema"
)

func builders(t *testing.T) (*catalog.Catalog, *Builder, *Builder) {
	t.Helper()
	c, err := catalog.Embedded()
	require.NoError(t, err)
	s, err := schema.Embedded()
	require.NoError(t, err)
	return c,
		New(Config{Catalog: c, Schemas: s, Flow: ImageFlow}),
		New(Config{Catalog: c, Schemas: s, Flow: VideoFlow})
}

func TestDallE3StyleNoneIsOmitted(t *testing.T) {
	c, img, _ := builders(t)
	r := form.NewReconciler(c, catalog.KindImage)

	v, err := r.Init(c.DefaultModel(catalog.KindImage))
	require.NoError(t, err)
	v, err = r.Edit(v, "model", "dall-e-3")
	require.NoError(t, err)
	v, _ = r.Edit(v, "prompt", "a cat")
	v, _ = r.Edit(v, "size", "1024x1024")
	v, _ = r.Edit(v, "style", "none")

	body, err := img.Build(v)
	require.NoError(t, err)
	_, hasStyle := body["style"]
	assert.False(t, hasStyle)
	assert.Equal(t, "dall-e-3", body["model"])
	assert.Equal(t, "a cat", body["prompt"])
	assert.Equal(t, "1024x1024", body["size"])
	assert.Equal(t, "b64_json", body["response_format"])

	_, hasFormat := body.Settings()["response_format"]
	assert.False(t, hasFormat)
}

func TestDefaultsValidateForEveryModel(t *testing.T) {
	c, img, vid := builders(t)

	for kind, b := range map[catalog.Kind]*Builder{catalog.KindImage: img, catalog.KindVideo: vid} {
		r := form.NewReconciler(c, kind)
		for _, e := range c.Models(kind) {
			v, err := r.Init(e.ID)
			require.NoError(t, err)
			v["prompt"] = "a lighthouse at dusk"
			for _, f := range e.Fields {
				if f.Required && f.Kind == catalog.FieldFile {
					v[f.Name] = "https://cdn.example.com/input.png"
				}
			}

			body, err := b.Build(v)
			require.NoError(t, err, "model %s", e.ID)
			assert.Equal(t, e.ID, body["model"])
		}
	}
}

func TestBuildDropsInapplicableAndEmptyValues(t *testing.T) {
	_, img, _ := builders(t)

	body, err := img.Build(form.Values{
		"model":      "dall-e-2",
		"prompt":     "a cat",
		"size":       "512x512",
		"style":      "vivid",
		"quality":    "",
		"unrelated":  "x",
		"background": nil,
	})
	require.NoError(t, err)
	assert.Equal(t, Body{
		"model":           "dall-e-2",
		"prompt":          "a cat",
		"size":            "512x512",
		"response_format": "b64_json",
	}, body)
}

func TestBuildReportsRequiredFields(t *testing.T) {
	_, img, _ := builders(t)

	_, err := img.Build(form.Values{"model": "p-image-edit", "prompt": "edit it"})
	var missing *MissingFieldError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "images", missing.Field)
	assert.True(t, missing.File)
	assert.Contains(t, err.Error(), "is required. Please upload a file.")

	_, err = img.Build(form.Values{"model": "dall-e-2", "size": "512x512"})
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "Prompt is required.", err.Error())
}

func TestBuildRejectsBadModel(t *testing.T) {
	_, img, vid := builders(t)

	_, err := img.Build(form.Values{"prompt": "x"})
	assert.True(t, errors.Is(err, ErrMissingModel))

	_, err = vid.Build(form.Values{"model": "dall-e-3", "prompt": "x"})
	assert.True(t, errors.Is(err, catalog.ErrModelNotFound))
}

func TestBuildValidatesAgainstSchema(t *testing.T) {
	_, img, _ := builders(t)

	_, err := img.Build(form.Values{"model": "dall-e-3", "prompt": "a cat", "size": "1024x1024", "quality": "ultra"})
	var verr *schema.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "quality", verr.Errors[0].Path)
}

func TestImageUploadsAcceptLists(t *testing.T) {
	_, img, _ := builders(t)

	body, err := img.Build(form.Values{
		"model":  "gpt-image-1",
		"prompt": "combine these",
		"image":  []any{"https://cdn.example.com/a.png", "https://cdn.example.com/b.png"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://cdn.example.com/a.png", "https://cdn.example.com/b.png"}, body["image"])

	body, err = img.Build(form.Values{
		"model":  "gpt-image-1",
		"prompt": "broken upload",
		"image":  []any{"https://cdn.example.com/a.png", ""},
	})
	require.NoError(t, err)
	_, ok := body["image"]
	assert.False(t, ok)
}

func TestVideoFlowQuirks(t *testing.T) {
	_, _, vid := builders(t)

	body, err := vid.Build(form.Values{
		"model":       "kling-v2.6",
		"prompt":      "waves",
		"duration":    "10",
		"start_image": "https://cdn.example.com/start.png",
	})
	require.NoError(t, err)
	assert.Equal(t, 10, body["duration"])
	assert.Equal(t, "https://cdn.example.com/start.png", body["start_image"])
	_, ok := body["response_format"]
	assert.False(t, ok)

	_, err = vid.Build(form.Values{
		"model":       "kling-v2.1-pro",
		"prompt":      "waves",
		"start_image": []any{"https://cdn.example.com/start.png"},
	})
	var verr *schema.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, schema.FieldError{Path: "start_image", Message: "Required"}, verr.Errors[0])
}

func TestToInt(t *testing.T) {
	assert.Equal(t, 5, toInt("5"))
	assert.Equal(t, 10, toInt("10s"))
	assert.Equal(t, "abc", toInt("abc"))
	assert.Equal(t, 6.0, toInt(6.0))
}
