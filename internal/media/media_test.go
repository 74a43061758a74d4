package media

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hyprflux/internal/catalog"
)

func TestSanitizeSettings(t *testing.T) {
	in := map[string]any{
		"model":           "flux-pro-1.1",
		"prompt":          "a cat",
		"seed":            nil,
		"negative_prompt": "",
		"raw":             false,
		"response_format": "b64_json",
		"output_format":   "png",
		"image_prompt":    "https://cdn.example.com/ref.png",
		"control_image":   "",
		"steps":           28.0,
	}
	assert.Equal(t, map[string]any{
		"model":             "flux-pro-1.1",
		"prompt":            "a cat",
		"image_prompt_file": "image_prompt.temp",
		"steps":             28.0,
	}, SanitizeSettings(in))

	assert.Equal(t, true, SanitizeSettings(map[string]any{"raw": true})["raw"])
}

func TestSanitizeSettingsVideoFrames(t *testing.T) {
	out := SanitizeSettings(map[string]any{
		"model":       "kling-v2.1-pro",
		"start_image": "https://cdn.example.com/a.png",
		"end_image":   "https://cdn.example.com/b.png",
		"duration":    5,
	})
	assert.Equal(t, map[string]any{
		"model":            "kling-v2.1-pro",
		"start_image_file": "start_image.temp",
		"end_image_file":   "end_image.temp",
		"duration":         5,
	}, out)
}

func TestTimestamp(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 123e6, time.FixedZone("X", 3600))
	assert.Equal(t, "2023-11-14T22:13:20.000Z", Timestamp(1700000000, now))
	assert.Equal(t, "2024-05-01T09:00:00.123Z", Timestamp(0, now))
}

func TestPromptOf(t *testing.T) {
	assert.Equal(t, "a cat", PromptOf(map[string]any{"prompt": "a cat"}))
	assert.Equal(t, UnknownPrompt, PromptOf(map[string]any{"prompt": ""}))
	assert.Equal(t, UnknownPrompt, PromptOf(nil))
}

func TestBundleRoundTrip(t *testing.T) {
	recs := []Record{
		{Kind: catalog.KindImage, ImageData: "aGk=", Prompt: "a cat", Settings: map[string]any{"model": "dall-e-3"}, Timestamp: "2024-01-01T00:00:00.000Z"},
		{Kind: catalog.KindVideo, VideoURL: "https://cdn/final.mp4", Prompt: "waves", Settings: map[string]any{"model": "kling-v2.6"}, Timestamp: "2024-01-02T00:00:00.000Z"},
	}
	data, err := json.Marshal(NewBundle(recs, time.Unix(0, 0)))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"version":"1.1"`)
	assert.Contains(t, string(data), `"videoUrl":"https://cdn/final.mp4"`)
	assert.NotContains(t, string(data), `"imageData":""`)

	b, err := ParseBundle(data)
	require.NoError(t, err)
	assert.Equal(t, recs, b.Media)
	assert.Equal(t, "dall-e-3", b.Media[0].Model())
}

func TestParseBundleLegacyImages(t *testing.T) {
	b, err := ParseBundle([]byte(`{"version":"1.0","images":[{"imageData":"aGk=","prompt":"x","settings":{},"timestamp":"t1"}]}`))
	require.NoError(t, err)
	require.Len(t, b.Media, 1)
	assert.Equal(t, catalog.KindImage, b.Media[0].Kind)
	assert.True(t, b.Media[0].HasPayload())
}

func TestParseBundleRejectsMalformed(t *testing.T) {
	for _, in := range []string{
		`{"media":[]}`,
		`{"version":"1.1"}`,
		`{"version":"1.1","media":null}`,
		`{"version":"1.1","media":"nope"}`,
	} {
		_, err := ParseBundle([]byte(in))
		assert.True(t, errors.Is(err, ErrInvalidBundle), in)
	}

	_, err := ParseBundle([]byte(`not json`))
	assert.Error(t, err)
}

func TestFileNames(t *testing.T) {
	rec := Record{Kind: catalog.KindImage, Prompt: "A Red Fox, at dawn! over hills", Timestamp: "2023-11-14T22:13:20.000Z"}
	assert.Equal(t, "a_red_fox_at_dawn_20231114221320000.png", FileName(rec))

	rec = Record{Kind: catalog.KindVideo, Prompt: "!!!", Timestamp: "2023-11-14T22:13:20.000Z"}
	assert.Equal(t, "hyprflux_20231114221320000.mp4", FileName(rec))

	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	assert.Equal(t, "hypr-media-history-2024-05-01T08:00:00.000Z.json", ExportFileName(now))

	assert.True(t, Record{ImageData: "https://cdn/x.png"}.ImageURL())
	assert.False(t, Record{ImageData: "aGk="}.ImageURL())
}
