package session

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hyprflux/internal/catalog"
	"hyprflux/internal/form"
	"hyprflux/internal/generate"
	"hyprflux/internal/hyprlab"
	"hyprflux/internal/media"
	"hyprflux/internal/schema"
	"hyprflux/internal/settings"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

type memHistory struct {
	mu   sync.Mutex
	recs []media.Record
}

func (h *memHistory) SaveMedia(_ context.Context, _ string, rec media.Record, _ bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recs = append([]media.Record{rec}, h.recs...)
	return nil
}

type fixture struct {
	deps     Deps
	store    *settings.MemoryStore
	history  *memHistory
	uploads  atomic.Int32
	failNext atomic.Bool
}

func newFixture(t *testing.T, apiKey string) *fixture {
	t.Helper()
	c, err := catalog.Embedded()
	require.NoError(t, err)
	sc, err := schema.Embedded()
	require.NoError(t, err)

	fx := &fixture{store: settings.NewMemoryStore(), history: &memHistory{}}
	var polls atomic.Int32
	mux := http.NewServeMux()
	var srvURL string
	mux.HandleFunc("/v1/images/generations", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"created":1700000000,"data":[{"b64_json":"aGk="}]}`)
	})
	mux.HandleFunc("/v1/video/generations", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"data":[{"url":"`+srvURL+`/poll/123"}]}`)
	})
	mux.HandleFunc("/poll/123", func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) < 2 {
			_, _ = io.WriteString(w, `{"status":"processing"}`)
			return
		}
		_, _ = io.WriteString(w, `{"created":1700000100,"data":[{"url":"https://cdn/final.mp4"}]}`)
	})
	mux.HandleFunc("/v1/uploads", func(w http.ResponseWriter, r *http.Request) {
		n := fx.uploads.Add(1)
		if fx.failNext.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		f, hdr, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		_ = f.Close()
		key := "imageUrl"
		if strings.HasPrefix(hdr.Header.Get("Content-Type"), "video/") {
			key = "videoUrl"
		}
		_, _ = io.WriteString(w, `{"`+key+`":"https://cdn.example.com/up`+string(rune('0'+n))+`"}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	srvURL = srv.URL

	fx.deps = Deps{
		Catalog:      c,
		Schemas:      sc,
		Settings:     fx.store,
		History:      fx.history,
		Client:       hyprlab.New(hyprlab.Config{BaseURL: srv.URL, APIKey: apiKey}),
		PollInterval: 10 * time.Millisecond,
	}
	return fx
}

func TestOpenUsesDefaultThenStoredModel(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, "sk")

	s, err := Open(ctx, fx.deps, "u1", catalog.KindImage)
	require.NoError(t, err)
	assert.Equal(t, fx.deps.Catalog.DefaultModel(catalog.KindImage), s.Model())

	require.NoError(t, s.SelectModel(ctx, "dall-e-3"))
	require.NoError(t, s.Set(ctx, "prompt", "a cat"))

	again, err := Open(ctx, fx.deps, "u1", catalog.KindImage)
	require.NoError(t, err)
	assert.Equal(t, "dall-e-3", again.Model())
	assert.Equal(t, "a cat", again.Values()["prompt"])

	require.NoError(t, fx.store.SetLastModel(ctx, "u2", catalog.KindImage, "no-such-model"))
	other, err := Open(ctx, fx.deps, "u2", catalog.KindImage)
	require.NoError(t, err)
	assert.Equal(t, fx.deps.Catalog.DefaultModel(catalog.KindImage), other.Model())
}

func TestSelectModelRejectsUnknown(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, "sk")
	s, err := Open(ctx, fx.deps, "u1", catalog.KindVideo)
	require.NoError(t, err)
	before := s.Values()

	err = s.SelectModel(ctx, "dall-e-3")
	assert.True(t, errors.Is(err, catalog.ErrModelNotFound))
	assert.Equal(t, before, s.Values())

	err = s.Set(ctx, "model", "nope")
	assert.True(t, errors.Is(err, catalog.ErrModelNotFound))
	assert.Equal(t, before, s.Values())
}

func TestSetModelMigratesValues(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, "sk")
	s, err := Open(ctx, fx.deps, "u1", catalog.KindImage)
	require.NoError(t, err)
	require.NoError(t, s.SelectModel(ctx, "dall-e-3"))
	require.NoError(t, s.Set(ctx, "prompt", "a cat"))

	require.NoError(t, s.Set(ctx, "model", "dall-e-2"))
	assert.Equal(t, "dall-e-2", s.Model())
	assert.Equal(t, "a cat", s.Values()["prompt"])

	last, err := fx.store.LastModel(ctx, "u1", catalog.KindImage)
	require.NoError(t, err)
	assert.Equal(t, "dall-e-2", last)
}

func TestSubmitImageSavesHistory(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, "")
	s, err := Open(ctx, fx.deps, "u1", catalog.KindImage)
	require.NoError(t, err)
	require.NoError(t, s.SelectModel(ctx, "dall-e-3"))
	require.NoError(t, s.Set(ctx, "prompt", "a cat"))

	_, err = s.Submit(ctx, nil)
	assert.True(t, errors.Is(err, ErrMissingAPIKey))

	require.NoError(t, s.SetAPIKey(ctx, " sk-user "))
	rec, err := s.Submit(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "aGk=", rec.ImageData)
	assert.Equal(t, "a cat", rec.Prompt)
	assert.Equal(t, "dall-e-3", rec.Model())
	require.Len(t, fx.history.recs, 1)
	assert.Equal(t, rec.Timestamp, fx.history.recs[0].Timestamp)
}

func TestSubmitReportsValidation(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, "sk")
	s, err := Open(ctx, fx.deps, "u1", catalog.KindImage)
	require.NoError(t, err)
	require.NoError(t, s.SelectModel(ctx, "dall-e-3"))

	_, err = s.Submit(ctx, nil)
	assert.EqualError(t, err, "Prompt is required.")
	assert.Empty(t, fx.history.recs)
}

func TestSubmitVideoPollsToCompletion(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, "sk")
	s, err := Open(ctx, fx.deps, "u1", catalog.KindVideo)
	require.NoError(t, err)
	require.NoError(t, s.SelectModel(ctx, "kling-v2.6"))
	require.NoError(t, s.Set(ctx, "prompt", "waves"))

	var mu sync.Mutex
	var msgs []string
	rec, err := s.Submit(ctx, func(st generate.Status) {
		mu.Lock()
		defer mu.Unlock()
		msgs = append(msgs, st.Message)
	})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/final.mp4", rec.VideoURL)
	assert.Equal(t, "kling-v2.6", rec.Settings["model"])
	assert.Equal(t, "2023-11-14T22:15:00.000Z", rec.Timestamp)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, msgs, "Processing video...")
	assert.Contains(t, msgs, "Video ready!")
}

func TestUploadAppendsForListFields(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, "sk")
	s, err := Open(ctx, fx.deps, "u1", catalog.KindImage)
	require.NoError(t, err)
	require.NoError(t, s.SelectModel(ctx, "gpt-image-1"))

	require.NoError(t, s.Upload(ctx, "image", File{Name: "a.png", Data: pngHeader}, File{Name: "b.png", Data: pngHeader}))
	got := asList(s.Values()["image"])
	assert.Len(t, got, 2)

	require.NoError(t, s.Upload(ctx, "image", File{Name: "c.png", Data: pngHeader}))
	assert.Len(t, asList(s.Values()["image"]), 3)

	stored, err := fx.store.FormValues(ctx, "u1", "gpt-image-1")
	require.NoError(t, err)
	assert.Len(t, asList(stored["image"]), 3)
}

func TestUploadSingleFieldKeepsFirst(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, "sk")
	s, err := Open(ctx, fx.deps, "u1", catalog.KindVideo)
	require.NoError(t, err)
	require.NoError(t, s.SelectModel(ctx, "kling-v2.6"))

	require.NoError(t, s.Upload(ctx, "start_image", File{Name: "a.png", Data: pngHeader}, File{Name: "b.png", Data: pngHeader}))
	assert.Equal(t, int32(1), fx.uploads.Load())
	v, ok := s.Values()["start_image"].(string)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(v, "https://cdn.example.com/"))
}

func TestUploadErrorBlocksSubmit(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, "sk")
	s, err := Open(ctx, fx.deps, "u1", catalog.KindImage)
	require.NoError(t, err)
	require.NoError(t, s.SelectModel(ctx, "flux-1.1-pro"))
	require.NoError(t, s.Set(ctx, "prompt", "a cat"))

	fx.failNext.Store(true)
	err = s.Upload(ctx, "image_prompt", File{Name: "ref.png", Data: pngHeader})
	assert.EqualError(t, err, "Upload error for image prompt: Upload ref.png: 500")
	assert.Equal(t, map[string]string{"image_prompt": "Upload ref.png: 500"}, s.UploadErrors())
	_, ok := s.Values()["image_prompt"]
	assert.False(t, ok)

	_, err = s.Submit(ctx, nil)
	assert.True(t, errors.Is(err, ErrUploadPending))
	assert.Contains(t, err.Error(), "Please resolve all file upload errors before generating.")

	s.ClearUpload(ctx, "image_prompt")
	assert.Empty(t, s.UploadErrors())
	_, err = s.Submit(ctx, nil)
	require.NoError(t, err)
}

func TestUploadRejectsWrongContent(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, "sk")
	s, err := Open(ctx, fx.deps, "u1", catalog.KindImage)
	require.NoError(t, err)
	require.NoError(t, s.SelectModel(ctx, "flux-1.1-pro"))

	err = s.Upload(ctx, "image_prompt", File{Name: "notes.txt", Data: []byte("just some text")})
	require.Error(t, err)
	assert.Contains(t, s.UploadErrors()["image_prompt"], "expected an image file")
	assert.Equal(t, int32(0), fx.uploads.Load())

	err = s.Upload(ctx, "prompt", File{Name: "a.png", Data: pngHeader})
	assert.Error(t, err)
}

func TestLoadSettingsRestoresRecord(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, "sk")
	s, err := Open(ctx, fx.deps, "u1", catalog.KindImage)
	require.NoError(t, err)

	err = s.LoadSettings(ctx, map[string]any{
		"model":             "flux-1.1-pro",
		"prompt":            "a lighthouse",
		"image_prompt_file": "image_prompt.temp",
	})
	require.NoError(t, err)
	v := s.Values()
	assert.Equal(t, "flux-1.1-pro", v.Model())
	assert.Equal(t, "a lighthouse", v["prompt"])
	_, ok := v["image_prompt_file"]
	assert.False(t, ok)

	assert.Error(t, s.LoadSettings(ctx, map[string]any{"prompt": "x"}))
	assert.Error(t, s.LoadSettings(ctx, map[string]any{"model": "kling-v2.6"}))
	assert.Equal(t, "flux-1.1-pro", s.Model())
}

func TestResetRestoresDefaults(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, "sk")
	s, err := Open(ctx, fx.deps, "u1", catalog.KindImage)
	require.NoError(t, err)
	require.NoError(t, s.SelectModel(ctx, "dall-e-3"))
	require.NoError(t, s.Set(ctx, "prompt", "a cat"))

	require.NoError(t, s.Reset(ctx))
	want, err := form.NewReconciler(fx.deps.Catalog, catalog.KindImage).Init("dall-e-3")
	require.NoError(t, err)
	assert.Equal(t, want, s.Values())
}

func TestPrepareSnapshotsValidValues(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, "sk")
	s, err := Open(ctx, fx.deps, "u1", catalog.KindImage)
	require.NoError(t, err)
	require.NoError(t, s.SelectModel(ctx, "dall-e-3"))

	_, err = s.Prepare(ctx)
	assert.EqualError(t, err, "Prompt is required.")

	require.NoError(t, s.Set(ctx, "prompt", "a cat"))
	values, err := s.Prepare(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "prompt", "a dog"))
	assert.Equal(t, "a cat", values["prompt"])
	assert.Empty(t, fx.history.recs)

	rec, err := Generate(ctx, fx.deps, "u1", catalog.KindImage, values, nil)
	require.NoError(t, err)
	assert.Equal(t, "a cat", rec.Prompt)
	require.Len(t, fx.history.recs, 1)
}
