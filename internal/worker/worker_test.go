package worker

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hyprflux/internal/catalog"
	"hyprflux/internal/form"
	"hyprflux/internal/hyprlab"
	"hyprflux/internal/media"
	"hyprflux/internal/queue"
	"hyprflux/internal/schema"
	"hyprflux/internal/session"
	"hyprflux/internal/settings"
)

type sent struct {
	kind    string
	chatID  int64
	replyTo int64
	text    string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sent
}

func (f *fakeSender) add(s sent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, s)
	return nil
}

func (f *fakeSender) Text(_ context.Context, chatID, replyTo int64, text string) error {
	return f.add(sent{kind: "text", chatID: chatID, replyTo: replyTo, text: text})
}

func (f *fakeSender) Photo(_ context.Context, chatID, replyTo int64, photo gotgbot.InputFileOrString, caption string) error {
	return f.add(sent{kind: "photo", chatID: chatID, replyTo: replyTo, text: caption})
}

func (f *fakeSender) Video(_ context.Context, chatID, replyTo int64, videoURL, caption string) error {
	return f.add(sent{kind: "video", chatID: chatID, replyTo: replyTo, text: videoURL})
}

func (f *fakeSender) all() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

type memHistory struct {
	mu   sync.Mutex
	recs []media.Record
}

func (h *memHistory) SaveMedia(_ context.Context, _ string, rec media.Record, _ bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recs = append(h.recs, rec)
	return nil
}

func newDeps(t *testing.T, imageStatus int) (session.Deps, *memHistory) {
	t.Helper()
	c, err := catalog.Embedded()
	require.NoError(t, err)
	sc, err := schema.Embedded()
	require.NoError(t, err)

	var srvURL string
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/images/generations", func(w http.ResponseWriter, r *http.Request) {
		if imageStatus != http.StatusOK {
			w.WriteHeader(imageStatus)
			return
		}
		_, _ = io.WriteString(w, `{"created":1700000000,"data":[{"url":"https://cdn.example.com/cat.png","revised_prompt":"a fluffy cat"}]}`)
	})
	mux.HandleFunc("/v1/video/generations", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"data":[{"url":"`+srvURL+`/poll/1"}]}`)
	})
	mux.HandleFunc("/poll/1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"created":1700000100,"data":[{"url":"https://cdn.example.com/clip.mp4"}]}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	srvURL = srv.URL

	h := &memHistory{}
	return session.Deps{
		Catalog:      c,
		Schemas:      sc,
		Settings:     settings.NewMemoryStore(),
		History:      h,
		Client:       hyprlab.New(hyprlab.Config{BaseURL: srv.URL, APIKey: "sk"}),
		PollInterval: 10 * time.Millisecond,
	}, h
}

// formValues returns the catalog defaults of model with prompt filled in.
func formValues(t *testing.T, deps session.Deps, kind catalog.Kind, model, prompt string) form.Values {
	t.Helper()
	v, err := form.NewReconciler(deps.Catalog, kind).Init(model)
	require.NoError(t, err)
	v["prompt"] = prompt
	return v
}

func TestProcessJobSendsPhoto(t *testing.T) {
	deps, h := newDeps(t, http.StatusOK)
	fs := &fakeSender{}
	w := New(Config{Sender: fs, Session: deps})

	err := w.processJob(context.Background(), queue.GenerateJob{
		ChatID:    5,
		MessageID: 9,
		Owner:     "42",
		Kind:      catalog.KindImage,
		Values:    formValues(t, deps, catalog.KindImage, "dall-e-3", "a cat"),
	})
	require.NoError(t, err)

	got := fs.all()
	require.Len(t, got, 1)
	assert.Equal(t, "photo", got[0].kind)
	assert.Equal(t, int64(5), got[0].chatID)
	assert.Equal(t, int64(9), got[0].replyTo)
	assert.Contains(t, got[0].text, "a cat\ndall-e-3")
	assert.Contains(t, got[0].text, "Revised: a fluffy cat")
	require.Len(t, h.recs, 1)
}

func TestProcessJobReportsFailure(t *testing.T) {
	deps, h := newDeps(t, http.StatusBadGateway)
	fs := &fakeSender{}
	w := New(Config{Sender: fs, Session: deps})

	err := w.processJob(context.Background(), queue.GenerateJob{
		ChatID: 5,
		Owner:  "42",
		Kind:   catalog.KindImage,
		Values: formValues(t, deps, catalog.KindImage, "dall-e-3", "a cat"),
	})
	require.Error(t, err)

	got := fs.all()
	require.Len(t, got, 1)
	assert.Equal(t, "text", got[0].kind)
	assert.Equal(t, "Image generation failed: API request failed with status: 502", got[0].text)
	assert.Empty(t, h.recs)
}

func TestWorkerConsumesVideoJob(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	deps, h := newDeps(t, http.StatusOK)
	q := queue.NewStreamQueue(rdb, "hyprflux:jobs", "workers", "w-test", 20*time.Millisecond)
	fs := &fakeSender{}
	w := New(Config{Sender: fs, Queue: q, Session: deps})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, q.EnsureGroup(ctx))
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx, 1) }()

	_, err = q.Enqueue(ctx, queue.GenerateJob{
		ChatID: 5,
		Owner:  "42",
		Kind:   catalog.KindVideo,
		Values: formValues(t, deps, catalog.KindVideo, "kling-v2.6", "waves"),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n, err := q.Pending(ctx)
		return err == nil && n == 0 && len(fs.all()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	got := fs.all()
	require.Len(t, got, 2)
	assert.Equal(t, "Video generation started. Checking status...", got[0].text)
	assert.Equal(t, "https://cdn.example.com/clip.mp4", got[len(got)-1].text)
	require.Len(t, h.recs, 1)
	assert.Equal(t, "2023-11-14T22:15:00.000Z", h.recs[0].Timestamp)
}

func TestWorkerReclaimsStaleJobsAndDropsMalformed(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	deps, h := newDeps(t, http.StatusOK)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dead := queue.NewStreamQueue(rdb, "hyprflux:jobs", "workers", "w-dead", 20*time.Millisecond)
	require.NoError(t, dead.EnsureGroup(ctx))
	_, err = dead.Enqueue(ctx, queue.GenerateJob{
		ChatID: 7,
		Owner:  "42",
		Kind:   catalog.KindImage,
		Values: formValues(t, deps, catalog.KindImage, "dall-e-3", "a cat"),
	})
	require.NoError(t, err)
	msgs, err := dead.Read(ctx, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	q := queue.NewStreamQueue(rdb, "hyprflux:jobs", "workers", "w-live", 20*time.Millisecond)
	fs := &fakeSender{}
	w := New(Config{Sender: fs, Queue: q, Session: deps, ReclaimIdle: time.Millisecond})

	time.Sleep(5 * time.Millisecond)
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx, 2) }()

	require.NoError(t, rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: "hyprflux:jobs",
		Values: map[string]any{"payload": "{broken"},
	}).Err())

	require.Eventually(t, func() bool {
		n, err := q.Pending(ctx)
		return err == nil && n == 0 && len(fs.all()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	got := fs.all()
	assert.Equal(t, "photo", got[0].kind)
	assert.Equal(t, int64(7), got[0].chatID)
	require.Len(t, h.recs, 1)
}

func TestShareDealsRoundRobin(t *testing.T) {
	msgs := []queue.Message{{ID: "1"}, {ID: "2"}, {ID: "3"}, {ID: "4"}, {ID: "5"}}
	assert.Equal(t, []queue.Message{{ID: "1"}, {ID: "4"}}, share(msgs, 0, 3))
	assert.Equal(t, []queue.Message{{ID: "3"}}, share(msgs, 2, 3))
	assert.Nil(t, share(nil, 0, 1))
}

func TestCaptionTruncates(t *testing.T) {
	long := make([]rune, 2000)
	for i := range long {
		long[i] = 'x'
	}
	c := Caption(media.Record{Prompt: string(long), Settings: map[string]any{"model": "dall-e-3"}})
	assert.Len(t, []rune(c), 1024)
}
