package generate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"hyprflux/internal/catalog"
	"hyprflux/internal/hyprlab"
	"hyprflux/internal/media"
	"hyprflux/internal/metrics"
	"hyprflux/internal/request"
)

const DefaultPollInterval = 5 * time.Second

var ErrStopped = errors.New("generation stopped")

type State int

const (
	Idle State = iota
	Submitting
	Polling
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Submitting:
		return "submitting"
	case Polling:
		return "polling"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) Terminal() bool {
	return s == Done || s == Failed
}

// JobError is a failure reported by the remote video job itself.
type JobError struct {
	Message string
}

func (e *JobError) Error() string {
	return e.Message
}

// Status is reported to observers on every transition and progress message.
type Status struct {
	Kind    catalog.Kind
	State   State
	Message string
	Err     error
}

// API is the part of the remote service a run talks to.
type API interface {
	GenerateImage(ctx context.Context, body any) (hyprlab.ImageResult, error)
	SubmitVideo(ctx context.Context, body any) (string, error)
	CheckVideo(ctx context.Context, pollURL string) (hyprlab.VideoStatus, error)
}

type Config struct {
	API          API
	PollInterval time.Duration
	OnStatus     func(Status)
	Now          func() time.Time
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
}

func (cfg *Config) defaults() {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.OnStatus == nil {
		cfg.OnStatus = func(Status) {}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
}

// run holds the state shared by both variants.
type run struct {
	kind catalog.Kind
	cfg  Config

	mu    sync.Mutex
	state State
}

func (r *run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// move switches from one of the from states to next. It reports false when
// the run is elsewhere, in which case nothing is announced.
func (r *run) move(next State, msg string, err error, from ...State) bool {
	r.mu.Lock()
	ok := false
	for _, s := range from {
		if r.state == s {
			ok = true
			break
		}
	}
	if ok {
		r.state = next
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.cfg.OnStatus(Status{Kind: r.kind, State: next, Message: msg, Err: err})
	if next.Terminal() {
		r.cfg.Metrics.Generation(string(r.kind), err)
	}
	return true
}

// ImageRun is a single synchronous image generation.
type ImageRun struct {
	run
}

func NewImageRun(cfg Config) *ImageRun {
	cfg.defaults()
	return &ImageRun{run: run{kind: catalog.KindImage, cfg: cfg}}
}

// Submit sends body once and returns the resulting record. A run can only be
// submitted from idle.
func (r *ImageRun) Submit(ctx context.Context, body request.Body) (media.Record, error) {
	if !r.move(Submitting, "Generating image...", nil, Idle) {
		return media.Record{}, fmt.Errorf("submit image run in state %s", r.State())
	}
	log := r.cfg.Logger.With().Str("kind", string(r.kind)).Interface("model", body["model"]).Logger()

	res, err := r.cfg.API.GenerateImage(ctx, body)
	if err != nil {
		log.Warn().Err(err).Msg("image generation failed")
		r.move(Failed, err.Error(), err, Submitting)
		return media.Record{}, err
	}

	data := res.B64JSON
	if data == "" {
		data = res.URL
	}
	settings := body.Settings()
	rec := media.Record{
		Kind:          catalog.KindImage,
		ImageData:     data,
		Prompt:        media.PromptOf(settings),
		RevisedPrompt: res.RevisedPrompt,
		Settings:      settings,
		Timestamp:     media.Timestamp(res.Created, r.cfg.Now()),
	}
	r.move(Done, "Image generated!", nil, Submitting)
	log.Info().Str("timestamp", rec.Timestamp).Msg("image generated")
	return rec, nil
}

// VideoRun submits one video job and polls it to completion.
type VideoRun struct {
	run

	stopOnce sync.Once
	stop     chan struct{}
	result   chan outcome
}

type outcome struct {
	rec media.Record
	err error
}

func NewVideoRun(cfg Config) *VideoRun {
	cfg.defaults()
	return &VideoRun{
		run:    run{kind: catalog.KindVideo, cfg: cfg},
		stop:   make(chan struct{}),
		result: make(chan outcome, 1),
	}
}

// Stop clears the polling ticker. Responses still in flight are discarded.
func (r *VideoRun) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Submit starts the job and blocks until it completes, fails, is stopped or
// ctx ends. settings are the form values captured at submit time and are
// stored on the produced record.
func (r *VideoRun) Submit(ctx context.Context, body request.Body, settings map[string]any) (media.Record, error) {
	if !r.move(Submitting, "Submitting video request...", nil, Idle) {
		return media.Record{}, fmt.Errorf("submit video run in state %s", r.State())
	}
	captured := make(map[string]any, len(settings))
	for k, v := range settings {
		captured[k] = v
	}

	pollURL, err := r.cfg.API.SubmitVideo(ctx, body)
	if err != nil {
		r.cfg.Logger.Warn().Err(err).Interface("model", body["model"]).Msg("video submit failed")
		r.move(Failed, err.Error(), err, Submitting)
		return media.Record{}, err
	}
	if !r.move(Polling, "Video generation started. Checking status...", nil, Submitting) {
		return media.Record{}, ErrStopped
	}

	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go r.poll(pollCtx, pollURL, captured)

	select {
	case out := <-r.result:
		return out.rec, out.err
	case <-r.stop:
		if !r.abort() {
			out := <-r.result
			return out.rec, out.err
		}
		return media.Record{}, ErrStopped
	case <-ctx.Done():
		if !r.abort() {
			out := <-r.result
			return out.rec, out.err
		}
		return media.Record{}, ctx.Err()
	}
}

// abort moves a polling run to Failed. It reports false when a poll outcome
// already left Polling; that outcome is then on its way to r.result.
func (r *VideoRun) abort() bool {
	return r.move(Failed, "Generation stopped.", ErrStopped, Polling)
}

func (r *VideoRun) poll(ctx context.Context, pollURL string, settings map[string]any) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.cfg.Logger.Debug().Str("poll_url", pollURL).Msg("polling video job")
	go r.check(ctx, pollURL, settings)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			if r.State() != Polling {
				return
			}
			go r.check(ctx, pollURL, settings)
		}
	}
}

func (r *VideoRun) check(ctx context.Context, pollURL string, settings map[string]any) {
	r.cfg.Metrics.VideoPolls.Inc()
	st, err := r.cfg.API.CheckVideo(ctx, pollURL)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		err = fmt.Errorf("Polling Error: %w", err)
		r.finish(Failed, err.Error(), outcome{err: err})
		return
	}

	switch st.State {
	case hyprlab.VideoDone:
		rec := media.Record{
			Kind:      catalog.KindVideo,
			VideoURL:  st.URL,
			Prompt:    media.PromptOf(settings),
			Settings:  settings,
			Timestamp: media.Timestamp(st.Created, r.cfg.Now()),
		}
		r.finish(Done, st.Message, outcome{rec: rec})
	case hyprlab.VideoFailed:
		r.finish(Failed, st.Message, outcome{err: &JobError{Message: st.Message}})
	default:
		r.progress(st.Message)
	}
}

// finish applies a terminal outcome while the run is still polling; later
// outcomes are dropped.
func (r *VideoRun) finish(next State, msg string, out outcome) {
	if !r.move(next, msg, out.err, Polling) {
		r.cfg.Logger.Debug().Str("state", next.String()).Msg("discarding stale poll outcome")
		return
	}
	if out.err != nil {
		r.cfg.Logger.Warn().Err(out.err).Msg("video generation failed")
	} else {
		r.cfg.Logger.Info().Str("timestamp", out.rec.Timestamp).Msg("video ready")
	}
	r.result <- out
}

func (r *VideoRun) progress(msg string) {
	if r.State() != Polling {
		return
	}
	r.cfg.OnStatus(Status{Kind: r.kind, State: Polling, Message: msg})
}
