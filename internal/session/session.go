package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"hyprflux/internal/catalog"
	"hyprflux/internal/form"
	"hyprflux/internal/generate"
	"hyprflux/internal/hyprlab"
	"hyprflux/internal/media"
	"hyprflux/internal/metrics"
	"hyprflux/internal/request"
	"hyprflux/internal/schema"
	"hyprflux/internal/settings"
)

var (
	ErrUploadPending = errors.New("upload errors pending")
	ErrMissingAPIKey = errors.New("API Key is required.")
	ErrBusy          = errors.New("a generation is already running")
)

// History receives finished records.
type History interface {
	SaveMedia(ctx context.Context, owner string, rec media.Record, prepend bool) error
}

type Deps struct {
	Catalog      *catalog.Catalog
	Schemas      *schema.Registry
	Settings     settings.Store
	History      History
	Client       *hyprlab.Client
	PollInterval time.Duration
	Now          func() time.Time
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
}

// Session is one generator workspace: a media kind, the selected model and
// its form values, pending upload errors and the running generation.
type Session struct {
	deps       Deps
	owner      string
	kind       catalog.Kind
	reconciler *form.Reconciler
	builder    *request.Builder
	logger     zerolog.Logger

	mu         sync.Mutex
	values     form.Values
	uploadErrs map[string]string
	video      *generate.VideoRun
	running    bool
}

// Open restores the owner's last model and its stored values, falling back
// to the catalog default.
func Open(ctx context.Context, deps Deps, owner string, kind catalog.Kind) (*Session, error) {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Global()
	}
	if deps.Settings == nil {
		deps.Settings = settings.NewMemoryStore()
	}
	logger := deps.Logger.With().Str("owner", owner).Str("kind", string(kind)).Logger()
	s := &Session{
		deps:       deps,
		owner:      owner,
		kind:       kind,
		reconciler: form.NewReconciler(deps.Catalog, kind),
		builder:    newBuilder(deps, kind, logger),
		logger:     logger,
		uploadErrs: map[string]string{},
	}

	model, err := deps.Settings.LastModel(ctx, owner, kind)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to read last model")
	}
	if _, err := deps.Catalog.Resolve(kind, model); err != nil {
		if model != "" {
			logger.Warn().Str("model", model).Msg("stored model not in catalog, using default")
		}
		model = deps.Catalog.DefaultModel(kind)
	}
	if err := s.SelectModel(ctx, model); err != nil {
		return nil, fmt.Errorf("open %s session: %w", kind, err)
	}
	return s, nil
}

func (s *Session) Kind() catalog.Kind { return s.kind }
func (s *Session) Owner() string      { return s.owner }

func (s *Session) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values.Model()
}

func (s *Session) Values() form.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values.Clone()
}

// Entry returns the catalog entry of the selected model.
func (s *Session) Entry() *catalog.Entry {
	e, _ := s.deps.Catalog.Lookup(s.Model())
	return e
}

// UploadErrors returns the pending upload error per field.
func (s *Session) UploadErrors() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.uploadErrs))
	for k, v := range s.uploadErrs {
		out[k] = v
	}
	return out
}

// SelectModel switches to a model tab: the values stored for that model, or
// its defaults.
func (s *Session) SelectModel(ctx context.Context, id string) error {
	entry, err := s.deps.Catalog.Resolve(s.kind, id)
	if err != nil {
		return err
	}

	values, err := s.deps.Settings.FormValues(ctx, s.owner, entry.ID)
	if err != nil {
		s.logger.Warn().Err(err).Str("model", entry.ID).Msg("failed to read stored values")
	}
	if values == nil {
		if values, err = s.reconciler.Init(entry.ID); err != nil {
			return err
		}
	}
	values["model"] = entry.ID

	s.mu.Lock()
	s.values = values
	s.uploadErrs = map[string]string{}
	s.mu.Unlock()

	if err := s.deps.Settings.SetLastModel(ctx, s.owner, s.kind, entry.ID); err != nil {
		s.logger.Warn().Err(err).Msg("failed to store last model")
	}
	return nil
}

// Set edits one field. Setting "model" migrates the current values.
func (s *Session) Set(ctx context.Context, name string, value any) error {
	s.mu.Lock()
	next, err := s.reconciler.Edit(s.values, name, value)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.values = next
	delete(s.uploadErrs, name)
	s.mu.Unlock()

	if name == "model" {
		if err := s.deps.Settings.SetLastModel(ctx, s.owner, s.kind, next.Model()); err != nil {
			s.logger.Warn().Err(err).Msg("failed to store last model")
		}
	}
	s.persist(ctx, next)
	return nil
}

// Reset puts the selected model back to its defaults.
func (s *Session) Reset(ctx context.Context) error {
	values, err := s.reconciler.Init(s.Model())
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.values = values
	s.uploadErrs = map[string]string{}
	s.mu.Unlock()
	s.persist(ctx, values)
	return nil
}

// LoadSettings switches to the model of a history record and its settings.
func (s *Session) LoadSettings(ctx context.Context, recSettings map[string]any) error {
	model, _ := recSettings["model"].(string)
	if model == "" {
		return fmt.Errorf("Cannot load settings: Invalid settings object or model missing.")
	}
	values, err := s.reconciler.Restore(recSettings)
	if err != nil {
		return fmt.Errorf("Cannot load settings: Model '%s' is not a valid %s model: %w", model, s.kind, err)
	}

	s.mu.Lock()
	s.values = values
	s.uploadErrs = map[string]string{}
	s.mu.Unlock()

	if err := s.deps.Settings.SetLastModel(ctx, s.owner, s.kind, values.Model()); err != nil {
		s.logger.Warn().Err(err).Msg("failed to store last model")
	}
	s.persist(ctx, values)
	return nil
}

func (s *Session) persist(ctx context.Context, values form.Values) {
	if len(values) <= 1 {
		return
	}
	if err := s.deps.Settings.SaveFormValues(ctx, s.owner, values.Model(), values); err != nil {
		s.logger.Warn().Err(err).Str("model", values.Model()).Msg("failed to store form values")
	}
}

// SetAPIKey stores the owner's API key.
func (s *Session) SetAPIKey(ctx context.Context, key string) error {
	return s.deps.Settings.SetAPIKey(ctx, s.owner, strings.TrimSpace(key))
}

func (s *Session) client(ctx context.Context) (*hyprlab.Client, error) {
	return s.deps.client(ctx, s.owner)
}

func (d Deps) client(ctx context.Context, owner string) (*hyprlab.Client, error) {
	key, err := d.Settings.APIKey(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("read api key: %w", err)
	}
	if key == "" {
		if d.Client.HasAPIKey() {
			return d.Client, nil
		}
		return nil, ErrMissingAPIKey
	}
	return d.Client.WithAPIKey(key), nil
}

// Submit validates the form, runs one generation and stores the result in
// history. onStatus may be nil.
func (s *Session) Submit(ctx context.Context, onStatus func(generate.Status)) (media.Record, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return media.Record{}, ErrBusy
	}
	pending := len(s.uploadErrs) > 0
	values := s.values.Clone()
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.video = nil
		s.mu.Unlock()
	}()

	if pending {
		return media.Record{}, s.pendingError()
	}
	return s.deps.generate(ctx, job{
		owner:    s.owner,
		kind:     s.kind,
		values:   values,
		builder:  s.builder,
		onStatus: onStatus,
		logger:   s.logger,
		track: func(r *generate.VideoRun) {
			s.mu.Lock()
			s.video = r
			s.mu.Unlock()
		},
	})
}

func (s *Session) pendingError() error {
	msg := "Please resolve all file upload errors before generating."
	if s.kind == catalog.KindVideo {
		msg = "Please resolve file upload errors."
	}
	return fmt.Errorf("%w: %s", ErrUploadPending, msg)
}

// Prepare runs the checks Submit does before contacting the API and returns
// the values to generate with. Front ends that hand generation to a worker
// call it before queueing.
func (s *Session) Prepare(ctx context.Context) (form.Values, error) {
	s.mu.Lock()
	pending := len(s.uploadErrs) > 0
	values := s.values.Clone()
	s.mu.Unlock()

	if pending {
		return nil, s.pendingError()
	}
	if _, err := s.client(ctx); err != nil {
		return nil, err
	}
	if _, err := s.builder.Build(values); err != nil {
		return nil, err
	}
	return values, nil
}

// Generate runs one generation for a snapshot of form values, as queued by
// a front end, and stores the result in the owner's history.
func Generate(ctx context.Context, deps Deps, owner string, kind catalog.Kind, values form.Values, onStatus func(generate.Status)) (media.Record, error) {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Global()
	}
	if deps.Settings == nil {
		deps.Settings = settings.NewMemoryStore()
	}
	logger := deps.Logger.With().Str("owner", owner).Str("kind", string(kind)).Logger()
	return deps.generate(ctx, job{
		owner:    owner,
		kind:     kind,
		values:   values,
		builder:  newBuilder(deps, kind, logger),
		onStatus: onStatus,
		logger:   logger,
	})
}

func newBuilder(deps Deps, kind catalog.Kind, logger zerolog.Logger) *request.Builder {
	flow := request.ImageFlow
	if kind == catalog.KindVideo {
		flow = request.VideoFlow
	}
	return request.New(request.Config{Catalog: deps.Catalog, Schemas: deps.Schemas, Flow: flow, Logger: logger})
}

type job struct {
	owner    string
	kind     catalog.Kind
	values   form.Values
	builder  *request.Builder
	onStatus func(generate.Status)
	logger   zerolog.Logger
	track    func(*generate.VideoRun)
}

func (d Deps) generate(ctx context.Context, j job) (media.Record, error) {
	api, err := d.client(ctx, j.owner)
	if err != nil {
		return media.Record{}, err
	}
	body, err := j.builder.Build(j.values)
	if err != nil {
		return media.Record{}, err
	}

	cfg := generate.Config{
		API:          api,
		PollInterval: d.PollInterval,
		OnStatus:     j.onStatus,
		Now:          d.Now,
		Logger:       j.logger,
		Metrics:      d.Metrics,
	}
	var rec media.Record
	if j.kind == catalog.KindVideo {
		run := generate.NewVideoRun(cfg)
		if j.track != nil {
			j.track(run)
		}
		rec, err = run.Submit(ctx, body, j.values)
	} else {
		rec, err = generate.NewImageRun(cfg).Submit(ctx, body)
	}
	if err != nil {
		return media.Record{}, err
	}

	if d.History != nil {
		if err := d.History.SaveMedia(ctx, j.owner, rec, true); err != nil {
			j.logger.Error().Err(err).Str("timestamp", rec.Timestamp).Msg("failed to save generated media")
		}
	}
	return rec, nil
}

// Stop ends polling of a running video generation.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.video != nil {
		s.video.Stop()
	}
}
