package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/sync/errgroup"

	"hyprflux/internal/catalog"
	"hyprflux/internal/schema"
)

// File is one local file to upload.
type File struct {
	Name string
	Data []byte
}

const maxParallelUploads = 4

// videoField reports whether a file field takes a video rather than an image.
func videoField(name string) bool {
	return strings.Contains(name, "video") || strings.Contains(name, "vid")
}

// multiple reports whether the selected model accepts several files for field.
func (s *Session) multiple(model, field string) bool {
	sc, ok := s.deps.Schemas.Get(model)
	if !ok {
		return false
	}
	r, ok := sc.Rule(field)
	return ok && r.Type == schema.TypeURLList
}

// Upload sends files for one file field of the selected model. Fields that
// accept a list get the new URLs appended, others keep only the first file.
// Failures are kept as the field's upload error and block Submit until the
// field is set again or cleared.
func (s *Session) Upload(ctx context.Context, field string, files ...File) error {
	if len(files) == 0 {
		return nil
	}
	model := s.Model()
	entry, err := s.deps.Catalog.Resolve(s.kind, model)
	if err != nil {
		return err
	}
	f, ok := entry.Field(field)
	if !ok || f.Kind != catalog.FieldFile {
		return fmt.Errorf("%q is not a file field of %s", field, model)
	}
	many := s.multiple(model, field)
	if !many {
		files = files[:1]
	}
	api, err := s.client(ctx)
	if err != nil {
		return err
	}

	wantVideo := videoField(field)
	urls := make([]string, len(files))
	errs := make([]error, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelUploads)
	for i, file := range files {
		g.Go(func() error {
			mt := mimetype.Detect(file.Data)
			isVideo := strings.HasPrefix(mt.String(), "video/")
			switch {
			case wantVideo && !isVideo:
				errs[i] = fmt.Errorf("Upload %s: expected a video file, got %s.", file.Name, mt.String())
			case !wantVideo && !strings.HasPrefix(mt.String(), "image/"):
				errs[i] = fmt.Errorf("Upload %s: expected an image file, got %s.", file.Name, mt.String())
			default:
				urls[i], errs[i] = api.Upload(gctx, file.Name, mt.String(), file.Data, wantVideo)
			}
			s.deps.Metrics.Upload(errs[i])
			// per-file errors are collected, the group itself never fails
			return nil
		})
	}
	_ = g.Wait()

	var uploaded []string
	var msgs []string
	for i := range files {
		if errs[i] != nil {
			msgs = append(msgs, errs[i].Error())
			continue
		}
		uploaded = append(uploaded, urls[i])
	}

	s.mu.Lock()
	if s.values.Model() != model {
		s.mu.Unlock()
		return fmt.Errorf("model changed to %s during upload", s.values.Model())
	}
	next := s.values.Clone()
	switch {
	case len(uploaded) > 0 && many:
		next[field] = append(asList(next[field]), uploaded...)
	case len(uploaded) > 0:
		next[field] = uploaded[0]
	case !many:
		delete(next, field)
	}
	s.values = next
	if len(msgs) > 0 {
		s.uploadErrs[field] = strings.Join(msgs, "; ")
	} else {
		delete(s.uploadErrs, field)
	}
	s.mu.Unlock()
	s.persist(ctx, next)

	if len(msgs) > 0 {
		msg := strings.Join(msgs, "; ")
		s.logger.Warn().Str("field", field).Str("error", msg).Msg("upload failed")
		return fmt.Errorf("Upload error for %s: %s", strings.ReplaceAll(field, "_", " "), msg)
	}
	return nil
}

// ClearUpload removes a file field's value and its upload error.
func (s *Session) ClearUpload(ctx context.Context, field string) {
	s.mu.Lock()
	next := s.values.Clone()
	delete(next, field)
	s.values = next
	delete(s.uploadErrs, field)
	s.mu.Unlock()
	s.persist(ctx, next)
}

func asList(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
