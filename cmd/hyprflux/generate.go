package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"hyprflux/internal/catalog"
	"hyprflux/internal/generate"
	"hyprflux/internal/media"
	"hyprflux/internal/session"
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate an image or a video",
}

type generateOpts struct {
	model      string
	set        []string
	files      []string
	out        string
	noDownload bool
}

func init() {
	generateCmd.AddCommand(newGenerateCmd(catalog.KindImage))
	generateCmd.AddCommand(newGenerateCmd(catalog.KindVideo))
}

func newGenerateCmd(kind catalog.Kind) *cobra.Command {
	opts := &generateOpts{}
	cmd := &cobra.Command{
		Use:   string(kind) + " [prompt]",
		Short: "Generate " + article(kind) + " " + string(kind),
		Long: `Fills the form of the selected model, uploads files, submits the request and
saves the result to history and to a local file.

Values set with --set are converted to the field's type (numbers, booleans,
select options). A value starting with "[" is read as a JSON list.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerate(cmd.Context(), cmd.OutOrStdout(), kind, opts, strings.Join(args, " "))
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.model, "model", "m", "", "model id (see hyprflux models); defaults to the last used model")
	f.StringArrayVarP(&opts.set, "set", "s", nil, "field=value, repeatable")
	f.StringArrayVarP(&opts.files, "file", "f", nil, "field=path of a file to upload, repeatable")
	f.StringVarP(&opts.out, "out", "o", "", "output file (default derived from prompt and timestamp)")
	f.BoolVar(&opts.noDownload, "no-download", false, "only store the result in history")
	return cmd
}

func article(kind catalog.Kind) string {
	if kind == catalog.KindImage {
		return "an"
	}
	return "a"
}

func runGenerate(ctx context.Context, stdout io.Writer, kind catalog.Kind, opts *generateOpts, prompt string) error {
	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	sess, err := session.Open(ctx, a.deps(), flagOwner, kind)
	if err != nil {
		return err
	}
	if opts.model != "" {
		if err := sess.SelectModel(ctx, opts.model); err != nil {
			if errors.Is(err, catalog.ErrModelNotFound) {
				return fmt.Errorf("%s is not a %s model, see hyprflux models %s", opts.model, kind, kind)
			}
			return err
		}
	}
	for _, kv := range opts.set {
		name, value, err := parseAssignment(kv)
		if err != nil {
			return err
		}
		if err := sess.Set(ctx, name, value); err != nil {
			return fmt.Errorf("set %s: %w", name, err)
		}
	}
	if prompt != "" {
		if err := sess.Set(ctx, "prompt", prompt); err != nil {
			return err
		}
	}

	uploads, order, err := readFiles(opts.files)
	if err != nil {
		return err
	}
	for _, field := range order {
		if f, ok := sess.Entry().Field(field); !ok || f.Kind != catalog.FieldFile {
			return fmt.Errorf("%s has no file field %q", sess.Model(), field)
		}
		if err := sess.Upload(ctx, field, uploads[field]...); err != nil {
			return err
		}
	}

	started := time.Now()
	rec, err := sess.Submit(ctx, func(st generate.Status) {
		if st.Message != "" {
			log.Info().Str("state", st.State.String()).Msg(st.Message)
		}
	})
	if err != nil {
		return err
	}
	log.Debug().Dur("took", time.Since(started)).Str("timestamp", rec.Timestamp).Msg("generation finished")

	fmt.Fprintf(stdout, "model: %s\ntimestamp: %s\n", rec.Model(), rec.Timestamp)
	if rec.RevisedPrompt != "" {
		fmt.Fprintf(stdout, "revised prompt: %s\n", rec.RevisedPrompt)
	}
	if rec.Kind == catalog.KindVideo {
		fmt.Fprintf(stdout, "video: %s\n", rec.VideoURL)
	}
	if opts.noDownload {
		return nil
	}
	path := opts.out
	if path == "" {
		path = media.FileName(rec)
	}
	if err := writeRecord(ctx, resty.New().SetTimeout(5*time.Minute), rec, path); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "saved: %s\n", path)
	return nil
}

// parseAssignment splits field=value. A value starting with "[" is decoded
// as a JSON list; everything else stays a string for the field to coerce.
func parseAssignment(kv string) (string, any, error) {
	name, raw, ok := strings.Cut(kv, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return "", nil, fmt.Errorf("expected field=value, got %q", kv)
	}
	if name == "model" {
		return "", nil, fmt.Errorf("use --model to pick the model")
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return name, nil, nil
	}
	if strings.HasPrefix(raw, "[") {
		var list []any
		if err := json.Unmarshal([]byte(raw), &list); err != nil {
			return "", nil, fmt.Errorf("%s: invalid JSON list: %w", name, err)
		}
		return name, list, nil
	}
	return name, raw, nil
}

// readFiles loads field=path pairs, grouping several files for one field in
// flag order.
func readFiles(pairs []string) (map[string][]session.File, []string, error) {
	out := map[string][]session.File{}
	var order []string
	for _, kv := range pairs {
		field, path, ok := strings.Cut(kv, "=")
		field = strings.TrimSpace(field)
		if !ok || field == "" || strings.TrimSpace(path) == "" {
			return nil, nil, fmt.Errorf("expected field=path, got %q", kv)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, fmt.Errorf("read %s: %w", path, err)
		}
		if _, seen := out[field]; !seen {
			order = append(order, field)
		}
		out[field] = append(out[field], session.File{Name: filepath.Base(path), Data: data})
	}
	return out, order, nil
}

// writeRecord stores the media of rec at path, downloading it when the
// record only holds a URL.
func writeRecord(ctx context.Context, client *resty.Client, rec media.Record, path string) error {
	url := rec.VideoURL
	if rec.Kind == catalog.KindImage {
		if !rec.ImageURL() {
			data, err := base64.StdEncoding.DecodeString(rec.ImageData)
			if err != nil {
				return fmt.Errorf("decode image: %w", err)
			}
			return os.WriteFile(path, data, 0o644)
		}
		url = rec.ImageData
	}
	if url == "" {
		return fmt.Errorf("record %s has no media", rec.Timestamp)
	}

	resp, err := client.R().SetContext(ctx).SetOutput(path).Get(url)
	if err != nil {
		return fmt.Errorf("download %s: %w", rec.Kind, err)
	}
	if resp.IsError() {
		_ = os.Remove(path)
		return fmt.Errorf("download %s: status %d", rec.Kind, resp.StatusCode())
	}
	return nil
}
