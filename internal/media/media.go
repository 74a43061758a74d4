package media

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"hyprflux/internal/catalog"
)

const (
	BundleVersion   = "1.1"
	TimestampLayout = "2006-01-02T15:04:05.000Z"
	UnknownPrompt   = "N/A"
)

var ErrInvalidBundle = errors.New("Invalid import file format. Missing version or media/images array.")

// Record is one generated image or video as kept in history. Timestamp is
// the identity of a record.
type Record struct {
	Kind          catalog.Kind   `json:"type"`
	ImageData     string         `json:"imageData,omitempty"`
	VideoURL      string         `json:"videoUrl,omitempty"`
	Prompt        string         `json:"prompt"`
	RevisedPrompt string         `json:"revised_prompt,omitempty"`
	Settings      map[string]any `json:"settings"`
	Timestamp     string         `json:"timestamp"`
}

func (r Record) Model() string {
	s, _ := r.Settings["model"].(string)
	return s
}

// HasPayload reports whether the record carries its image data or video URL.
func (r Record) HasPayload() bool {
	if r.Kind == catalog.KindVideo {
		return r.VideoURL != ""
	}
	return r.ImageData != ""
}

// ImageURL reports whether ImageData is a link rather than base64 data.
func (r Record) ImageURL() bool {
	return strings.HasPrefix(r.ImageData, "http://") || strings.HasPrefix(r.ImageData, "https://")
}

// Timestamp renders created (epoch seconds) or, when it is zero, now.
func Timestamp(created int64, now time.Time) string {
	if created > 0 {
		return time.Unix(created, 0).UTC().Format(TimestampLayout)
	}
	return now.UTC().Format(TimestampLayout)
}

// PromptOf returns the prompt sent in settings, or UnknownPrompt.
func PromptOf(settings map[string]any) string {
	if p, ok := settings["prompt"].(string); ok && p != "" {
		return p
	}
	return UnknownPrompt
}

// uploaded names the file fields that are replaced by "<name>_file" markers
// when stored; the uploaded URLs expire on the remote side.
var uploaded = []string{"control_image", "image_prompt", "start_image", "end_image"}

var dropped = map[string]bool{
	"response_format": true,
	"output_format":   true,
}

// SanitizeSettings returns the settings as stored in history.
func SanitizeSettings(settings map[string]any) map[string]any {
	out := make(map[string]any, len(settings))
	for k, v := range settings {
		if empty(v) || dropped[k] {
			continue
		}
		if k == "raw" && v == false {
			continue
		}
		out[k] = v
	}
	for _, name := range uploaded {
		delete(out, name)
		if !empty(settings[name]) {
			out[name+"_file"] = name + ".temp"
		}
	}
	return out
}

func empty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	}
	return false
}

// Bundle is the export file format.
type Bundle struct {
	Version   string   `json:"version"`
	Timestamp string   `json:"timestamp"`
	Media     []Record `json:"media"`
}

func NewBundle(records []Record, now time.Time) Bundle {
	if records == nil {
		records = []Record{}
	}
	return Bundle{
		Version:   BundleVersion,
		Timestamp: now.UTC().Format(TimestampLayout),
		Media:     records,
	}
}

// ParseBundle reads an export file. Older exports carry the records under
// "images" instead of "media".
func ParseBundle(data []byte) (Bundle, error) {
	var raw struct {
		Version   string           `json:"version"`
		Timestamp string           `json:"timestamp"`
		Media     *json.RawMessage `json:"media"`
		Images    *json.RawMessage `json:"images"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Bundle{}, fmt.Errorf("decode bundle: %w", err)
	}
	list := raw.Media
	if list == nil {
		list = raw.Images
	}
	if raw.Version == "" || list == nil {
		return Bundle{}, ErrInvalidBundle
	}

	var records []Record
	if err := json.Unmarshal(*list, &records); err != nil {
		return Bundle{}, ErrInvalidBundle
	}
	for i := range records {
		if records[i].Kind == "" {
			records[i].Kind = catalog.KindImage
		}
	}
	return Bundle{Version: raw.Version, Timestamp: raw.Timestamp, Media: records}, nil
}

// ExportFileName names a history export written at now.
func ExportFileName(now time.Time) string {
	return "hypr-media-history-" + now.UTC().Format(TimestampLayout) + ".json"
}

// FileName derives a download name from the record's prompt and timestamp.
func FileName(rec Record) string {
	var b strings.Builder
	words := strings.Fields(strings.ToLower(rec.Prompt))
	if len(words) > 5 {
		words = words[:5]
	}
	for _, w := range words {
		for _, r := range w {
			if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
				b.WriteRune(r)
			}
		}
		b.WriteByte('_')
	}
	stamp := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, rec.Timestamp)

	ext := ".png"
	if rec.Kind == catalog.KindVideo {
		ext = ".mp4"
	}
	name := strings.Trim(b.String(), "_")
	if name == "" {
		name = "hyprflux"
	}
	return name + "_" + stamp + ext
}
