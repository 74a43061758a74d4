package hyprlab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

const DefaultBaseURL = "https://api.hyprlab.io"

var (
	ErrMissingImageData = errors.New("Invalid API response structure: Missing image data (b64_json or url).")
	ErrMissingPollURL   = errors.New("Invalid API response: Missing polling URL (data[0].url).")
)

// APIError is a non-2xx answer of the generation API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}

type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

type Client struct {
	cfg  Config
	http *resty.Client
}

func New(cfg Config) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}

	var rc *resty.Client
	if cfg.HTTPClient != nil {
		rc = resty.NewWithClient(cfg.HTTPClient)
	} else {
		rc = resty.New()
	}
	rc.SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("User-Agent", "hyprflux/1.0")

	logger := cfg.Logger
	rc.OnAfterResponse(func(_ *resty.Client, resp *resty.Response) error {
		logger.Debug().
			Str("method", resp.Request.Method).
			Str("url", resp.Request.URL).
			Int("status", resp.StatusCode()).
			Dur("took", resp.Time()).
			Msg("generation api call")
		return nil
	})

	return &Client{cfg: cfg, http: rc}
}

// WithAPIKey returns a client that authenticates with key and shares the
// underlying connection pool.
func (c *Client) WithAPIKey(key string) *Client {
	cfg := c.cfg
	cfg.APIKey = key
	return &Client{cfg: cfg, http: c.http}
}

func (c *Client) HasAPIKey() bool {
	return strings.TrimSpace(c.cfg.APIKey) != ""
}

func (c *Client) request(ctx context.Context) *resty.Request {
	r := c.http.R().SetContext(ctx)
	if c.HasAPIKey() {
		r.SetAuthToken(c.cfg.APIKey)
	}
	return r
}

type ImageResult struct {
	Created       int64
	B64JSON       string
	URL           string
	RevisedPrompt string
}

type imageResponse struct {
	Created int64 `json:"created"`
	Data    []struct {
		B64JSON       string `json:"b64_json"`
		URL           string `json:"url"`
		RevisedPrompt string `json:"revised_prompt"`
	} `json:"data"`
}

// GenerateImage sends one image request and returns the first result.
func (c *Client) GenerateImage(ctx context.Context, body any) (ImageResult, error) {
	resp, err := c.request(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post("/v1/images/generations")
	if err != nil {
		return ImageResult{}, fmt.Errorf("image request: %w", err)
	}
	if resp.IsError() {
		return ImageResult{}, apiError(resp, fmt.Sprintf("API request failed with status: %d", resp.StatusCode()))
	}

	var out imageResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return ImageResult{}, fmt.Errorf("decode image response: %w", err)
	}
	if len(out.Data) == 0 || (out.Data[0].B64JSON == "" && out.Data[0].URL == "") {
		return ImageResult{}, ErrMissingImageData
	}
	return ImageResult{
		Created:       out.Created,
		B64JSON:       out.Data[0].B64JSON,
		URL:           out.Data[0].URL,
		RevisedPrompt: out.Data[0].RevisedPrompt,
	}, nil
}

type dataURLResponse struct {
	Created int64 `json:"created"`
	Data    []struct {
		URL string `json:"url"`
	} `json:"data"`
}

func (r dataURLResponse) firstURL() string {
	if len(r.Data) == 0 {
		return ""
	}
	return r.Data[0].URL
}

// SubmitVideo starts an asynchronous video job and returns its polling URL.
func (c *Client) SubmitVideo(ctx context.Context, body any) (string, error) {
	resp, err := c.request(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post("/v1/video/generations")
	if err != nil {
		return "", fmt.Errorf("video request: %w", err)
	}
	if resp.IsError() {
		return "", apiError(resp, fmt.Sprintf("Request failed: %d", resp.StatusCode()))
	}

	var out dataURLResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("decode video response: %w", err)
	}
	if u := out.firstURL(); u != "" {
		return u, nil
	}
	return "", ErrMissingPollURL
}

type VideoState int

const (
	VideoPending VideoState = iota
	VideoDone
	VideoFailed
	VideoUnknown
)

type VideoStatus struct {
	State   VideoState
	Message string
	URL     string
	Created int64
}

// CheckVideo queries a polling URL once.
func (c *Client) CheckVideo(ctx context.Context, pollURL string) (VideoStatus, error) {
	resp, err := c.request(ctx).
		SetHeader("Accept", "application/json").
		Get(pollURL)
	if err != nil {
		return VideoStatus{}, fmt.Errorf("poll request: %w", err)
	}
	if resp.IsError() {
		return VideoStatus{}, apiError(resp, fmt.Sprintf("Polling failed: %d", resp.StatusCode()))
	}
	return parseVideoStatus(resp.Body())
}

func parseVideoStatus(body []byte) (VideoStatus, error) {
	var out struct {
		dataURLResponse
		Status  string    `json:"status"`
		Message string    `json:"message"`
		Error   *apiFault `json:"error"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return VideoStatus{}, fmt.Errorf("decode poll response: %w", err)
	}

	switch {
	case out.Status == "processing" || out.Status == "pending":
		msg := out.Message
		if msg == "" {
			msg = "Processing video..."
		}
		return VideoStatus{State: VideoPending, Message: msg}, nil
	case out.firstURL() != "":
		return VideoStatus{State: VideoDone, URL: out.firstURL(), Created: out.Created, Message: "Video ready!"}, nil
	case out.Status == "failed" || out.Error != nil:
		msg := "Video generation failed during processing."
		if out.Error != nil && out.Error.Message != "" {
			msg = out.Error.Message
		} else if out.Message != "" {
			msg = out.Message
		}
		return VideoStatus{State: VideoFailed, Message: msg}, nil
	default:
		return VideoStatus{State: VideoUnknown, Message: "Received unexpected status..."}, nil
	}
}

// Upload stores one file on the API side and returns its URL. Video files
// are answered under "videoUrl", everything else under "imageUrl".
func (c *Client) Upload(ctx context.Context, name, contentType string, data []byte, video bool) (string, error) {
	resp, err := c.request(ctx).
		SetMultipartField("file", name, contentType, bytes.NewReader(data)).
		Post("/v1/uploads")
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	if resp.IsError() {
		return "", apiError(resp, fmt.Sprintf("Upload %s: %d", name, resp.StatusCode()))
	}

	key := "imageUrl"
	if video {
		key = "videoUrl"
	}
	var out map[string]any
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	u, _ := out[key].(string)
	if u == "" {
		return "", fmt.Errorf("Upload %s: Missing %s.", name, key)
	}
	return u, nil
}

type apiFault struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

func apiError(resp *resty.Response, fallback string) *APIError {
	var body struct {
		Error   *apiFault `json:"error"`
		Message string    `json:"message"`
	}
	msg := fallback
	if err := json.Unmarshal(resp.Body(), &body); err == nil {
		if body.Error != nil && body.Error.Message != "" {
			msg = body.Error.Message
		} else if body.Message != "" {
			msg = body.Message
		}
	}
	return &APIError{Status: resp.StatusCode(), Message: msg}
}
