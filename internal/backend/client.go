/*
Package backend is the HTTP client for the weapon-detection backend.

Every call is bounded by the client timeout (5s by default) and by the
caller's context. Transport failures are reported as ErrNetwork (and
ErrTimeout for deadlines and aborts); non-2xx responses as *StatusError.

Endpoints:
  - POST   /detect/image          multipart file + conf_threshold
  - POST   /detect/video/upload   multipart file + conf_threshold + frame_skip
  - POST   /detect/frame          multipart file + conf_threshold
  - GET    /history               all records
  - GET    /history/{id}          one record
  - DELETE /history/{id}          remove one record
  - DELETE /history               clear all records
  - GET    /image/{id}            annotated image of a record
  - GET    /health                liveness
  - GET    /model/info            class names and model path
*/
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/khanglvm/weapon-watch/internal/detection"
	"github.com/khanglvm/weapon-watch/internal/version"
)

const (
	// DefaultTimeout bounds every request.
	DefaultTimeout = 5 * time.Second

	// DefaultConfidence is the backend's default conf_threshold.
	DefaultConfidence = 0.25

	// DefaultFrameSkip is the default frame_skip for video jobs.
	DefaultFrameSkip = 2

	maxErrorBody = 4 << 10
)

// Client talks to one backend instance.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	timeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// New creates a client for baseURL (e.g. http://localhost:8000).
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid backend URL %q: scheme must be http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid backend URL %q: missing host", baseURL)
	}

	c := &Client{
		baseURL: u,
		http:    &http.Client{},
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the configured backend URL.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// WebsocketURL derives the push channel URL (ws://host/ws or wss://host/ws).
func (c *Client) WebsocketURL() string {
	u := *c.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = ""
	return u.String()
}

// Health calls GET /health. Any 2xx response means reachable.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, "", nil)
}

// Probe reports whether the backend answered /health with a 2xx.
func (c *Client) Probe(ctx context.Context) bool {
	return c.Health(ctx) == nil
}

// History fetches every record the backend holds.
func (c *Client) History(ctx context.Context) ([]detection.Detection, error) {
	var out []detection.Detection
	if err := c.do(ctx, http.MethodGet, "/history", nil, "", &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []detection.Detection{}
	}
	return out, nil
}

// Detection fetches one record.
func (c *Client) Detection(ctx context.Context, id string) (detection.Detection, error) {
	var out detection.Detection
	err := c.do(ctx, http.MethodGet, "/history/"+url.PathEscape(id), nil, "", &out)
	return out, err
}

// DeleteDetection removes one record on the backend.
func (c *Client) DeleteDetection(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/history/"+url.PathEscape(id), nil, "", nil)
}

// ClearHistory removes every record on the backend.
func (c *Client) ClearHistory(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/history", nil, "", nil)
}

// ModelInfo returns the model's class names and path.
func (c *Client) ModelInfo(ctx context.Context) (detection.ModelInfo, error) {
	var out detection.ModelInfo
	err := c.do(ctx, http.MethodGet, "/model/info", nil, "", &out)
	return out, err
}

// Image downloads the annotated image of a record.
func (c *Client) Image(ctx context.Context, id string) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.do(ctx, http.MethodGet, "/image/"+url.PathEscape(id), nil, "", &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DetectImage uploads an image. The result is not added to any store.
func (c *Client) DetectImage(ctx context.Context, name string, r io.Reader, conf float64) (detection.Detection, error) {
	body, contentType, err := multipartBody(name, r, map[string]string{
		"conf_threshold": formatFloat(conf),
	})
	if err != nil {
		return detection.Detection{}, err
	}

	var out detection.Detection
	err = c.do(ctx, http.MethodPost, "/detect/image", body, contentType, &out)
	return out, err
}

// DetectVideo uploads a video for asynchronous processing.
func (c *Client) DetectVideo(ctx context.Context, name string, r io.Reader, conf float64, frameSkip int) (detection.VideoJob, error) {
	body, contentType, err := multipartBody(name, r, map[string]string{
		"conf_threshold": formatFloat(conf),
		"frame_skip":     strconv.Itoa(frameSkip),
	})
	if err != nil {
		return detection.VideoJob{}, err
	}

	var out detection.VideoJob
	err = c.do(ctx, http.MethodPost, "/detect/video/upload", body, contentType, &out)
	return out, err
}

// DetectFrame runs detection on a single live frame.
func (c *Client) DetectFrame(ctx context.Context, name string, r io.Reader, conf float64) (detection.FrameResult, error) {
	body, contentType, err := multipartBody(name, r, map[string]string{
		"conf_threshold": formatFloat(conf),
	})
	if err != nil {
		return detection.FrameResult{}, err
	}

	var out detection.FrameResult
	err = c.do(ctx, http.MethodPost, "/detect/frame", body, contentType, &out)
	return out, err
}

// do performs one request. out may be nil, a *bytes.Buffer for raw bodies,
// or a pointer to decode JSON into.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	op := method + " " + path
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.http.Do(req)
	if err != nil {
		return classify(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, Body: errorDetail(data)}
	}

	switch v := out.(type) {
	case nil:
		io.Copy(io.Discard, resp.Body)
		return nil
	case *bytes.Buffer:
		if _, err := io.Copy(v, resp.Body); err != nil {
			return classify(op, err)
		}
		return nil
	default:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return classify(op, err)
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%s: failed to parse response: %w", op, err)
		}
		return nil
	}
}

// errorDetail extracts the "detail" field the backend puts in error bodies,
// falling back to the raw text.
func errorDetail(data []byte) string {
	var body struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(data, &body) == nil && body.Detail != "" {
		return body.Detail
	}
	return string(data)
}

func multipartBody(name string, r io.Reader, fields map[string]string) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, "", fmt.Errorf("failed to read %s: %w", name, err)
	}
	head = head[:n]

	// The backend rejects image uploads whose part is not typed image/*.
	fileType := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	if fileType == "" {
		fileType = http.DetectContentType(head)
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filepath.Base(name)))
	header.Set("Content-Type", fileType)
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, io.MultiReader(bytes.NewReader(head), r)); err != nil {
		return nil, "", fmt.Errorf("failed to read %s: %w", name, err)
	}
	for key, value := range fields {
		if err := w.WriteField(key, value); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", key, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finish multipart body: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
