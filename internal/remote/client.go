// Package remote talks to the HTTP processing service: multipart composition
// requests, subtitle template listing and health checks.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/promontage/montage-agent/internal/composition"
	"github.com/promontage/montage-agent/internal/failure"
	"github.com/promontage/montage-agent/internal/filtergraph"
)

const (
	DefaultTimeout          = 10 * time.Minute
	DefaultTemplatesTimeout = 8 * time.Second

	maxErrorBodyBytes = 64 * 1024
	requestIDHeader   = "X-Request-Id"
)

// StatusError is a non-2xx answer from the processing service.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("processing service returned HTTP %d: %s", e.StatusCode, e.Message)
}

// IsRetryable returns true for server errors (5xx). Client errors (4xx) are
// considered permanent.
func (e *StatusError) IsRetryable() bool {
	return e.StatusCode >= 500
}

// File is one uploaded part of a process request.
type File struct {
	Filename    string
	ContentType string
	Body        io.Reader
}

// ProcessRequest is the multipart submission for POST /process.
type ProcessRequest struct {
	Avatar    File
	Secondary File
	Fields    []filtergraph.Field
	Subtitles composition.SubtitleOptions
}

// Health is the service's /health answer.
type Health struct {
	Status  string `json:"status"`
	FFmpeg  bool   `json:"ffmpeg"`
	TempDir string `json:"temp_dir,omitempty"`
}

// Client is an HTTP client for one processing service base URL.
type Client struct {
	baseURL          string
	httpClient       *http.Client
	templatesTimeout time.Duration
	logger           *slog.Logger
}

type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithTemplatesTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.templatesTimeout = d
		}
	}
}

func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		templatesTimeout: DefaultTemplatesTimeout,
		logger:           logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// Process submits both videos and the layout fields, returning the composited
// video bytes. The body is streamed; neither input is buffered in memory.
func (c *Client) Process(ctx context.Context, req ProcessRequest) ([]byte, error) {
	if req.Avatar.Body == nil || req.Secondary.Body == nil {
		return nil, failure.Validation("both videos are required for processing")
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeProcessForm(mw, req))
	}()

	url := c.baseURL + "/process"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		pr.Close()
		return nil, failure.BackendUnavailable(err, "invalid processing service address")
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.Header.Set(requestIDHeader, uuid.NewString())

	c.logger.Info("submitting composition to processing service",
		"url", url,
		"fields", len(req.Fields),
		"subtitles", req.Subtitles.Enabled,
	)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		pr.CloseWithError(err)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, failure.BackendUnavailable(err, "processing service is unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		serr := decodeStatusError(resp)
		c.logger.Warn("processing service rejected composition",
			"status", resp.StatusCode,
			"message", serr.Message,
		)
		return nil, failure.Processing(serr, serr.Message)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, failure.BackendUnavailable(err, "connection lost while downloading the result")
	}
	if len(body) == 0 {
		return nil, failure.New(failure.KindProcessing, "processing service returned an empty result")
	}

	c.logger.Info("composition received", "bytes", len(body))
	return body, nil
}

func writeProcessForm(mw *multipart.Writer, req ProcessRequest) error {
	if err := writeFile(mw, "avatar_video", defaultName(req.Avatar.Filename, "avatar.mp4"), req.Avatar); err != nil {
		return err
	}
	if err := writeFile(mw, "second_video", defaultName(req.Secondary.Filename, "second.mp4"), req.Secondary); err != nil {
		return err
	}
	for _, f := range req.Fields {
		if err := mw.WriteField(f.Name, f.Value); err != nil {
			return err
		}
	}
	if err := mw.WriteField("add_subtitles", strconv.FormatBool(req.Subtitles.Enabled)); err != nil {
		return err
	}
	templateID := ""
	if req.Subtitles.Enabled {
		templateID = req.Subtitles.TemplateID
	}
	if err := mw.WriteField("subtitle_template_id", templateID); err != nil {
		return err
	}
	return mw.Close()
}

func writeFile(mw *multipart.Writer, field, filename string, f File) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, field, escapeQuotes(filename)))
	ct := f.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, f.Body)
	return err
}

// decodeStatusError reads {"message": ...}, falling back to FastAPI's
// {"detail": ...} and then to the status text.
func decodeStatusError(resp *http.Response) *StatusError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	serr := &StatusError{StatusCode: resp.StatusCode}

	var body struct {
		Message string          `json:"message"`
		Detail  json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		switch {
		case body.Message != "":
			serr.Message = body.Message
		case len(body.Detail) > 0:
			serr.Message = detailText(body.Detail)
		}
	}
	if serr.Message == "" {
		serr.Message = http.StatusText(resp.StatusCode)
	}
	return serr
}

// detailText flattens FastAPI detail, which is a string or a list of
// validation objects with a msg field.
func detailText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var items []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(raw, &items); err == nil {
		msgs := make([]string, 0, len(items))
		for _, it := range items {
			if it.Msg != "" {
				msgs = append(msgs, it.Msg)
			}
		}
		return strings.Join(msgs, "; ")
	}
	return strings.TrimSpace(string(raw))
}

// Templates lists subtitle style templates, bounded by the templates timeout.
// The service answers either {"templates": [...]} or a bare array.
func (c *Client) Templates(ctx context.Context) ([]composition.Template, error) {
	ctx, cancel := context.WithTimeout(ctx, c.templatesTimeout)
	defer cancel()

	var raw json.RawMessage
	if err := c.getJSON(ctx, "/zapcap/templates", &raw); err != nil {
		return nil, err
	}

	var wrapped struct {
		Templates []composition.Template `json:"templates"`
	}
	var list []composition.Template
	if err := json.Unmarshal(raw, &list); err != nil {
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, failure.Processing(err, "subtitle templates response is not valid JSON")
		}
		list = wrapped.Templates
	}
	templates := composition.CleanTemplates(list)

	c.logger.Info("subtitle templates loaded", "count", len(templates))
	return templates, nil
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.getJSON(ctx, "/health", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return failure.BackendUnavailable(err, "invalid processing service address")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(requestIDHeader, uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return failure.BackendUnavailable(err, "processing service did not answer in time")
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return failure.BackendUnavailable(err, "processing service is unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		serr := decodeStatusError(resp)
		return failure.Processing(serr, serr.Message)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return failure.Processing(err, "processing service returned invalid JSON")
	}
	return nil
}

func defaultName(name, fallback string) string {
	if strings.TrimSpace(name) == "" {
		return fallback
	}
	return name
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
