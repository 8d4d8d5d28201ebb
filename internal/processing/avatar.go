package processing

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/promontage/montage-agent/internal/failure"
)

const (
	DefaultAvatarTimeout  = 2 * time.Minute
	DefaultMaxAvatarBytes = 500 * 1024 * 1024
)

// AvatarFetcher resolves an avatar source URL to bytes.
type AvatarFetcher interface {
	Fetch(ctx context.Context, source string) (Media, error)
}

// HTTPAvatarFetcher downloads the avatar clip over HTTP(S).
type HTTPAvatarFetcher struct {
	client   *http.Client
	maxBytes int64
	logger   *slog.Logger
}

func NewHTTPAvatarFetcher(timeout time.Duration, maxBytes int64, logger *slog.Logger) *HTTPAvatarFetcher {
	if timeout <= 0 {
		timeout = DefaultAvatarTimeout
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxAvatarBytes
	}
	return &HTTPAvatarFetcher{
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
		logger:   logger,
	}
}

// ValidateAvatarSource checks that source is an absolute http(s) URL.
func ValidateAvatarSource(source string) error {
	source = strings.TrimSpace(source)
	if source == "" {
		return failure.Validation("the avatar video link is missing; open the montage from the bot again")
	}
	u, err := url.Parse(source)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return failure.Validation("the avatar video link is not a valid web address")
	}
	return nil
}

func (f *HTTPAvatarFetcher) Fetch(ctx context.Context, source string) (Media, error) {
	if err := ValidateAvatarSource(source); err != nil {
		return Media{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return Media{}, failure.Validation("the avatar video link is not a valid web address")
	}
	req.Header.Set("X-Request-Id", uuid.NewString())

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr == context.Canceled {
			return Media{}, ctxErr
		}
		return Media{}, failure.AssetFetch(err, "the avatar video is unavailable")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Media{}, failure.AssetFetch(
			fmt.Errorf("avatar download returned HTTP %d", resp.StatusCode),
			fmt.Sprintf("the avatar video is unavailable (HTTP %d)", resp.StatusCode),
		)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr == context.Canceled {
			return Media{}, ctxErr
		}
		return Media{}, failure.AssetFetch(err, "the avatar video download was interrupted")
	}
	if int64(len(data)) > f.maxBytes {
		return Media{}, failure.AssetFetch(fmt.Errorf("avatar exceeds %d bytes", f.maxBytes), "the avatar video is too large")
	}
	if len(data) == 0 {
		return Media{}, failure.AssetFetch(fmt.Errorf("empty avatar body"), "the avatar video is empty")
	}

	ct := mediaType(resp.Header.Get("Content-Type"))
	if !strings.HasPrefix(ct, "video/") {
		ct = mimetype.Detect(data).String()
	}

	f.logger.Info("avatar downloaded",
		"bytes", len(data),
		"content_type", ct,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return Media{
		Filename:    avatarInputName,
		ContentType: ct,
		Size:        int64(len(data)),
		Data:        data,
	}, nil
}

func mediaType(header string) string {
	mt, _, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	return mt
}
