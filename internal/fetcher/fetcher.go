// Package fetcher downloads image bytes for markdown image references with
// bounded time and size.
package fetcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/yumo666666/MdToImage/internal/domain"
	"github.com/yumo666666/MdToImage/internal/metrics"
)

// Cache is an optional byte cache consulted before the network. A hit
// short-circuits the fetch entirely.
type Cache interface {
	Get(ctx context.Context, url string) (data []byte, mimeType string, ok bool)
	Put(ctx context.Context, url string, data []byte, mimeType string) error
}

// Config configures a Fetcher.
type Config struct {
	Client *http.Client // optional; a pooled default is used when nil
	Cache  Cache        // optional
	Logger *slog.Logger
}

// Fetcher implements domain.ImageFetcher over HTTP. It never retries.
type Fetcher struct {
	client *http.Client
	cache  Cache
	logger *slog.Logger
}

// New creates a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Client == nil {
		cfg.Client = newHTTPClient()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Fetcher{
		client: cfg.Client,
		cache:  cfg.Cache,
		logger: cfg.Logger,
	}
}

// Fetch retrieves url under the policy's fetch timeout and size cap.
// Failures are classified into the FetchReason taxonomy; the result is
// never partial.
func (f *Fetcher) Fetch(ctx context.Context, url string, policy domain.Policy) domain.FetchResult {
	if f.cache != nil {
		if data, mimeType, ok := f.cache.Get(ctx, url); ok {
			metrics.CacheHits.Inc()
			return domain.FetchResult{Data: data, Mime: mimeType}
		}
		metrics.CacheMisses.Inc()
	}

	metrics.InflightFetches.Inc()
	defer metrics.InflightFetches.Dec()
	start := time.Now()

	result := f.fetch(ctx, url, policy)

	metrics.FetchLatency.Observe(time.Since(start).Seconds())
	if result.OK() {
		metrics.ImagesFetched.Inc()
		if f.cache != nil {
			if err := f.cache.Put(ctx, url, result.Data, result.Mime); err != nil {
				f.logger.Warn("image cache write failed", "url", url, "err", err)
			}
		}
	} else {
		metrics.FetchFailures(string(result.Reason)).Inc()
		f.logger.Debug("image fetch failed", "url", url, "reason", result.Reason)
	}
	return result
}

func (f *Fetcher) fetch(ctx context.Context, url string, policy domain.Policy) domain.FetchResult {
	if policy.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, policy.FetchTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.FetchResult{Reason: domain.FetchNetworkError}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return domain.FetchResult{Reason: classifyTransportError(err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return domain.FetchResult{Reason: domain.FetchNotFound}
	}

	// Read one byte past the cap so an oversized body is detected without
	// buffering more than the limit.
	maxBytes := policy.MaxImageSize
	if maxBytes <= 0 {
		maxBytes = defaultMaxImageSize
	}
	limited := &io.LimitedReader{R: resp.Body, N: maxBytes + 1}
	data, err := io.ReadAll(limited)
	if err != nil {
		return domain.FetchResult{Reason: classifyTransportError(err)}
	}
	if int64(len(data)) > maxBytes {
		return domain.FetchResult{Reason: domain.FetchTooLarge}
	}
	if len(data) == 0 {
		return domain.FetchResult{Reason: domain.FetchNotAnImage}
	}

	mimeType, ok := imageMime(resp.Header.Get("Content-Type"), data)
	if !ok {
		return domain.FetchResult{Reason: domain.FetchNotAnImage}
	}

	return domain.FetchResult{Data: data, Mime: mimeType}
}

const defaultMaxImageSize = 10 << 20 // 10 MiB

// imageMime validates the payload is an image, preferring the declared
// Content-Type and falling back to signature sniffing.
func imageMime(contentType string, data []byte) (string, bool) {
	if contentType != "" {
		if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
			if strings.HasPrefix(parsed, "image/") {
				return parsed, true
			}
		}
	}
	sniffed := http.DetectContentType(data)
	if strings.HasPrefix(sniffed, "image/") {
		return sniffed, true
	}
	return "", false
}

func classifyTransportError(err error) domain.FetchReason {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		// Cancellation reaches here when the assembly deadline elapses
		// mid-fetch; the segment is treated as timed out, not errored.
		return domain.FetchTimeout
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.FetchTimeout
	}
	return domain.FetchNetworkError
}
