package domain

import "context"

// FetchReason classifies why an image fetch failed.
type FetchReason string

const (
	FetchTimeout      FetchReason = "timeout"
	FetchNetworkError FetchReason = "network_error"
	FetchNotFound     FetchReason = "not_found" // non-2xx status
	FetchTooLarge     FetchReason = "too_large"
	FetchNotAnImage   FetchReason = "not_an_image"
)

// FetchResult is the outcome of a single image fetch. Either Data/Mime are
// set (success) or Reason is set (failure) — never partial.
type FetchResult struct {
	Data   []byte
	Mime   string
	Reason FetchReason
}

// OK reports whether the fetch succeeded.
func (r FetchResult) OK() bool { return r.Reason == "" }

// ImageFetcher retrieves image bytes for a URL under the given policy.
// Implementations never retry; retry policy belongs to the caller.
type ImageFetcher interface {
	Fetch(ctx context.Context, url string, policy Policy) FetchResult
}
