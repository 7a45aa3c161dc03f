// Package assembler resolves image references in a scanned segment chain
// concurrently and folds the results back in source order.
package assembler

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/yumo666666/MdToImage/internal/bus"
	"github.com/yumo666666/MdToImage/internal/domain"
)

const defaultMaxConcurrent = 4

// Config configures an Assembler.
type Config struct {
	Fetcher domain.ImageFetcher
	Events  *bus.EventBus // optional; image.fetched / image.failed emitted per fetch
	Logger  *slog.Logger
}

// Assembler turns scanned chains (text + image_ref) into deliverable chains
// (text + image).
type Assembler struct {
	fetcher domain.ImageFetcher
	events  *bus.EventBus
	logger  *slog.Logger
}

// New creates an Assembler.
func New(cfg Config) *Assembler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Assembler{
		fetcher: cfg.Fetcher,
		events:  cfg.Events,
		logger:  cfg.Logger,
	}
}

// Assemble resolves every image reference in segments under the policy and
// returns the final ordered chain. Fetches fan out concurrently, bounded by
// policy.MaxConcurrentFetches and the overall policy.AssemblyTimeout; the
// output order always follows source position, never completion order.
// Failed references degrade per policy.FailureMode; adjacent text runs are
// merged and empty ones dropped.
func (a *Assembler) Assemble(ctx context.Context, segments []domain.Segment, policy domain.Policy) []domain.Segment {
	refs := make([]int, 0, len(segments))
	for i, seg := range segments {
		if seg.Type == domain.SegmentImageRef {
			refs = append(refs, i)
		}
	}
	if len(refs) == 0 {
		return mergeText(segments)
	}

	if policy.AssemblyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, policy.AssemblyTimeout)
		defer cancel()
	}

	// Index-keyed result slots: each fetch writes only its own slot, so no
	// lock is needed. Slots start as timed out; a fetch that never runs
	// (deadline hit while queued) keeps that value.
	results := make([]domain.FetchResult, len(segments))
	for _, i := range refs {
		results[i] = domain.FetchResult{Reason: domain.FetchTimeout}
	}

	limit := policy.MaxConcurrentFetches
	if limit <= 0 {
		limit = defaultMaxConcurrent
	}
	sem := make(chan struct{}, limit)

	var wg sync.WaitGroup
	for _, idx := range refs {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}
			res := a.fetcher.Fetch(ctx, segments[idx].URL, policy)
			results[idx] = res
			a.emitFetchEvent(segments[idx].URL, res)
		}(idx)
	}
	wg.Wait()

	out := make([]domain.Segment, 0, len(segments))
	for i, seg := range segments {
		switch seg.Type {
		case domain.SegmentImageRef:
			res := results[i]
			if res.OK() {
				img := domain.ImageSegment(res.Data, res.Mime, seg.URL)
				img.Alt = seg.Alt
				out = append(out, img)
				continue
			}
			a.logger.Debug("image reference degraded",
				"url", seg.URL,
				"reason", res.Reason,
				"mode", policy.FailureMode,
			)
			if policy.FailureMode == domain.FailureKeepLink {
				out = append(out, domain.TextSegment(seg.Raw))
			}
		default:
			out = append(out, seg)
		}
	}
	return mergeText(out)
}

func (a *Assembler) emitFetchEvent(url string, res domain.FetchResult) {
	if a.events == nil {
		return
	}
	if res.OK() {
		a.events.Emit(bus.Event{
			Type:    bus.EventImageFetched,
			Source:  "assembler",
			Payload: map[string]any{"url": url, "bytes": len(res.Data), "mime": res.Mime},
		})
		return
	}
	a.events.Emit(bus.Event{
		Type:    bus.EventImageFailed,
		Source:  "assembler",
		Payload: map[string]any{"url": url, "reason": string(res.Reason)},
	})
}

// mergeText concatenates adjacent text segments and drops empty ones,
// leaving non-text segments untouched.
func mergeText(segments []domain.Segment) []domain.Segment {
	out := make([]domain.Segment, 0, len(segments))
	var pending strings.Builder

	flush := func() {
		if pending.Len() > 0 {
			out = append(out, domain.TextSegment(pending.String()))
			pending.Reset()
		}
	}

	for _, seg := range segments {
		if seg.Type == domain.SegmentText {
			pending.WriteString(seg.Content)
			continue
		}
		flush()
		out = append(out, seg)
	}
	flush()
	return out
}
