package assembler

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yumo666666/MdToImage/internal/bus"
	"github.com/yumo666666/MdToImage/internal/domain"
	"github.com/yumo666666/MdToImage/internal/scanner"
)

func testAsmLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// stubFetcher resolves URLs from a fixed table, optionally delaying each
// fetch. It honors context cancellation like the real fetcher.
type stubFetcher struct {
	results map[string]domain.FetchResult
	delays  map[string]time.Duration
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (s *stubFetcher) Fetch(ctx context.Context, url string, policy domain.Policy) domain.FetchResult {
	cur := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		prev := s.maxSeen.Load()
		if cur <= prev || s.maxSeen.CompareAndSwap(prev, cur) {
			break
		}
	}

	if d := s.delays[url]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return domain.FetchResult{Reason: domain.FetchTimeout}
		}
	}
	if res, ok := s.results[url]; ok {
		return res
	}
	return domain.FetchResult{Reason: domain.FetchNotFound}
}

func okResult(payload string) domain.FetchResult {
	return domain.FetchResult{Data: []byte(payload), Mime: "image/png"}
}

func newAsm(f domain.ImageFetcher) *Assembler {
	return New(Config{Fetcher: f, Logger: testAsmLogger()})
}

func asmPolicy(mode domain.FailureMode) domain.Policy {
	return domain.Policy{
		FetchTimeout:         time.Second,
		AssemblyTimeout:      2 * time.Second,
		MaxImageSize:         1 << 20,
		FailureMode:          mode,
		MaxConcurrentFetches: 4,
	}
}

func TestAssemble_ZeroImagesIdentity(t *testing.T) {
	a := newAsm(&stubFetcher{})
	in := "no images here, just text"
	out := a.Assemble(context.Background(), scanner.Scan(in), asmPolicy(domain.FailureSkip))
	if len(out) != 1 || out[0].Type != domain.SegmentText || out[0].Content != in {
		t.Errorf("expected identity, got %+v", out)
	}
}

func TestAssemble_OrderPreserved(t *testing.T) {
	f := &stubFetcher{
		results: map[string]domain.FetchResult{
			"u1": okResult("one"),
			"u2": okResult("two"),
		},
		// u2 resolves well before u1; order must still follow the source.
		delays: map[string]time.Duration{"u1": 100 * time.Millisecond},
	}
	out := newAsm(f).Assemble(context.Background(), scanner.Scan("a![x](u1)b![y](u2)c"), asmPolicy(domain.FailureSkip))

	wantTypes := []domain.SegmentType{
		domain.SegmentText, domain.SegmentImage, domain.SegmentText, domain.SegmentImage, domain.SegmentText,
	}
	if len(out) != len(wantTypes) {
		t.Fatalf("expected %d segments, got %d: %+v", len(wantTypes), len(out), out)
	}
	for i, typ := range wantTypes {
		if out[i].Type != typ {
			t.Errorf("segment %d: expected %s, got %s", i, typ, out[i].Type)
		}
	}
	if out[1].SourceURL != "u1" || out[3].SourceURL != "u2" {
		t.Errorf("image order does not follow source: %q, %q", out[1].SourceURL, out[3].SourceURL)
	}
	if string(out[1].Data) != "one" || string(out[3].Data) != "two" {
		t.Error("image payloads crossed")
	}
}

func TestAssemble_KeepAsTextLink(t *testing.T) {
	f := &stubFetcher{results: map[string]domain.FetchResult{
		"u1": {Reason: domain.FetchNetworkError},
		"u2": okResult("two"),
	}}
	out := newAsm(f).Assemble(context.Background(), scanner.Scan("a![x](u1)b![y](u2)c"), asmPolicy(domain.FailureKeepLink))

	if len(out) != 3 {
		t.Fatalf("expected 3 segments, got %d: %+v", len(out), out)
	}
	if out[0].Type != domain.SegmentText || out[0].Content != "a![x](u1)b" {
		t.Errorf("expected merged literal link text, got %+v", out[0])
	}
	if out[1].Type != domain.SegmentImage || out[1].SourceURL != "u2" {
		t.Errorf("expected image u2, got %+v", out[1])
	}
	if out[2].Type != domain.SegmentText || out[2].Content != "c" {
		t.Errorf("expected trailing text, got %+v", out[2])
	}
}

func TestAssemble_SkipSegment(t *testing.T) {
	f := &stubFetcher{results: map[string]domain.FetchResult{
		"u1": {Reason: domain.FetchNotFound},
		"u2": okResult("two"),
	}}
	out := newAsm(f).Assemble(context.Background(), scanner.Scan("a![x](u1)b![y](u2)c"), asmPolicy(domain.FailureSkip))

	if len(out) != 3 {
		t.Fatalf("expected 3 segments, got %d: %+v", len(out), out)
	}
	if out[0].Content != "ab" {
		t.Errorf("expected merged text %q, got %q", "ab", out[0].Content)
	}
	if out[1].Type != domain.SegmentImage || out[1].SourceURL != "u2" {
		t.Errorf("expected image u2, got %+v", out[1])
	}
	if out[2].Content != "c" {
		t.Errorf("expected %q, got %q", "c", out[2].Content)
	}
}

func TestAssemble_AllFailedSkipLeavesText(t *testing.T) {
	f := &stubFetcher{results: map[string]domain.FetchResult{
		"u1": {Reason: domain.FetchNotFound},
	}}
	out := newAsm(f).Assemble(context.Background(), scanner.Scan("![x](u1)"), asmPolicy(domain.FailureSkip))
	if len(out) != 0 {
		t.Errorf("expected empty chain when the only segment is skipped, got %+v", out)
	}
}

func TestAssemble_KeepLinkRestoresRawSyntax(t *testing.T) {
	f := &stubFetcher{results: map[string]domain.FetchResult{
		"u1": {Reason: domain.FetchTimeout},
	}}
	out := newAsm(f).Assemble(context.Background(), scanner.Scan("see ![pic](  u1  ) here"), asmPolicy(domain.FailureKeepLink))
	if len(out) != 1 {
		t.Fatalf("expected 1 merged segment, got %d: %+v", len(out), out)
	}
	if out[0].Content != "see ![pic](  u1  ) here" {
		t.Errorf("raw syntax not restored byte-for-byte: %q", out[0].Content)
	}
}

func TestAssemble_ConcurrencyBounded(t *testing.T) {
	f := &stubFetcher{
		results: map[string]domain.FetchResult{},
		delays:  map[string]time.Duration{},
	}
	text := ""
	for _, u := range []string{"u1", "u2", "u3", "u4", "u5", "u6"} {
		f.results[u] = okResult(u)
		f.delays[u] = 30 * time.Millisecond
		text += "![i](" + u + ")"
	}
	policy := asmPolicy(domain.FailureSkip)
	policy.MaxConcurrentFetches = 2

	newAsm(f).Assemble(context.Background(), scanner.Scan(text), policy)

	if max := f.maxSeen.Load(); max > 2 {
		t.Errorf("concurrency limit exceeded: saw %d simultaneous fetches", max)
	}
}

func TestAssemble_AssemblyTimeout(t *testing.T) {
	f := &stubFetcher{
		results: map[string]domain.FetchResult{
			"slow": okResult("late"),
			"fast": okResult("ok"),
		},
		delays: map[string]time.Duration{"slow": time.Second},
	}
	policy := asmPolicy(domain.FailureKeepLink)
	policy.AssemblyTimeout = 100 * time.Millisecond

	start := time.Now()
	out := newAsm(f).Assemble(context.Background(), scanner.Scan("![a](fast)![b](slow)"), policy)
	elapsed := time.Since(start)

	if elapsed > 500*time.Millisecond {
		t.Errorf("assembly did not honor its deadline: took %v", elapsed)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 segments, got %d: %+v", len(out), out)
	}
	if out[0].Type != domain.SegmentImage {
		t.Errorf("fast fetch must survive the slow one timing out: %+v", out[0])
	}
	if out[1].Type != domain.SegmentText || out[1].Content != "![b](slow)" {
		t.Errorf("timed-out fetch must degrade to its literal syntax: %+v", out[1])
	}
}

func TestAssemble_QueuedFetchDegradesOnDeadline(t *testing.T) {
	// With limit 1 and a slow first fetch, the second never gets a slot
	// before the deadline and must degrade, not hang.
	f := &stubFetcher{
		results: map[string]domain.FetchResult{
			"first":  okResult("one"),
			"second": okResult("two"),
		},
		delays: map[string]time.Duration{"first": time.Second},
	}
	policy := asmPolicy(domain.FailureSkip)
	policy.MaxConcurrentFetches = 1
	policy.AssemblyTimeout = 80 * time.Millisecond

	out := newAsm(f).Assemble(context.Background(), scanner.Scan("![a](first)![b](second)"), policy)
	for _, seg := range out {
		if seg.Type == domain.SegmentImage {
			t.Errorf("no fetch should complete within the deadline, got %+v", seg)
		}
	}
}

func TestAssemble_EmitsFetchEvents(t *testing.T) {
	events := bus.NewEventBus(testAsmLogger())
	var fetched, failed atomic.Int32
	events.On(bus.EventImageFetched, func(e bus.Event) { fetched.Add(1) })
	events.On(bus.EventImageFailed, func(e bus.Event) { failed.Add(1) })

	f := &stubFetcher{results: map[string]domain.FetchResult{
		"good": okResult("ok"),
		"bad":  {Reason: domain.FetchNotFound},
	}}
	a := New(Config{Fetcher: f, Events: events, Logger: testAsmLogger()})
	a.Assemble(context.Background(), scanner.Scan("![a](good)![b](bad)"), asmPolicy(domain.FailureSkip))

	if fetched.Load() != 1 || failed.Load() != 1 {
		t.Errorf("expected 1 fetched + 1 failed event, got %d/%d", fetched.Load(), failed.Load())
	}
}
