package domain

import "time"

// FailureMode controls what happens to an image reference whose fetch failed.
type FailureMode string

const (
	// FailureSkip omits the failed segment from the output chain.
	FailureSkip FailureMode = "skip-segment"
	// FailureKeepLink replaces the failed segment with its original
	// markdown syntax as literal text.
	FailureKeepLink FailureMode = "keep-as-text-link"
)

// Policy is the immutable per-invocation configuration for the
// post-processing pipeline.
type Policy struct {
	TriggerSubstring     string        // case-sensitive; empty disables the trigger check
	FixedReply           string        // full replacement text when triggered
	FetchTimeout         time.Duration // hard deadline per image fetch
	AssemblyTimeout      time.Duration // overall deadline for resolving one chain
	MaxImageSize         int64         // bytes; fetches exceeding this abort mid-transfer
	FailureMode          FailureMode
	MaxConcurrentFetches int // fan-out bound per message
}
