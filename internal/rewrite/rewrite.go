// Package rewrite implements the trigger pre-pass: outgoing text containing
// a configured substring is replaced wholesale with a fixed reply before any
// image processing happens.
package rewrite

import (
	"log/slog"
	"strings"

	"github.com/yumo666666/MdToImage/internal/domain"
)

// Rewriter checks outgoing text against the policy trigger.
type Rewriter struct {
	policy domain.Policy
	logger *slog.Logger
}

// New creates a Rewriter for the given policy.
func New(policy domain.Policy, logger *slog.Logger) *Rewriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rewriter{policy: policy, logger: logger}
}

// Rewrite returns the text to continue processing with and whether the
// trigger fired. The match is a case-sensitive substring check; an empty
// trigger never fires. When the trigger fires the original text is discarded
// and the fixed reply carries on through scanning in its place.
func (r *Rewriter) Rewrite(text string) (string, bool) {
	if r.policy.TriggerSubstring == "" {
		return text, false
	}
	if !strings.Contains(text, r.policy.TriggerSubstring) {
		return text, false
	}
	r.logger.Debug("trigger matched, replacing response",
		"trigger_len", len(r.policy.TriggerSubstring),
		"text_len", len(text),
	)
	return r.policy.FixedReply, true
}
