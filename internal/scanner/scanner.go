// Package scanner splits raw text into an ordered chain of literal-text and
// markdown-image-reference segments.
package scanner

import (
	"regexp"
	"strings"

	"github.com/yumo666666/MdToImage/internal/domain"
)

// imagePattern matches markdown image syntax: ![alt](url). Alt may be empty;
// url must be non-empty before trimming.
var imagePattern = regexp.MustCompile(`!\[([^\]]*)\]\(([^)]+)\)`)

// Scan walks text left to right and returns the ordered segment chain.
// Text between (and around) image references is flushed as text segments;
// empty runs are not emitted. Malformed syntax and references whose URL
// trims to empty stay literal text. Concatenating the Raw field of every
// returned segment reproduces text byte-for-byte.
func Scan(text string) []domain.Segment {
	matches := imagePattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		if text == "" {
			return nil
		}
		return []domain.Segment{domain.TextSegment(text)}
	}

	segments := make([]domain.Segment, 0, len(matches)*2+1)
	cursor := 0
	var pending strings.Builder

	flush := func() {
		if pending.Len() > 0 {
			segments = append(segments, domain.TextSegment(pending.String()))
			pending.Reset()
		}
	}

	for _, m := range matches {
		raw := text[m[0]:m[1]]
		alt := text[m[2]:m[3]]
		url := strings.TrimSpace(text[m[4]:m[5]])

		pending.WriteString(text[cursor:m[0]])
		cursor = m[1]

		if url == "" {
			// Whitespace-only URL: not a reference, keep the match literal.
			pending.WriteString(raw)
			continue
		}

		flush()
		segments = append(segments, domain.ImageRefSegment(alt, url, raw))
	}

	pending.WriteString(text[cursor:])
	flush()

	return segments
}

// HasImage reports whether text contains at least one well-formed markdown
// image reference.
func HasImage(text string) bool {
	for _, seg := range Scan(text) {
		if seg.Type == domain.SegmentImageRef {
			return true
		}
	}
	return false
}
