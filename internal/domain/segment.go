package domain

// SegmentType discriminates the variants of a message-chain segment.
type SegmentType string

const (
	SegmentText     SegmentType = "text"      // literal text run
	SegmentImageRef SegmentType = "image_ref" // unresolved markdown image reference
	SegmentImage    SegmentType = "image"     // downloaded image, ready to send
)

// Segment is one ordered unit of a message chain. Only the fields for its
// Type are populated. Raw always holds the exact source bytes the segment
// was parsed from, so concatenating Raw over a scanned chain reproduces the
// original text.
type Segment struct {
	Type SegmentType `json:"type"`

	// text
	Content string `json:"content,omitempty"`

	// image_ref
	Alt string `json:"alt,omitempty"`
	URL string `json:"url,omitempty"`
	Raw string `json:"-"`

	// image
	Data      []byte `json:"data,omitempty"`
	Mime      string `json:"mime,omitempty"`
	SourceURL string `json:"source_url,omitempty"`
}

// TextSegment builds a literal text segment.
func TextSegment(content string) Segment {
	return Segment{Type: SegmentText, Content: content, Raw: content}
}

// ImageRefSegment builds an unresolved image reference. raw is the exact
// markdown source (`![alt](url)`) the reference was parsed from.
func ImageRefSegment(alt, url, raw string) Segment {
	return Segment{Type: SegmentImageRef, Alt: alt, URL: url, Raw: raw}
}

// ImageSegment builds a resolved image segment.
func ImageSegment(data []byte, mime, sourceURL string) Segment {
	return Segment{Type: SegmentImage, Data: data, Mime: mime, SourceURL: sourceURL}
}
