// Package channel holds the delivery adapters: each one registers for
// assembled chains on the message bus and renders them onto a concrete
// platform (telegram, discord, slack, websocket, terminal). The webhook and
// websocket adapters are also the inbound edge where plugin hosts hand raw
// responses in.
package channel

import "strings"

// splitMessage cuts text into chunks of at most maxLen bytes, preferring to
// break on a newline in the second half of the chunk so paragraphs survive.
func splitMessage(text string, maxLen int) []string {
	if maxLen <= 0 || len(text) <= maxLen {
		return []string{text}
	}
	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}
		cutAt := strings.LastIndex(text[:maxLen], "\n")
		if cutAt < maxLen/2 {
			cutAt = maxLen
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	return chunks
}

// imageFileName derives a sensible upload filename from a segment's alt
// text and mime type.
func imageFileName(alt, mime string) string {
	name := strings.TrimSpace(alt)
	if name == "" {
		name = "image"
	}
	ext := ".png"
	switch mime {
	case "image/jpeg":
		ext = ".jpg"
	case "image/gif":
		ext = ".gif"
	case "image/webp":
		ext = ".webp"
	}
	if !strings.HasSuffix(strings.ToLower(name), ext) {
		name += ext
	}
	return name
}
