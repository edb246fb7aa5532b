package voice

import (
	"context"
	"regexp"
	"strings"
)

// Synthesizer streams PCM16 audio for a piece of text. Each call is
// independent; there is no state across calls beyond voice selection.
type Synthesizer interface {
	StreamPCM(ctx context.Context, text string) (<-chan []byte, <-chan error)
	SampleRate() int
}

// chunkReply splits a reply into sentence-like chunks so synthesis can be
// cancelled between sentences. Splits on '.', '?', '!' and newlines,
// retaining punctuation.
func chunkReply(reply string) []string {
	txt := strings.TrimSpace(reply)
	if txt == "" {
		return nil
	}
	var chunks []string
	var b strings.Builder
	for _, r := range txt {
		switch r {
		case '.', '!', '?':
			b.WriteRune(r)
			chunk := strings.TrimSpace(b.String())
			if chunk != "" {
				chunks = append(chunks, chunk)
			}
			b.Reset()
		case '\n', '\r':
			chunk := strings.TrimSpace(b.String())
			if chunk != "" {
				chunks = append(chunks, chunk)
			}
			b.Reset()
		default:
			b.WriteRune(r)
		}
	}
	tail := strings.TrimSpace(b.String())
	if tail != "" {
		chunks = append(chunks, tail)
	}
	return chunks
}

var (
	mdCodeBlockRe  = regexp.MustCompile("```[\\s\\S]*?```")
	mdLinkRe       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	mdInlineCodeRe = regexp.MustCompile("`([^`]+)`")
	mdHeadingRe    = regexp.MustCompile(`(?m)^#{1,6}\s*`)
	mdBulletRe     = regexp.MustCompile(`(?m)^[\-*+]\s+`)
	mdOrderedRe    = regexp.MustCompile(`(?m)^\d+\.\s+`)
	mdQuoteRe      = regexp.MustCompile(`(?m)^>\s?`)
	spaceRe        = regexp.MustCompile(`\s+`)
)

// StripMarkdown flattens markdown into plain prose suitable for speech.
func StripMarkdown(text string) string {
	if text == "" {
		return ""
	}
	s := mdCodeBlockRe.ReplaceAllString(text, " ")
	s = mdLinkRe.ReplaceAllString(s, "$1")
	s = mdInlineCodeRe.ReplaceAllString(s, "$1")
	s = mdHeadingRe.ReplaceAllString(s, "")
	s = mdBulletRe.ReplaceAllString(s, "")
	s = mdOrderedRe.ReplaceAllString(s, "")
	s = mdQuoteRe.ReplaceAllString(s, "")
	for _, tok := range []string{"**", "__", "*", "_", "~~"} {
		s = strings.ReplaceAll(s, tok, "")
	}
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}
