// Package chunker splits long turn content into pieces small enough to
// embed individually. Embedding providers degrade (or reject input) past a
// few thousand characters; ingest embeds each piece and mean-pools the
// vectors, so one turn still yields exactly one stored embedding.
package chunker

import (
	"strings"
)

const (
	DefaultTargetSize = 2000
	DefaultMaxSize    = 3000
)

// Options configures splitting behavior. Sizes are in bytes of UTF-8 text.
type Options struct {
	TargetSize int
	MaxSize    int
}

// DefaultOptions returns the default splitting options.
func DefaultOptions() Options {
	return Options{
		TargetSize: DefaultTargetSize,
		MaxSize:    DefaultMaxSize,
	}
}

// Split breaks text into embeddable pieces. Content at or under MaxSize is
// returned whole. Splits prefer paragraph boundaries, falling back to line
// boundaries for oversized paragraphs.
func Split(text string, opts Options) []string {
	if opts.TargetSize <= 0 {
		opts = DefaultOptions()
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	if len(text) <= opts.MaxSize {
		return []string{text}
	}

	var pieces []string
	var accum strings.Builder
	for _, para := range paragraphs(text) {
		if accum.Len() > 0 && accum.Len()+len(para)+2 > opts.TargetSize {
			pieces = appendPiece(pieces, accum.String(), opts)
			accum.Reset()
		}
		if accum.Len() > 0 {
			accum.WriteString("\n\n")
		}
		accum.WriteString(para)
	}
	return appendPiece(pieces, accum.String(), opts)
}

func appendPiece(pieces []string, piece string, opts Options) []string {
	piece = strings.TrimSpace(piece)
	if piece == "" {
		return pieces
	}
	if len(piece) <= opts.MaxSize {
		return append(pieces, piece)
	}
	return append(pieces, splitLines(piece, opts)...)
}

// paragraphs splits on blank lines.
func paragraphs(text string) []string {
	var out []string
	var current []string
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			if len(current) > 0 {
				out = append(out, strings.Join(current, "\n"))
				current = nil
			}
			continue
		}
		current = append(current, line)
	}
	if len(current) > 0 {
		out = append(out, strings.Join(current, "\n"))
	}
	return out
}

// splitLines hard-splits an oversized paragraph on line boundaries; a single
// line longer than MaxSize is cut mid-line as a last resort.
func splitLines(text string, opts Options) []string {
	var out []string
	var current []string
	curLen := 0
	for _, line := range strings.Split(text, "\n") {
		for len(line) > opts.MaxSize {
			out = append(out, line[:opts.MaxSize])
			line = line[opts.MaxSize:]
		}
		if curLen+len(line)+1 > opts.TargetSize && len(current) > 0 {
			out = append(out, strings.Join(current, "\n"))
			current = nil
			curLen = 0
		}
		current = append(current, line)
		curLen += len(line) + 1
	}
	if len(current) > 0 {
		out = append(out, strings.Join(current, "\n"))
	}
	return out
}
