// Package reply splits long text into platform sized chunks and delivers
// them as a linear reply chain.
package reply

import "strings"

// DefaultLimit is Discord's per-message character limit.
const DefaultLimit = 2000

// DefaultMarker prefixes continuation chunks of chat replies.
const DefaultMarker = "..."

// Chunk is one piece of segmented text.
type Chunk struct {
	// Text is the boundary text, never empty.
	Text string

	// Continuation is true for every chunk after the first.
	Continuation bool

	// Marker is prepended to Text when rendering a continuation chunk.
	Marker string

	// Separator holds the newlines stripped between the previous chunk and
	// this one.
	Separator string
}

// Render returns the text to deliver for the chunk.
func (c Chunk) Render() string {
	if c.Continuation {
		return c.Marker + c.Text
	}
	return c.Text
}

// Segment splits text into chunks of at most limit characters, cutting at
// the last newline that fits. Chunks carry no marker.
func Segment(text string, limit int) []Chunk {
	return SegmentMarked(text, limit, "")
}

// SegmentMarked is Segment for the chat reply chain: continuation chunks are
// rendered with marker in front, and leave room for it so that every
// rendered chunk stays within limit.
//
// Empty text yields no chunks. A limit below 1 means DefaultLimit.
// Newlines left over at the very end of the text are dropped.
func SegmentMarked(text string, limit int, marker string) []Chunk {
	if limit < 1 {
		limit = DefaultLimit
	}
	markerLen := len([]rune(marker))

	rest := []rune(text)
	var (
		chunks []Chunk
		sep    string
	)
	for len(rest) > 0 {
		cont := len(chunks) > 0
		room := limit
		if cont {
			room = max(limit-markerLen, 1)
		}

		if len(rest) <= room {
			chunks = append(chunks, Chunk{Text: string(rest), Continuation: cont, Marker: marker, Separator: sep})
			break
		}

		cut := lastNewline(rest[:room])
		if cut <= 0 {
			cut = room
		}
		chunks = append(chunks, Chunk{Text: string(rest[:cut]), Continuation: cont, Marker: marker, Separator: sep})

		rest = rest[cut:]
		n := 0
		for n < len(rest) && rest[n] == '\n' {
			n++
		}
		sep = string(rest[:n])
		rest = rest[n:]
	}
	return chunks
}

// Join reassembles the boundary text of chunks, restoring the stripped
// newlines and ignoring markers.
func Join(chunks []Chunk) string {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(c.Separator)
		b.WriteString(c.Text)
	}
	return b.String()
}

// Texts renders every chunk.
func Texts(chunks []Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Render()
	}
	return out
}

func lastNewline(rs []rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if rs[i] == '\n' {
			return i
		}
	}
	return -1
}
