package speech

import "strings"

// sentenceTerminators closes a sentence wherever it appears in a fragment.
// Full-width and ASCII forms are both recognized.
const sentenceTerminators = "。！？.!?"

// Accumulator buffers streamed text fragments until a sentence boundary shows up.
// It is owned by a single turn and is not safe for concurrent use.
type Accumulator struct {
	buf strings.Builder
}

// Feed appends fragment to the buffer. When the fragment carries a terminator
// the whole buffer is returned as one chunk and the buffer starts over.
func (a *Accumulator) Feed(fragment string) (string, bool) {
	a.buf.WriteString(fragment)
	if !strings.ContainsAny(fragment, sentenceTerminators) {
		return "", false
	}
	chunk := a.buf.String()
	a.buf.Reset()
	return chunk, true
}

// Flush returns whatever is left once the stream has ended.
func (a *Accumulator) Flush() (string, bool) {
	if a.buf.Len() == 0 {
		return "", false
	}
	chunk := a.buf.String()
	a.buf.Reset()
	return chunk, true
}

// Reset drops any partial sentence.
func (a *Accumulator) Reset() {
	a.buf.Reset()
}
