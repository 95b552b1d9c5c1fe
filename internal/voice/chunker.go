package voice

import (
	"strings"
)

// terminators are the sentence-ending runes the chunker looks for. A
// terminator only counts as a boundary when followed by whitespace (or end
// of input on Flush) — "3.14" and "Dr. Smith" must not split mid-stream.
const terminators = ".!?\n"

// minSentenceLength is the minimum rune count a chunk must reach before a
// terminator is honored as a boundary, so short fragments like "Ok." don't
// each turn into their own TTS call.
const minSentenceLength = 12

// SentenceChunker accumulates streamed text and emits complete sentences as
// soon as they're recognized, so synthesis for sentence i can start while
// sentence i+1 is still arriving from the LLM.
type SentenceChunker struct {
	pending strings.Builder
}

// NewSentenceChunker returns an empty chunker.
func NewSentenceChunker() *SentenceChunker {
	return &SentenceChunker{}
}

// Feed appends text and returns zero or more complete sentences it
// completed. Feed never blocks; the caller is responsible for forwarding the
// returned sentences to wherever synthesis happens (typically a bounded
// channel — see Run).
func (c *SentenceChunker) Feed(text string) []string {
	var out []string
	c.pending.WriteString(text)

	for {
		buf := c.pending.String()
		idx := firstBoundary(buf)
		if idx < 0 {
			return out
		}
		sentence := strings.TrimSpace(buf[:idx+1])
		rest := buf[idx+1:]
		c.pending.Reset()
		c.pending.WriteString(rest)
		if sentence != "" {
			out = append(out, sentence)
		}
	}
}

// Flush returns whatever text remains buffered as a final sentence (even if
// it never reached a terminator), clearing the chunker. Call this once the
// LLM turn's token stream ends.
func (c *SentenceChunker) Flush() []string {
	rest := strings.TrimSpace(c.pending.String())
	c.pending.Reset()
	if rest == "" {
		return nil
	}
	return []string{rest}
}

// firstBoundary returns the index of the first terminator in buf that is
// both past minSentenceLength and followed by whitespace, or -1 if none
// qualifies yet.
func firstBoundary(buf string) int {
	for i, r := range buf {
		if i+1 < minSentenceLength {
			continue
		}
		if !strings.ContainsRune(terminators, r) {
			continue
		}
		if i+1 >= len(buf) {
			continue // terminator at the very end: wait for more text or Flush
		}
		next := buf[i+1]
		if next == ' ' || next == '\n' || next == '\t' {
			return i
		}
	}
	return -1
}

// Run wires a token stream into a bounded sentence channel: it feeds every
// token from tokens into the chunker and sends each completed sentence on
// the returned channel, flushing any remainder when tokens closes. The
// channel is closed once the final sentence has been sent, signaling
// completion to a drained-eagerly consumer synthesizing sentence i+1 while
// sentence i is still playing.
func Run(tokens <-chan string, bufferSize int) <-chan string {
	if bufferSize <= 0 {
		bufferSize = 4
	}
	out := make(chan string, bufferSize)
	go func() {
		defer close(out)
		chunker := NewSentenceChunker()
		for tok := range tokens {
			for _, s := range chunker.Feed(tok) {
				out <- s
			}
		}
		for _, s := range chunker.Flush() {
			out <- s
		}
	}()
	return out
}
