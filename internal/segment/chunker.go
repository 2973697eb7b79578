package segment

import (
	"strings"
	"unicode"
)

// Piece is a finalized segment together with how it was cut.
type Piece struct {
	Text   string
	Token  string
	Forced bool
}

// Chunker owns a pending buffer and its nesting State. It is not safe for
// concurrent use; one stream, one Chunker.
type Chunker struct {
	seg     *Segmenter
	pending string
	state   State
}

func NewChunker(seg *Segmenter) *Chunker {
	return &Chunker{seg: seg}
}

// Push appends delta to the pending buffer and returns every segment that
// can be finalized, in order.
func (c *Chunker) Push(delta string) []Piece {
	if delta == "" {
		return nil
	}
	c.pending += delta
	var out []Piece
	for {
		sp, ok := c.seg.Advance(c.pending, &c.state)
		if !ok {
			return out
		}
		out = append(out, Piece{
			Text:   c.pending[:sp.End],
			Token:  sp.Token,
			Forced: sp.Forced,
		})
		c.pending = c.pending[sp.End:]
	}
}

// Flush returns whatever is still pending and resets the Chunker.
func (c *Chunker) Flush() string {
	rest := c.pending
	c.pending = ""
	c.state.Reset()
	return rest
}

// Pending is the text received but not yet split into a segment.
func (c *Chunker) Pending() string { return c.pending }

// State exposes the nesting state for inspection.
func (c *Chunker) State() *State { return &c.state }

// TrimTrailing removes one trailing soft-punctuation token from seg, keeping
// any whitespace that follows it.
func TrimTrailing(seg string, tokens []string) string {
	if len(tokens) == 0 {
		return seg
	}
	body := strings.TrimRightFunc(seg, unicode.IsSpace)
	for _, tok := range tokens {
		if tok != "" && strings.HasSuffix(body, tok) {
			return body[:len(body)-len(tok)] + seg[len(body):]
		}
	}
	return seg
}
