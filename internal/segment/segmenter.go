// Package segment splits a growing token stream into readable segments
// without breaking open brackets, quotes or code fences.
package segment

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/width"
)

// Split is a proposed cut: pending[:End] becomes the next segment.
type Split struct {
	End int
	// Token is the boundary the cut follows; empty for a length cut.
	Token string
	// Forced marks cuts made by the length escape valve rather than at a
	// boundary outside any open delimiter.
	Forced bool
}

type openDelim struct {
	offset    int
	token     string
	close     string
	weight    int
	lenAtOpen float64
}

type boundary struct {
	end   int
	token string
}

// State is the nesting state carried between Advance calls on the same
// pending buffer. The zero value is ready to use.
type State struct {
	stack     []openDelim
	threshold int
	weighted  float64
	total     float64
	scanned   int
	pending   *boundary
}

// Reset drops all nesting information. Called after each split.
func (s *State) Reset() {
	s.stack = s.stack[:0]
	s.threshold = 0
	s.weighted = 0
	s.total = 0
	s.scanned = 0
	s.pending = nil
}

// Depth is the number of currently open delimiters.
func (s *State) Depth() int { return len(s.stack) }

// Threshold is the sum of the weights of the open delimiters.
func (s *State) Threshold() int { return s.threshold }

// WeightedLength is the weighted length of the open region, excluding the
// spans of nested pairs that have already closed.
func (s *State) WeightedLength() float64 { return s.weighted }

// Scanned is the byte offset up to which the pending buffer has been scanned.
func (s *State) Scanned() int { return s.scanned }

// OpenDelimiter is one entry of the nesting stack.
type OpenDelimiter struct {
	Offset int    `json:"offset"`
	Token  string `json:"token"`
}

// Open returns the currently open delimiters, outermost first.
func (s *State) Open() []OpenDelimiter {
	out := make([]OpenDelimiter, 0, len(s.stack))
	for _, d := range s.stack {
		out = append(out, OpenDelimiter{Offset: d.offset, Token: d.token})
	}
	return out
}

// Segmenter finds split points. It is immutable after New and safe for
// concurrent use; all per-stream data lives in State.
type Segmenter struct {
	tokens      []string
	pairs       map[string]Pair
	closes      map[string]struct{}
	boundaries  map[string]struct{}
	partials    map[string]struct{}
	maxTokenLen int
	hardLimit   float64
}

func New(rules Rules) (*Segmenter, error) {
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	s := &Segmenter{
		pairs:      make(map[string]Pair, len(rules.Pairs)),
		closes:     make(map[string]struct{}, len(rules.Pairs)),
		boundaries: make(map[string]struct{}, len(rules.Boundaries)),
		partials:   make(map[string]struct{}),
		hardLimit:  rules.HardLimit,
	}
	seen := make(map[string]struct{})
	add := func(tok string) {
		if _, ok := seen[tok]; ok {
			return
		}
		seen[tok] = struct{}{}
		s.tokens = append(s.tokens, tok)
		if len(tok) > s.maxTokenLen {
			s.maxTokenLen = len(tok)
		}
		// Byte prefixes, since a chunk may end inside a multi-byte rune.
		for j := 1; j < len(tok); j++ {
			s.partials[tok[:j]] = struct{}{}
		}
	}
	for _, p := range rules.Pairs {
		s.pairs[p.Open] = p
		s.closes[p.Close] = struct{}{}
		add(p.Open)
		add(p.Close)
	}
	for _, b := range rules.Boundaries {
		s.boundaries[b] = struct{}{}
		add(b)
	}
	sort.SliceStable(s.tokens, func(i, j int) bool {
		return len(s.tokens[i]) > len(s.tokens[j])
	})
	return s, nil
}

// MustNew is New for static rule tables.
func MustNew(rules Rules) *Segmenter {
	s, err := New(rules)
	if err != nil {
		panic(err)
	}
	return s
}

// Advance continues scanning pending from st and returns the earliest valid
// split, if any. The caller consumes pending[:split.End] and re-invokes with
// the remainder; st is reset on every returned split.
//
// A natural boundary is only confirmed once the first non-space rune after it
// has arrived, so the whitespace run following the punctuation stays with
// the segment it ends.
func (s *Segmenter) Advance(pending string, st *State) (Split, bool) {
	i := st.scanned
	for i < len(pending) {
		r, size := utf8.DecodeRuneInString(pending[i:])
		if r == utf8.RuneError && size == 1 && !utf8.FullRuneInString(pending[i:]) {
			break
		}

		if st.pending != nil {
			if !unicode.IsSpace(r) {
				return s.cut(st, i), true
			}
			st.pending.end = i + size
			st.total += RuneWeight(r)
			i += size
			st.scanned = i
			if s.hardLimit > 0 && st.total >= s.hardLimit {
				return s.cut(st, i), true
			}
			continue
		}

		if len(pending)-i < s.maxTokenLen {
			if _, partial := s.partials[pending[i:]]; partial {
				// The token may still grow into a longer one.
				break
			}
		}

		unit := s.match(pending[i:])
		if unit == "" {
			unit = pending[i : i+size]
		}
		w := WeightedLength(unit)
		st.total += w

		switch {
		case s.closesTop(st, unit):
			top := st.stack[len(st.stack)-1]
			st.stack = st.stack[:len(st.stack)-1]
			st.threshold -= top.weight
			if len(st.stack) == 0 {
				st.weighted = 0
			} else {
				st.weighted = top.lenAtOpen
			}
		case s.isOpen(unit):
			p := s.pairs[unit]
			if len(st.stack) == 0 {
				st.weighted = 0
			}
			st.stack = append(st.stack, openDelim{
				offset:    i,
				token:     unit,
				close:     p.Close,
				weight:    p.Weight,
				lenAtOpen: st.weighted,
			})
			if len(st.stack) > 1 {
				st.weighted += w
			}
			st.threshold += p.Weight
		default:
			if len(st.stack) > 0 {
				st.weighted += w
			}
			if _, ok := s.boundaries[unit]; ok {
				if st.threshold == 0 || st.weighted > float64(st.threshold) {
					st.pending = &boundary{end: i + len(unit), token: unit}
				}
			}
		}

		i += len(unit)
		st.scanned = i

		if st.threshold > 0 && st.weighted > float64(st.threshold) {
			return s.cut(st, i), true
		}
		if s.hardLimit > 0 && st.total >= s.hardLimit {
			return s.cut(st, i), true
		}
	}
	return Split{}, false
}

// cut turns the recorded boundary, or the scan position when there is none,
// into a Split and resets st. A boundary taken while delimiters are still
// open only qualified because the force threshold was exceeded, so it counts
// as forced.
func (s *Segmenter) cut(st *State, at int) Split {
	var sp Split
	if b := st.pending; b != nil {
		sp = Split{End: b.end, Token: b.token, Forced: len(st.stack) > 0}
	} else {
		sp = Split{End: at, Forced: true}
	}
	st.Reset()
	return sp
}

func (s *Segmenter) match(text string) string {
	for _, tok := range s.tokens {
		if strings.HasPrefix(text, tok) {
			return tok
		}
	}
	return ""
}

func (s *Segmenter) closesTop(st *State, unit string) bool {
	if len(st.stack) == 0 {
		return false
	}
	if _, ok := s.closes[unit]; !ok {
		return false
	}
	return st.stack[len(st.stack)-1].close == unit
}

func (s *Segmenter) isOpen(unit string) bool {
	_, ok := s.pairs[unit]
	return ok
}

// RuneWeight approximates display width: ASCII and East Asian narrow or
// half-width runes count 0.5, everything else 1.0.
func RuneWeight(r rune) float64 {
	if r < utf8.RuneSelf {
		return 0.5
	}
	switch width.LookupRune(r).Kind() {
	case width.EastAsianNarrow, width.EastAsianHalfwidth:
		return 0.5
	}
	return 1
}

// WeightedLength sums RuneWeight over s.
func WeightedLength(s string) float64 {
	var n float64
	for _, r := range s {
		n += RuneWeight(r)
	}
	return n
}
