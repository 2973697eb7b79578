package usage

import (
	"math"

	"golang.org/x/text/width"
)

// EstimateTokens approximates a token count when the upstream reports none:
// wide (CJK) runes count one token each and the remaining runes roughly four
// per token. Upstream-reported usage always overrides the estimate.
func EstimateTokens(text string) int {
	wide := 0
	narrow := 0
	for _, r := range text {
		switch width.LookupRune(r).Kind() {
		case width.EastAsianWide, width.EastAsianFullwidth:
			wide++
		default:
			narrow++
		}
	}
	return wide + int(math.Ceil(float64(narrow)/4))
}
