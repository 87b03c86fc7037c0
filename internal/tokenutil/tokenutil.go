// Package tokenutil estimates prompt sizes without a tokenizer.
package tokenutil

import "strings"

// EstimateTokens returns a word-based token estimate.
// Splits on whitespace, multiplies by 1.33 (avg tokens/word for English).
// Uses max(wordEstimate, len/4) as floor for SQL, JSON and numbers.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	words := len(strings.Fields(content))
	wordEstimate := int(float64(words) * 1.33)
	charEstimate := len(content) / 4
	if wordEstimate > charEstimate {
		return wordEstimate
	}
	return charEstimate
}

// Newest keeps the longest suffix of lines whose estimated size fits in
// budget, in their original order. A line that alone exceeds the budget is
// dropped along with everything older.
func Newest(lines []string, budget int) []string {
	used := 0
	start := len(lines)
	for i := len(lines) - 1; i >= 0; i-- {
		n := EstimateTokens(lines[i])
		if used+n > budget {
			break
		}
		used += n
		start = i
	}
	return lines[start:]
}
