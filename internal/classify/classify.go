// Package classify implements the task classifier (C4): a deterministic,
// heuristic function from prompt text to a vector of per-axis fitness
// scores consumed by the router's taskFit component (spec §4.4).
package classify

import (
	"math"
	"regexp"
	"strings"
	"unicode"
)

// Vector is a prompt's score on each named axis, each in [0,1].
type Vector struct {
	Math          float64
	Code          float64
	Reasoning     float64
	LanguageEn    float64
	LanguageOther float64
	Short         float64
	Long          float64
}

// Dot computes the dot product against an adapter's declared task
// affinities, used directly as the router's taskFit(a, classification).
func (v Vector) Dot(mathW, codeW, reasoningW, enW, otherW, shortW, longW float64) float64 {
	return v.Math*mathW + v.Code*codeW + v.Reasoning*reasoningW +
		v.LanguageEn*enW + v.LanguageOther*otherW + v.Short*shortW + v.Long*longW
}

var (
	mathSymbolRe = regexp.MustCompile(`[=+\-*/^%<>]|\d+\.\d+|\\frac|\\sum|\\int`)
	mathWordRe   = regexp.MustCompile(`(?i)\b(equation|integral|derivative|theorem|algebra|calculus|matrix|probability|solve for|compute)\b`)
	codeFenceRe  = regexp.MustCompile("```")
	codeWordRe   = regexp.MustCompile(`(?i)\b(func|function|class|def|import|package|struct|interface|return|void|public|private|const|var|let)\b`)
	codeSymbolRe = regexp.MustCompile(`[{};]|==|!=|->|=>|::`)
	reasonWordRe = regexp.MustCompile(`(?i)\b(why|explain|reason|because|therefore|step by step|analyze|compare|trade-?off|prove)\b`)
)

// Classify scores prompt deterministically on every axis. The same input
// always yields the same Vector.
func Classify(prompt string) Vector {
	trimmed := strings.TrimSpace(prompt)
	lower := strings.ToLower(trimmed)

	v := Vector{
		Math:      score(mathSymbolRe.FindAllStringIndex(trimmed, -1), mathWordRe.FindAllStringIndex(lower, -1), trimmed),
		Code:      codeScore(trimmed, lower),
		Reasoning: score(reasonWordRe.FindAllStringIndex(lower, -1), nil, trimmed),
	}

	en, other := languageScores(trimmed)
	v.LanguageEn = en
	v.LanguageOther = other

	words := len(strings.Fields(trimmed))
	v.Short, v.Long = lengthScores(words)

	return v
}

func score(symbolMatches, wordMatches [][]int, text string) float64 {
	count := len(symbolMatches) + 2*len(wordMatches)
	if count == 0 {
		return 0
	}
	// Diminishing returns: saturate toward 1 rather than growing unbounded
	// on long, symbol-dense prompts.
	return 1 - math.Exp(-float64(count)/4)
}

func codeScore(trimmed, lower string) float64 {
	if codeFenceRe.MatchString(trimmed) {
		return 1
	}
	count := len(codeWordRe.FindAllStringIndex(lower, -1)) + len(codeSymbolRe.FindAllStringIndex(trimmed, -1))
	if count == 0 {
		return 0
	}
	return 1 - math.Exp(-float64(count)/6)
}

// languageScores returns a rough (en, other) split based on the fraction of
// runes outside the Latin/ASCII range. This is a heuristic signal, not a
// language detector: it is intentionally crude and deterministic.
func languageScores(text string) (en, other float64) {
	if text == "" {
		return 0, 0
	}
	var total, nonLatin int
	for _, r := range text {
		if unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsDigit(r) {
			continue
		}
		total++
		if r > unicode.MaxASCII && !unicode.In(r, unicode.Latin) {
			nonLatin++
		}
	}
	if total == 0 {
		return 0, 0
	}
	otherFrac := float64(nonLatin) / float64(total)
	return 1 - otherFrac, otherFrac
}

func lengthScores(words int) (short, long float64) {
	switch {
	case words <= 20:
		return 1, 0
	case words >= 400:
		return 0, 1
	default:
		// Linear ramp between the two thresholds.
		frac := float64(words-20) / float64(400-20)
		return 1 - frac, frac
	}
}
