package classify

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_Deterministic(t *testing.T) {
	prompt := "solve for x: 2x + 3 = 7"
	v1 := Classify(prompt)
	v2 := Classify(prompt)
	assert.Equal(t, v1, v2)
}

func TestClassify_MathPrompt(t *testing.T) {
	v := Classify("Solve for x: 2x + 3 = 7, then compute the derivative of x^2.")
	assert.Greater(t, v.Math, 0.3)
}

func TestClassify_CodePrompt(t *testing.T) {
	v := Classify("```go\nfunc main() {\n  return\n}\n```")
	assert.Equal(t, 1.0, v.Code)
}

func TestClassify_CodeKeywords(t *testing.T) {
	v := Classify("Write a function that returns a struct and imports the package.")
	assert.Greater(t, v.Code, 0.0)
}

func TestClassify_ReasoningPrompt(t *testing.T) {
	v := Classify("Explain step by step why this approach is better and compare the trade-offs.")
	assert.Greater(t, v.Reasoning, 0.3)
}

func TestClassify_ShortVsLong(t *testing.T) {
	short := Classify("hello there")
	long := Classify(strings.Repeat("word ", 500))

	assert.Equal(t, 1.0, short.Short)
	assert.Equal(t, 0.0, short.Long)
	assert.Equal(t, 0.0, long.Short)
	assert.Equal(t, 1.0, long.Long)
}

func TestClassify_EmptyPrompt(t *testing.T) {
	v := Classify("")
	assert.Equal(t, Vector{Short: 1}, v)
}

func TestVector_Dot(t *testing.T) {
	v := Vector{Math: 1, Code: 0.5}
	got := v.Dot(0.5, 0.5, 0, 0, 0, 0, 0)
	assert.InDelta(t, 0.75, got, 1e-9)
}
