package debugger

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// obfuscatedSample mimics the output of a javascript-obfuscator pipeline:
// a switch dispatcher, hex-soup identifiers, escaped strings and eval.
const obfuscatedSample = `var _0xab12 = ["\x41\x42\x43", "AB", "\x44\x45"];
var _0xcd34 = function(_0xef56, _0x1a2b) {
  while (true) {
    switch (_0xef56) {
      case 0: _0x1a2b += _0xab12[0]; continue;
      case 1: _0x1a2b += "\x46\x47"; continue;
      case 2: _0x1a2b += "HI"; continue;
      case 3: return eval(_0x1a2b);
    }
    break;
  }
};
`

const cleanSample = `function add(a, b) {
  return a + b;
}

function greet(name) {
  console.log("hello, " + name);
}
`

func TestAnalyzeSource(t *testing.T) {
	t.Run("flags obfuscated source", func(t *testing.T) {
		report := AnalyzeSource(obfuscatedSample)
		assert.True(t, report.LikelyObfuscated)
		assert.Greater(t, report.Confidence, 0.3)
		assert.Contains(t, report.Patterns, "switch-dispatch")
		assert.Contains(t, report.Patterns, "hex-identifiers")
		assert.Contains(t, report.Patterns, "escape-sequences")
		assert.Contains(t, report.Patterns, "dynamic-eval")
	})

	t.Run("passes clean source", func(t *testing.T) {
		report := AnalyzeSource(cleanSample)
		assert.False(t, report.LikelyObfuscated)
		assert.Zero(t, report.Confidence)
		assert.Empty(t, report.Patterns)
	})

	t.Run("detects minified lines alone", func(t *testing.T) {
		src := "var a = 1;" + strings.Repeat("a.b();", 120)
		report := AnalyzeSource(src)
		assert.Contains(t, report.Patterns, "minified-lines")
		// One weak signal is not enough to flag the script.
		assert.False(t, report.LikelyObfuscated)
	})

	t.Run("confidence stays clamped", func(t *testing.T) {
		report := AnalyzeSource(strings.Repeat(obfuscatedSample, 50))
		assert.LessOrEqual(t, report.Confidence, 1.0)
		assert.True(t, report.LikelyObfuscated)
	})

	t.Run("empty source", func(t *testing.T) {
		report := AnalyzeSource("")
		assert.False(t, report.LikelyObfuscated)
		assert.Empty(t, report.Patterns)
	})

	t.Run("unparseable source falls back to regex", func(t *testing.T) {
		// Broken syntax still yields a census through the regex fallback
		// (tree-sitter is error tolerant, so either path may serve).
		src := "switch { case case case eval(" + strings.Repeat("case x: eval(y); ", 40)
		report := AnalyzeSource(src)
		assert.Contains(t, report.Patterns, "dynamic-eval")
	})
}

func TestHasMinifiedLines(t *testing.T) {
	assert.False(t, hasMinifiedLines("short\nlines\nonly"))
	assert.True(t, hasMinifiedLines(strings.Repeat("x", 600)))
	// Long line outweighed by normal content.
	assert.False(t, hasMinifiedLines(strings.Repeat("x", 501)+"\n"+strings.Repeat("y\n", 400)))
}
