package debugger

import (
	"context"
	"regexp"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"

	"github.com/xkilldash9x/cryptoscope/api/schemas"
)

// Obfuscation scoring. Each signal contributes its weight scaled by how far
// the measured density exceeds its threshold; the sum is clamped to [0, 1]
// and anything above likelyThreshold is flagged.
const (
	maxAnalyzeBytes = 256 << 10

	likelyThreshold = 0.3

	weightSwitchDispatch = 0.30
	weightHexIdentifiers = 0.25
	weightEscapeDensity  = 0.20
	weightEvalUsage      = 0.15
	weightLongLines      = 0.10

	// Densities are per KiB of analyzed source.
	switchCasePerKiB = 2.0
	hexIdentPerKiB   = 3.0
	escapePerKiB     = 5.0
)

var (
	hexIdentRegex = regexp.MustCompile(`_0x[0-9a-fA-F]{2,}`)
	escapeRegex   = regexp.MustCompile(`\\x[0-9a-fA-F]{2}|\\u[0-9a-fA-F]{4}`)
	// Regex fallbacks for sources tree-sitter cannot parse.
	switchCaseRegex = regexp.MustCompile(`\bcase\s`)
	evalRegex       = regexp.MustCompile(`\beval\s*\(|\bnew\s+Function\s*\(|\bFunction\s*\(\s*["']`)
)

// sourceCensus is what one pass over the source counts.
type sourceCensus struct {
	switchCases int
	evalCalls   int
}

// AnalyzeSource scores a script for obfuscation markers: flattened switch
// dispatchers, hex-soup identifiers, escape-sequence density, dynamic code
// evaluation and minified line length. Parsing is capped so multi-megabyte
// bundles stay cheap.
func AnalyzeSource(source string) schemas.HeuristicReport {
	if len(source) > maxAnalyzeBytes {
		source = source[:maxAnalyzeBytes]
	}
	if source == "" {
		return schemas.HeuristicReport{}
	}
	kib := float64(len(source)) / 1024
	if kib < 1 {
		kib = 1
	}

	census, ok := censusTreeSitter(source)
	if !ok {
		census = censusRegex(source)
	}

	var confidence float64
	var patterns []string

	if d := float64(census.switchCases) / kib; d >= switchCasePerKiB {
		confidence += weightSwitchDispatch * ratio(d, switchCasePerKiB)
		patterns = append(patterns, "switch-dispatch")
	}
	if d := float64(len(hexIdentRegex.FindAllStringIndex(source, -1))) / kib; d >= hexIdentPerKiB {
		confidence += weightHexIdentifiers * ratio(d, hexIdentPerKiB)
		patterns = append(patterns, "hex-identifiers")
	}
	if d := float64(len(escapeRegex.FindAllStringIndex(source, -1))) / kib; d >= escapePerKiB {
		confidence += weightEscapeDensity * ratio(d, escapePerKiB)
		patterns = append(patterns, "escape-sequences")
	}
	if census.evalCalls > 0 {
		confidence += weightEvalUsage
		patterns = append(patterns, "dynamic-eval")
	}
	if hasMinifiedLines(source) {
		confidence += weightLongLines
		patterns = append(patterns, "minified-lines")
	}

	if confidence > 1 {
		confidence = 1
	}
	return schemas.HeuristicReport{
		LikelyObfuscated: confidence > likelyThreshold,
		Confidence:       confidence,
		Patterns:         patterns,
	}
}

// ratio scales a density against its threshold, capped at 2x.
func ratio(d, threshold float64) float64 {
	r := d / threshold
	if r > 2 {
		r = 2
	}
	return r / 2
}

func censusTreeSitter(source string) (sourceCensus, bool) {
	parser := sitter.NewParser()
	parser.SetLanguage(javascript.GetLanguage())

	src := []byte(source)
	tree, err := parser.ParseCtx(context.Background(), nil, src)
	if err != nil || tree == nil {
		return sourceCensus{}, false
	}
	defer tree.Close()

	var census sourceCensus
	countNodes(tree.RootNode(), src, &census)
	return census, true
}

func countNodes(node *sitter.Node, source []byte, census *sourceCensus) {
	if node == nil || node.IsNull() {
		return
	}
	switch node.Type() {
	case "switch_case":
		census.switchCases++
	case "call_expression":
		fn := node.ChildByFieldName("function")
		if fn != nil && fn.Type() == "identifier" {
			if name := fn.Content(source); name == "eval" || name == "Function" {
				census.evalCalls++
			}
		}
	case "new_expression":
		ctor := node.ChildByFieldName("constructor")
		if ctor != nil && ctor.Type() == "identifier" && ctor.Content(source) == "Function" {
			census.evalCalls++
		}
	}
	for i := 0; i < int(node.NamedChildCount()); i++ {
		countNodes(node.NamedChild(i), source, census)
	}
}

func censusRegex(source string) sourceCensus {
	return sourceCensus{
		switchCases: len(switchCaseRegex.FindAllStringIndex(source, -1)),
		evalCalls:   len(evalRegex.FindAllStringIndex(source, -1)),
	}
}

// hasMinifiedLines reports whether a meaningful share of the source sits on
// lines longer than 500 characters.
func hasMinifiedLines(source string) bool {
	var longBytes int
	for _, line := range strings.Split(source, "\n") {
		if len(line) > 500 {
			longBytes += len(line)
		}
	}
	return longBytes > len(source)/2
}
