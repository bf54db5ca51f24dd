package guardrails

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/parser"

	"github.com/BaSui01/guardflow/types"
)

// 允许在规则表达式中使用的 CUE 内置包（均为纯函数，无 I/O）
var ruleBuiltins = []string{"strings", "regexp", "list", "math", "strconv"}

var (
	pathText      = cue.ParsePath("text")
	pathLength    = cue.ParsePath("length")
	pathWords     = cue.ParsePath("words")
	pathLines     = cue.ParsePath("lines")
	pathViolation = cue.ParsePath("violation")
)

// RuleDetector evaluates a CUE boolean expression over the chunk. The
// expression sees text, length (characters), words and lines, and can only
// call pure builtins.
//
//	expr: 'length > 500 || strings.Contains(strings.ToLower(text), "password")'
type RuleDetector struct {
	id            string
	expr          string
	detection     string
	detectionType string

	mu     sync.Mutex
	schema cue.Value
}

// NewRuleDetector compiles params.expr. Compile and type errors are
// configuration errors.
func NewRuleDetector(id string, params types.Params) (*RuleDetector, error) {
	expr, err := params.String("expr", "")
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(expr) == "" {
		return nil, types.NewConfigurationError("detector %s: expr is required", id)
	}
	if _, err := parser.ParseExpr("expr", expr); err != nil {
		return nil, types.NewConfigurationError("detector %s: invalid expr: %v", id, err)
	}
	detection, err := params.String("detection", "rule")
	if err != nil {
		return nil, err
	}
	detectionType, err := params.String("detection_type", "rule_violation")
	if err != nil {
		return nil, err
	}

	schema := cuecontext.New().CompileString(ruleSource(expr))
	if err := schema.Err(); err != nil {
		return nil, types.NewConfigurationError("detector %s: invalid expr: %v", id, err)
	}

	d := &RuleDetector{
		id:            id,
		expr:          expr,
		detection:     detection,
		detectionType: detectionType,
		schema:        schema,
	}
	// 空输入试算一次，提前暴露类型错误（例如 violation 不是 bool）
	if _, err := d.eval(""); err != nil {
		return nil, types.NewConfigurationError("detector %s: %v", id, err)
	}
	return d, nil
}

// ruleSource wraps expr with the input schema and the builtins it references.
func ruleSource(expr string) string {
	var sb strings.Builder
	for _, pkg := range ruleBuiltins {
		if regexp.MustCompile(`\b` + pkg + `\.`).MatchString(expr) {
			fmt.Fprintf(&sb, "import %q\n", pkg)
		}
	}
	sb.WriteString("text: string\n")
	sb.WriteString("length: int\n")
	sb.WriteString("words: [...string]\n")
	sb.WriteString("lines: int\n")
	sb.WriteString("violation: ")
	sb.WriteString(expr)
	sb.WriteString("\n")
	return sb.String()
}

func (d *RuleDetector) ID() string               { return d.id }
func (d *RuleDetector) Kind() types.DetectorKind { return types.DetectorKindRule }

// Expr returns the source expression.
func (d *RuleDetector) Expr() string { return d.expr }

// Evaluate fires one whole-chunk result when the expression is true.
func (d *RuleDetector) Evaluate(ctx context.Context, chunk types.Chunk) ([]types.DetectionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	violation, err := d.eval(chunk.Text)
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "rule evaluation failed").
			WithCause(err).WithDetector(d.id)
	}
	if !violation {
		return nil, nil
	}
	res := wholeChunk(chunk, d.id, d.detection, d.detectionType, chunk.Text, 1.0)
	res.Evidence = map[string]any{"expr": d.expr}
	return []types.DetectionResult{res}, nil
}

func (d *RuleDetector) eval(text string) (bool, error) {
	words := strings.Fields(text)
	lines := 0
	if text != "" {
		lines = strings.Count(text, "\n") + 1
	}

	// cue.Value 的并发求值不安全
	d.mu.Lock()
	defer d.mu.Unlock()

	v := d.schema.
		FillPath(pathText, text).
		FillPath(pathLength, utf8.RuneCountInString(text)).
		FillPath(pathWords, words).
		FillPath(pathLines, lines)

	out := v.LookupPath(pathViolation)
	if err := out.Err(); err != nil {
		return false, err
	}
	violation, err := out.Bool()
	if err != nil {
		return false, fmt.Errorf("violation must evaluate to a bool: %w", err)
	}
	return violation, nil
}
