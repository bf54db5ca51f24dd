package chunking

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/BaSui01/guardflow/types"
)

// DefaultSentenceBoundary matches terminal punctuation and the whitespace
// after it. A boundary only splits when the next character is uppercase or
// the text ends.
const DefaultSentenceBoundary = `[.!?]+\s+`

type sentenceSplitter struct {
	key            string
	boundary       *regexp.Regexp
	requireCapital bool
}

func newSentenceSplitter(p types.Params, key string) (Splitter, error) {
	pattern, err := p.String("boundary", DefaultSentenceBoundary)
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, types.NewConfigurationError("sentence boundary %q does not compile", pattern).WithCause(err)
	}
	requireCapital, err := p.Bool("require_capital", pattern == DefaultSentenceBoundary)
	if err != nil {
		return nil, err
	}
	return &sentenceSplitter{key: key, boundary: re, requireCapital: requireCapital}, nil
}

func (s *sentenceSplitter) Strategy() Strategy { return StrategySentence }
func (s *sentenceSplitter) Key() string        { return s.key }

func (s *sentenceSplitter) Split(text string) []types.Span {
	if text == "" {
		return nil
	}

	var spans []types.Span
	cur := 0
	for _, m := range s.boundary.FindAllStringIndex(text, -1) {
		if m[1] <= cur || m[0] == m[1] {
			continue
		}
		if s.requireCapital && m[1] < len(text) {
			r, _ := utf8.DecodeRuneInString(text[m[1]:])
			if !unicode.IsUpper(r) {
				continue
			}
		}
		if sp, ok := trimmedSpan(text, cur, m[1]); ok {
			spans = append(spans, sp)
		}
		cur = m[1]
	}
	if sp, ok := trimmedSpan(text, cur, len(text)); ok {
		spans = append(spans, sp)
	}
	return spans
}

// trimmedSpan 去掉首尾空白，偏移同步收缩
func trimmedSpan(text string, start, end int) (types.Span, bool) {
	seg := text[start:end]
	lead := len(seg) - len(strings.TrimLeftFunc(seg, unicode.IsSpace))
	trimmed := strings.TrimSpace(seg)
	if trimmed == "" {
		return types.Span{}, false
	}
	s := start + lead
	return span(text, s, s+len(trimmed)), true
}
