package chunking

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/BaSui01/guardflow/types"
)

// Strategy 分块策略标识
type Strategy string

const (
	StrategySentence        Strategy = "sentence"         // 句子边界
	StrategyFixedWindow     Strategy = "fixed_window"     // 固定字符窗口
	StrategyRecursiveWindow Strategy = "recursive_window" // 递归分隔符窗口
	StrategyWholeDocument   Strategy = "whole_document"   // 整篇文档
)

// ErrUnknownStrategy is wrapped by the ConfigurationError returned for
// unregistered strategy ids.
var ErrUnknownStrategy = errors.New("unknown chunking strategy")

// 默认参数
const (
	DefaultChunkSize = 200
	DefaultSeparator = "\n\n"
)

// DefaultSeparators 递归窗口的分隔符优先级：段落 > 行 > 单词
var DefaultSeparators = []string{"\n\n", "\n", " "}

// Splitter is a compiled strategy. Split is pure: identical input always
// yields identical spans.
type Splitter interface {
	Strategy() Strategy
	// Key identifies strategy+params so callers can share one chunk set
	// between detectors configured the same way.
	Key() string
	Split(text string) []types.Span
}

// Compile validates params and returns the splitter for strategy.
func Compile(strategy string, params map[string]any) (Splitter, error) {
	p := types.Params(params)
	key, err := splitterKey(strategy, params)
	if err != nil {
		return nil, err
	}

	switch Strategy(strategy) {
	case StrategySentence:
		return newSentenceSplitter(p, key)
	case StrategyFixedWindow:
		return newFixedWindowSplitter(p, key)
	case StrategyRecursiveWindow:
		return newRecursiveWindowSplitter(p, key)
	case StrategyWholeDocument:
		return wholeDocumentSplitter{key: key}, nil
	default:
		return nil, types.NewConfigurationError("chunking strategy %q is not supported", strategy).
			WithCause(ErrUnknownStrategy)
	}
}

// Chunk compiles strategy and splits text in one call.
func Chunk(text, strategy string, params map[string]any) ([]types.Span, error) {
	s, err := Compile(strategy, params)
	if err != nil {
		return nil, err
	}
	return s.Split(text), nil
}

// ToChunks tags spans with their sequence index.
func ToChunks(spans []types.Span) []types.Chunk {
	chunks := make([]types.Chunk, len(spans))
	for i, s := range spans {
		chunks[i] = types.Chunk{Span: s, Index: i}
	}
	return chunks
}

// Strategies lists the registered strategy ids.
func Strategies() []Strategy {
	return []Strategy{StrategySentence, StrategyFixedWindow, StrategyRecursiveWindow, StrategyWholeDocument}
}

func splitterKey(strategy string, params map[string]any) (string, error) {
	if len(params) == 0 {
		return strategy, nil
	}
	// encoding/json 对 map 的键排序，结果稳定
	b, err := json.Marshal(params)
	if err != nil {
		return "", types.NewConfigurationError("chunking params for %q are not serializable", strategy).WithCause(err)
	}
	return fmt.Sprintf("%s:%s", strategy, b), nil
}

type wholeDocumentSplitter struct{ key string }

func (wholeDocumentSplitter) Strategy() Strategy { return StrategyWholeDocument }
func (w wholeDocumentSplitter) Key() string      { return w.key }

func (wholeDocumentSplitter) Split(text string) []types.Span {
	if text == "" {
		return nil
	}
	return []types.Span{{Start: 0, End: len(text), Text: text}}
}

// runeIndex 记录每个字符的字节偏移，末尾追加 len(text)
type runeIndex []int

func newRuneIndex(text string) runeIndex {
	idx := make(runeIndex, 0, len(text)+1)
	for i := range text {
		idx = append(idx, i)
	}
	return append(idx, len(text))
}

func (r runeIndex) count() int { return len(r) - 1 }

// runeAt returns the rune position that starts at byte offset off.
func (r runeIndex) runeAt(off int) int {
	return sort.SearchInts(r, off)
}

func span(text string, start, end int) types.Span {
	return types.Span{Start: start, End: end, Text: text[start:end]}
}
