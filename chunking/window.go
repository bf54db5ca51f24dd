package chunking

import (
	"strings"
	"unicode/utf8"

	"github.com/BaSui01/guardflow/types"
)

// windowConfig 窗口类策略共享参数，单位为字符（code point）
type windowConfig struct {
	ChunkSize  int
	Overlap    int
	Separator  string
	Separators []string
	Lookback   int
}

func parseWindowConfig(p types.Params) (windowConfig, error) {
	var cfg windowConfig
	var err error

	if cfg.ChunkSize, err = p.Int("chunk_size", DefaultChunkSize); err != nil {
		return cfg, err
	}
	if cfg.ChunkSize <= 0 {
		return cfg, types.NewConfigurationError("chunk_size must be positive, got %d", cfg.ChunkSize)
	}
	if cfg.Overlap, err = p.Int("overlap", 0); err != nil {
		return cfg, err
	}
	if cfg.Overlap < 0 || cfg.Overlap >= cfg.ChunkSize {
		return cfg, types.NewConfigurationError("overlap must be in [0, chunk_size), got %d", cfg.Overlap)
	}
	if cfg.Separator, err = p.String("separator", DefaultSeparator); err != nil {
		return cfg, err
	}
	if cfg.Lookback, err = p.Int("lookback", cfg.ChunkSize/4); err != nil {
		return cfg, err
	}
	if cfg.Lookback < 0 {
		return cfg, types.NewConfigurationError("lookback must not be negative, got %d", cfg.Lookback)
	}
	seps, err := p.Strings("separators")
	if err != nil {
		return cfg, err
	}
	if len(seps) == 0 {
		seps = DefaultSeparators
	}
	for _, s := range seps {
		if s == "" {
			return cfg, types.NewConfigurationError("separators must not contain empty strings")
		}
	}
	cfg.Separators = seps
	return cfg, nil
}

// =============================================================================
// fixed_window
// =============================================================================

type fixedWindowSplitter struct {
	key string
	cfg windowConfig
}

func newFixedWindowSplitter(p types.Params, key string) (Splitter, error) {
	cfg, err := parseWindowConfig(p)
	if err != nil {
		return nil, err
	}
	if cfg.Separator == "" {
		return nil, types.NewConfigurationError("separator must not be empty")
	}
	return &fixedWindowSplitter{key: key, cfg: cfg}, nil
}

func (f *fixedWindowSplitter) Strategy() Strategy { return StrategyFixedWindow }
func (f *fixedWindowSplitter) Key() string        { return f.key }

// Split walks the text in strides of ChunkSize characters. Each window is cut
// right after the last separator found within Lookback characters of the
// boundary, or hard cut at the boundary when none is found.
func (f *fixedWindowSplitter) Split(text string) []types.Span {
	if text == "" {
		return nil
	}
	idx := newRuneIndex(text)
	n := idx.count()

	var spans []types.Span
	start := 0
	for start < n {
		end := start + f.cfg.ChunkSize
		if end >= n {
			spans = append(spans, span(text, idx[start], idx[n]))
			break
		}

		cut := end
		lo := max(start+1, end-f.cfg.Lookback)
		if lo < end {
			region := text[idx[lo]:idx[end]]
			if i := strings.LastIndex(region, f.cfg.Separator); i >= 0 {
				cut = idx.runeAt(idx[lo] + i + len(f.cfg.Separator))
			}
		}
		spans = append(spans, span(text, idx[start], idx[cut]))

		// 重叠回退，但保证前进
		start = max(cut-f.cfg.Overlap, start+1)
	}
	return spans
}

// =============================================================================
// recursive_window
// =============================================================================

type recursiveWindowSplitter struct {
	key string
	cfg windowConfig
}

func newRecursiveWindowSplitter(p types.Params, key string) (Splitter, error) {
	cfg, err := parseWindowConfig(p)
	if err != nil {
		return nil, err
	}
	return &recursiveWindowSplitter{key: key, cfg: cfg}, nil
}

func (r *recursiveWindowSplitter) Strategy() Strategy { return StrategyRecursiveWindow }
func (r *recursiveWindowSplitter) Key() string        { return r.key }

// piece 是原文中的连续字节区间 [start, end)
type piece struct {
	start, end int
	runes      int
}

func (r *recursiveWindowSplitter) Split(text string) []types.Span {
	if text == "" {
		return nil
	}

	pieces := r.recursiveSplit(text, 0, len(text), r.cfg.Separators)
	merged := r.merge(pieces)

	spans := make([]types.Span, 0, len(merged))
	prevStart := 0
	for i, p := range merged {
		start := p.start
		if i > 0 && r.cfg.Overlap > 0 {
			start = r.overlapStart(text, p.start, prevStart)
		}
		spans = append(spans, span(text, start, p.end))
		prevStart = p.start
	}
	return spans
}

// recursiveSplit 按分隔符优先级递归切分，直到每段不超过 ChunkSize
func (r *recursiveWindowSplitter) recursiveSplit(text string, start, end int, separators []string) []piece {
	seg := text[start:end]
	runes := utf8.RuneCountInString(seg)
	if runes <= r.cfg.ChunkSize {
		return []piece{{start: start, end: end, runes: runes}}
	}
	if len(separators) == 0 {
		return r.hardCut(text, start, end)
	}

	sep := separators[0]
	if !strings.Contains(seg, sep) {
		return r.recursiveSplit(text, start, end, separators[1:])
	}

	var out []piece
	cur := start
	for cur < end {
		next := end
		if i := strings.Index(text[cur:end], sep); i >= 0 {
			// 分隔符保留在前一段末尾
			next = cur + i + len(sep)
		}
		out = append(out, r.recursiveSplit(text, cur, next, separators[1:])...)
		cur = next
	}
	return out
}

// hardCut 最后一级：按字符硬切
func (r *recursiveWindowSplitter) hardCut(text string, start, end int) []piece {
	idx := newRuneIndex(text[start:end])
	n := idx.count()
	var out []piece
	for i := 0; i < n; i += r.cfg.ChunkSize {
		j := min(i+r.cfg.ChunkSize, n)
		out = append(out, piece{start: start + idx[i], end: start + idx[j], runes: j - i})
	}
	return out
}

// merge 将相邻的小段合并，直到接近 ChunkSize
func (r *recursiveWindowSplitter) merge(pieces []piece) []piece {
	if len(pieces) == 0 {
		return nil
	}
	out := make([]piece, 0, len(pieces))
	cur := pieces[0]
	for _, p := range pieces[1:] {
		if cur.runes+p.runes <= r.cfg.ChunkSize {
			cur.end = p.end
			cur.runes += p.runes
			continue
		}
		out = append(out, cur)
		cur = p
	}
	return append(out, cur)
}

// overlapStart moves start back by Overlap characters without passing the
// previous span's start.
func (r *recursiveWindowSplitter) overlapStart(text string, start, prevStart int) int {
	s := start
	for i := 0; i < r.cfg.Overlap && s > prevStart; i++ {
		_, size := utf8.DecodeLastRuneInString(text[:s])
		s -= size
	}
	return s
}
