package chunking

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// TokenCounter counts tokens for the chunker response.
type TokenCounter interface {
	CountTokens(text string) (int, error)
	Name() string
}

// DefaultEncoding 默认编码
const DefaultEncoding = "cl100k_base"

// TiktokenCounter 基于 tiktoken 的计数器，编码在首次使用时加载
type TiktokenCounter struct {
	encoding string
	enc      *tiktoken.Tiktoken
	once     sync.Once
	initErr  error
}

// NewTiktokenCounter creates a counter for the named encoding.
func NewTiktokenCounter(encoding string) *TiktokenCounter {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	return &TiktokenCounter{encoding: encoding}
}

// init lazily 初始化编码（首次使用可能需要下载 BPE 数据）
func (t *TiktokenCounter) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			return
		}
		t.enc = enc
	})
	return t.initErr
}

func (t *TiktokenCounter) CountTokens(text string) (int, error) {
	if err := t.init(); err != nil {
		return 0, err
	}
	return len(t.enc.Encode(text, nil, nil)), nil
}

func (t *TiktokenCounter) Name() string { return "tiktoken/" + t.encoding }

// WhitespaceCounter 按空白切词计数
type WhitespaceCounter struct{}

func (WhitespaceCounter) CountTokens(text string) (int, error) {
	return len(strings.Fields(text)), nil
}

func (WhitespaceCounter) Name() string { return "whitespace" }

// FallbackCounter tries Primary and falls back to Secondary on error. The
// first failure is logged once.
type FallbackCounter struct {
	Primary   TokenCounter
	Secondary TokenCounter
	logger    *zap.Logger
	warnOnce  sync.Once
}

// NewFallbackCounter wires a primary counter with a whitespace fallback.
func NewFallbackCounter(primary TokenCounter, logger *zap.Logger) *FallbackCounter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FallbackCounter{Primary: primary, Secondary: WhitespaceCounter{}, logger: logger}
}

func (f *FallbackCounter) CountTokens(text string) (int, error) {
	n, err := f.Primary.CountTokens(text)
	if err == nil {
		return n, nil
	}
	f.warnOnce.Do(func() {
		f.logger.Warn("token counter unavailable, using fallback",
			zap.String("counter", f.Primary.Name()),
			zap.String("fallback", f.Secondary.Name()),
			zap.Error(err))
	})
	return f.Secondary.CountTokens(text)
}

func (f *FallbackCounter) Name() string { return f.Primary.Name() }
