package guardrails

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/BaSui01/guardflow/internal/pool"
	"github.com/BaSui01/guardflow/internal/resilience"
	"github.com/BaSui01/guardflow/llm"
	"github.com/BaSui01/guardflow/types"
)

// JudgeCheck selects what the self-reflection judge is asked.
type JudgeCheck string

const (
	// CheckPolicy 按策略列表判定是否违规
	CheckPolicy JudgeCheck = "policy"
	// CheckRefusal 判断模型回复是否为拒答（监控用）
	CheckRefusal JudgeCheck = "refusal"
	// CheckToxicity 0-3 毒性评分，score = n/4（监控用）
	CheckToxicity JudgeCheck = "toxicity"
)

// self-reflection detection types
const (
	DetectionLengthCheck   = "length-check-detection"
	DetectionContentCheck  = "content-check-detection"
	DetectionPolicyCheck   = "policy-check-detection"
	DetectionRefusalCheck  = "refusal-check-detection"
	DetectionToxicityScore = "toxicity-score-detection"
)

const (
	judgeDetection = "guardrail"
	judgeMaxTokens = 10
)

var policyAnswer = regexp.MustCompile(`POLICY:\s*(\d+)`)

// SelfReflectionDetector asks a chat model whether a chunk violates a list
// of natural-language policies. Cheap pre-checks (length, forbidden words)
// run first and short-circuit the model call.
type SelfReflectionDetector struct {
	id        string
	direction types.Direction
	check     JudgeCheck
	policies  []Policy
	prompt    string

	maxLength int
	forbidden []string
	wordRegex *regexp.Regexp

	judge    llm.Provider
	model    string
	backend  string
	timeout  time.Duration
	cache    JudgeCache
	cacheTTL time.Duration
	inflight singleflight.Group
	logger   *zap.Logger
}

// SelfReflectionOptions carries the non-param collaborators.
type SelfReflectionOptions struct {
	Judge llm.Provider
	Model string
	// Backend 标识评审后端（URL），参与缓存键；为空时取 Judge.Name()
	Backend  string
	Cache    JudgeCache
	CacheTTL time.Duration
	// Timeout bounds one shared judge call. Defaults to defaultJudgeTimeout.
	Timeout time.Duration
	Logger  *zap.Logger
}

const defaultJudgeTimeout = 30 * time.Second

// NewSelfReflectionDetector builds the detector from params:
//   - direction: input (default) or output
//   - check: policy (default), refusal, toxicity
//   - policies / custom_policies: see selectPolicies
//   - max_length: int or "default"; forbidden_words: list or "default"
func NewSelfReflectionDetector(id string, params types.Params, opts SelfReflectionOptions) (*SelfReflectionDetector, error) {
	if opts.Judge == nil {
		return nil, types.NewConfigurationError("detector %s: no judge model configured", id)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Backend == "" {
		opts.Backend = opts.Judge.Name()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultJudgeTimeout
	}

	direction, err := params.String("direction", string(types.DirectionInput))
	if err != nil {
		return nil, err
	}
	check, err := params.String("check", string(CheckPolicy))
	if err != nil {
		return nil, err
	}

	d := &SelfReflectionDetector{
		id:        id,
		direction: types.Direction(direction),
		check:     JudgeCheck(check),
		judge:     opts.Judge,
		model:     opts.Model,
		backend:   opts.Backend,
		timeout:   opts.Timeout,
		cache:     opts.Cache,
		cacheTTL:  opts.CacheTTL,
		logger:    opts.Logger.With(zap.String("detector", id)),
	}
	switch d.direction {
	case types.DirectionInput, types.DirectionOutput:
	default:
		return nil, types.NewConfigurationError("detector %s: unknown direction %q", id, direction)
	}

	switch d.check {
	case CheckPolicy:
		if d.policies, err = selectPolicies(d.direction, params); err != nil {
			return nil, types.NewConfigurationError("detector %s: %v", id, err)
		}
		d.prompt = buildSystemPrompt(d.direction, d.policies)
	case CheckRefusal:
		d.prompt = refusalPrompt
	case CheckToxicity:
		d.prompt = toxicityPrompt
	default:
		return nil, types.NewConfigurationError("detector %s: unknown check %q", id, check)
	}

	if err := d.parsePreChecks(params); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *SelfReflectionDetector) parsePreChecks(params types.Params) error {
	if s, ok := params["max_length"].(string); ok && s == "default" {
		d.maxLength = DefaultMaxLength
	} else {
		n, err := params.Int("max_length", 0)
		if err != nil {
			return err
		}
		if n < 0 {
			return types.NewConfigurationError("detector %s: max_length must be >= 0", d.id)
		}
		d.maxLength = n
	}

	if s, ok := params["forbidden_words"].(string); ok && s == "default" {
		d.forbidden = DefaultForbiddenWords
	} else {
		words, err := params.Strings("forbidden_words")
		if err != nil {
			return err
		}
		d.forbidden = words
	}
	if len(d.forbidden) > 0 {
		quoted := make([]string, len(d.forbidden))
		for i, w := range d.forbidden {
			quoted[i] = regexp.QuoteMeta(w)
		}
		d.wordRegex = regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
	}
	return nil
}

func (b *Builder) buildSelfReflection(cfg types.DetectorConfig, p types.Params) (Detector, error) {
	judge := b.deps.Judge
	model, err := p.String("model", "")
	if err != nil {
		return nil, err
	}
	url, err := p.String("url", "")
	if err != nil {
		return nil, err
	}
	if url != "" {
		token, _ := p.String("token", "")
		insecure, err := p.Bool("insecure_skip_verify", false)
		if err != nil {
			return nil, err
		}
		judge = llm.NewOpenAIProvider(llm.Config{
			Name:               "judge-" + cfg.ID,
			BaseURL:            url,
			APIKey:             token,
			Model:              model,
			Timeout:            b.deps.HTTPTimeout,
			InsecureSkipVerify: insecure,
		}, b.deps.Logger, llm.WithGuard(b.Guard(url)))
	}
	return asDetector(NewSelfReflectionDetector(cfg.ID, p, SelfReflectionOptions{
		Judge:    judge,
		Model:    model,
		Backend:  url,
		Cache:    b.deps.JudgeCache,
		CacheTTL: b.deps.JudgeCacheTTL,
		Timeout:  b.deps.HTTPTimeout,
		Logger:   b.deps.Logger,
	}))
}

func (d *SelfReflectionDetector) ID() string               { return d.id }
func (d *SelfReflectionDetector) Kind() types.DetectorKind { return types.DetectorKindSelfReflection }

// Policies returns the numbered policy list, in prompt order.
func (d *SelfReflectionDetector) Policies() []Policy { return d.policies }

// Evaluate runs the pre-checks and, if they pass, the judge model.
func (d *SelfReflectionDetector) Evaluate(ctx context.Context, chunk types.Chunk) ([]types.DetectionResult, error) {
	if res, ok := d.preCheck(chunk); ok {
		return []types.DetectionResult{res}, nil
	}

	answer, err := d.ask(ctx, chunk.Text)
	if err != nil {
		return nil, err
	}

	switch d.check {
	case CheckRefusal:
		answer = strings.TrimSpace(strings.ReplaceAll(answer, "Answer:", ""))
		if answer == "NO" {
			return nil, nil
		}
		return []types.DetectionResult{wholeChunk(chunk, d.id, judgeDetection, DetectionRefusalCheck, "Refusal detected", 1.0)}, nil
	case CheckToxicity:
		level, err := strconv.ParseFloat(strings.TrimSpace(answer), 64)
		if err != nil {
			return nil, types.NewDetectorUnavailableError(d.id, fmt.Errorf("unparseable toxicity answer %q", answer))
		}
		score := min(max(level/4, 0), 1)
		if score == 0 {
			return nil, nil
		}
		return []types.DetectionResult{wholeChunk(chunk, d.id, judgeDetection, DetectionToxicityScore,
			fmt.Sprintf("Toxicity level %s", strings.TrimSpace(answer)), score)}, nil
	}

	if strings.TrimSpace(answer) == "NO" {
		return nil, nil
	}
	return []types.DetectionResult{wholeChunk(chunk, d.id, judgeDetection, DetectionPolicyCheck, d.violationMessage(answer), 1.0)}, nil
}

// preCheck 执行长度与违禁词检查，命中时直接返回，不调用模型
func (d *SelfReflectionDetector) preCheck(chunk types.Chunk) (types.DetectionResult, bool) {
	if d.maxLength > 0 && utf8.RuneCountInString(chunk.Text) > d.maxLength {
		msg := fmt.Sprintf("prompt too long, please shorten to <%d characters", d.maxLength)
		return wholeChunk(chunk, d.id, judgeDetection, DetectionLengthCheck, msg, 1.0), true
	}
	if words := d.forbiddenWords(chunk.Text); len(words) > 0 {
		msg := fmt.Sprintf("prompt contains forbidden words: ['%s']", strings.Join(words, "', '"))
		return wholeChunk(chunk, d.id, judgeDetection, DetectionContentCheck, msg, 1.0), true
	}
	return types.DetectionResult{}, false
}

// forbiddenWords returns the configured words present in text, in list order.
func (d *SelfReflectionDetector) forbiddenWords(text string) []string {
	if d.wordRegex == nil {
		return nil
	}
	found := make(map[string]bool)
	for _, m := range d.wordRegex.FindAllString(text, -1) {
		found[strings.ToLower(m)] = true
	}
	var out []string
	for _, w := range d.forbidden {
		if found[strings.ToLower(w)] {
			out = append(out, w)
		}
	}
	return out
}

func (d *SelfReflectionDetector) violationMessage(answer string) string {
	prefix := "User Message"
	if d.direction == types.DirectionOutput {
		prefix = "Bot Response"
	}
	if m := policyAnswer.FindStringSubmatch(answer); m != nil {
		idx, err := strconv.Atoi(m[1])
		if err == nil && idx >= 1 && idx <= len(d.policies) {
			return fmt.Sprintf("%s Policy Violation: %s", prefix, d.policies[idx-1])
		}
	}
	return prefix + " Policy Violation"
}

// ask 调用评审模型，结果按 sha256(backend, model, prompt, text) 缓存。
// 相同文本的并发请求只发起一次模型调用；该调用脱离发起者的 ctx，
// 使用自己的超时，每个调用方仍按自身 ctx 返回。
func (d *SelfReflectionDetector) ask(ctx context.Context, text string) (string, error) {
	key := d.cacheKey(text)
	if d.cache != nil {
		if cached, err := d.cache.Get(ctx, key); err == nil {
			return cached, nil
		}
	}

	ch := d.inflight.DoChan(key, func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()
		return d.callJudge(callCtx, key, text)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (d *SelfReflectionDetector) callJudge(ctx context.Context, key, text string) (string, error) {
	resp, err := d.judge.Completion(ctx, &llm.ChatRequest{
		Model: d.model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: d.prompt},
			{Role: llm.RoleUser, Content: text},
		},
		MaxTokens:   judgeMaxTokens,
		Temperature: llm.Float32(0),
		Stop:        []string{"!"},
	})
	if err != nil {
		return "", d.judgeError(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return "", types.NewDetectorUnavailableError(d.id, errors.New("judge returned no choices"))
	}
	answer := strings.ReplaceAll(resp.FirstContent(), "[", "")

	d.logger.Debug("self-reflection answer",
		zap.String("direction", string(d.direction)),
		zap.String("answer", answer))

	if d.cache != nil {
		if err := d.cache.Set(ctx, key, answer, d.cacheTTL); err != nil {
			d.logger.Warn("failed to cache judge answer", zap.Error(err))
		}
	}
	return answer, nil
}

func (d *SelfReflectionDetector) judgeError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return types.NewTimeoutError(d.id, err)
	}
	if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, resilience.ErrTooManyCallsInHalfOpen) {
		return types.NewDetectorUnavailableError(d.id, err)
	}
	if code := types.GetErrorCode(err); code == types.ErrTimeout {
		return types.NewTimeoutError(d.id, err)
	}
	return types.NewDetectorUnavailableError(d.id, err)
}

func (d *SelfReflectionDetector) cacheKey(text string) string {
	return "judge:" + hex.EncodeToString(pool.SumSHA256(d.backend, d.model, d.prompt, text))
}
