// Package mocks 提供 llm.Provider 的脚本化模拟实现，
// 供评审检测器、编排器与聊天处理器的测试共用。
package mocks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/guardflow/llm"
)

// CompletionFunc replaces the scripted replies entirely.
type CompletionFunc func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)

// Reply is one scripted answer: assistant content or an error.
type Reply struct {
	Content string
	Err     error
}

// MockProvider answers from a script. Replies are consumed in order and
// the last one repeats, so a single WithResponse answers every call.
type MockProvider struct {
	mu       sync.Mutex
	name     string
	script   []Reply
	fn       CompletionFunc
	delay    time.Duration
	usage    llm.ChatUsage
	requests []*llm.ChatRequest
}

var _ llm.Provider = (*MockProvider)(nil)

// NewMockProvider answers "Mock response" until told otherwise.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		name:   "mock",
		script: []Reply{{Content: "Mock response"}},
		usage:  llm.ChatUsage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
	}
}

func (m *MockProvider) set(fn func()) *MockProvider {
	m.mu.Lock()
	fn()
	m.mu.Unlock()
	return m
}

// WithName sets the provider name reported in responses.
func (m *MockProvider) WithName(name string) *MockProvider {
	return m.set(func() { m.name = name })
}

// WithResponse replaces the script with one content reply.
func (m *MockProvider) WithResponse(content string) *MockProvider {
	return m.set(func() { m.script = []Reply{{Content: content}} })
}

// WithError replaces the script with one failing reply.
func (m *MockProvider) WithError(err error) *MockProvider {
	return m.set(func() { m.script = []Reply{{Err: err}} })
}

// Then appends a reply after the current ones.
func (m *MockProvider) Then(content string) *MockProvider {
	return m.set(func() { m.script = append(m.script, Reply{Content: content}) })
}

// ThenError appends a failing reply.
func (m *MockProvider) ThenError(err error) *MockProvider {
	return m.set(func() { m.script = append(m.script, Reply{Err: err}) })
}

// WithDelay holds every reply for d, or until ctx ends.
func (m *MockProvider) WithDelay(d time.Duration) *MockProvider {
	return m.set(func() { m.delay = d })
}

// WithCompletionFunc bypasses the script.
func (m *MockProvider) WithCompletionFunc(fn CompletionFunc) *MockProvider {
	return m.set(func() { m.fn = fn })
}

func (m *MockProvider) Name() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.name
}

func (m *MockProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true, Latency: time.Millisecond}, nil
}

// Completion records req before answering so CallCount is exact even for
// calls that are still waiting on the delay.
func (m *MockProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	m.mu.Lock()
	n := len(m.requests)
	m.requests = append(m.requests, req)
	reply := m.script[min(n, len(m.script)-1)]
	fn, delay, name, usage := m.fn, m.delay, m.name, m.usage
	m.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if fn != nil {
		return fn(ctx, req)
	}
	if reply.Err != nil {
		return nil, reply.Err
	}
	return &llm.ChatResponse{
		ID:       fmt.Sprintf("mock-%d", n+1),
		Provider: name,
		Model:    req.Model,
		Choices: []llm.ChatChoice{{
			FinishReason: "stop",
			Message:      llm.Message{Role: llm.RoleAssistant, Content: reply.Content},
		}},
		Usage:     usage,
		CreatedAt: time.Now(),
	}, nil
}

// CallCount returns how many Completion calls were made.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Requests returns every request seen, oldest first.
func (m *MockProvider) Requests() []*llm.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*llm.ChatRequest(nil), m.requests...)
}

// LastRequest returns the most recent request, or nil.
func (m *MockProvider) LastRequest() *llm.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return nil
	}
	return m.requests[len(m.requests)-1]
}
