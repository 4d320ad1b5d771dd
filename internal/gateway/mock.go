package gateway

import (
	"context"
	"fmt"
	"sync"

	"marksman/internal/types"
)

// mockStep is one scripted outcome.
type mockStep struct {
	text string
	err  error
}

// MockProvider is the scripted provider behind the "fake" config provider
// and the test suites. Outcomes are queued per kind; the last queued step is
// sticky so repeated calls (one per page, one per unit) keep answering.
// Handlers take precedence over scripts for request-dependent output.
type MockProvider struct {
	mu       sync.Mutex
	scripts  map[Kind][]mockStep
	handlers map[Kind]func(req *Request) (string, error)
	calls    map[Kind]int
	requests []*Request

	// PromptTokens / CompletionTokens are reported on every successful call.
	PromptTokens     int64
	CompletionTokens int64
}

// NewMock builds an empty scripted provider.
func NewMock() *MockProvider {
	return &MockProvider{
		scripts:          make(map[Kind][]mockStep),
		handlers:         make(map[Kind]func(req *Request) (string, error)),
		calls:            make(map[Kind]int),
		PromptTokens:     120,
		CompletionTokens: 40,
	}
}

func (m *MockProvider) Name() string { return "fake" }

// NewFake builds the provider behind the "fake" config setting: canned,
// schema-valid responses for every kind so dry runs complete end to end
// without a remote model. Every answer page lands under one student and
// every scoring point awards zero, so fake results are visibly fake.
func NewFake() *MockProvider {
	m := NewMock()
	m.Handle(KindRubricParse, func(req *Request) (string, error) {
		return `{"total_questions":1,"total_score":10,"confidence":0.95,` +
			`"general_notes":"fake rubric for dry runs",` +
			`"questions":[{"question_id":"Q1","max_score":10,"standard_answer":"",` +
			`"scoring_points":[{"point_id":"1.1","description":"dry-run point","score":10,"is_required":false}]}]}`, nil
	})
	m.Handle(KindPageDescribe, func(req *Request) (string, error) {
		return `{"has_header":true,"student_key":"dry-run-student","confidence":0.95}`, nil
	})
	m.Handle(KindGradeBatch, func(req *Request) (string, error) {
		return `{"feedback":"dry run, nothing graded","confidence":0.5,` +
			`"scoring_point_results":[{"point_id":"1.1","awarded":0,"evidence":"",` +
			`"citation_quality":"missing","confidence":0.5}]}`, nil
	})
	m.Handle(KindConfession, func(req *Request) (string, error) {
		return `{"instructions":[],"compliance":[],"uncertainties":["dry-run output carries no real grading"]}`, nil
	})
	return m
}

// Script queues a canned response text for a kind.
func (m *MockProvider) Script(kind Kind, text string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[kind] = append(m.scripts[kind], mockStep{text: text})
	return m
}

// ScriptErr queues a failure for a kind.
func (m *MockProvider) ScriptErr(kind Kind, err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[kind] = append(m.scripts[kind], mockStep{err: err})
	return m
}

// Handle installs a request-dependent responder for a kind.
func (m *MockProvider) Handle(kind Kind, fn func(req *Request) (string, error)) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[kind] = fn
	return m
}

// CallCount reports how many calls a kind received.
func (m *MockProvider) CallCount(kind Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[kind]
}

// Requests returns the recorded requests in arrival order.
func (m *MockProvider) Requests() []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Request, len(m.requests))
	copy(out, m.requests)
	return out
}

func (m *MockProvider) next(req *Request) (string, error) {
	m.mu.Lock()
	m.calls[req.Kind]++
	m.requests = append(m.requests, req)
	if fn, ok := m.handlers[req.Kind]; ok {
		m.mu.Unlock()
		return fn(req)
	}
	q := m.scripts[req.Kind]
	if len(q) == 0 {
		m.mu.Unlock()
		return "", types.E(types.KindInternal, fmt.Sprintf("mock provider has no script for kind %s", req.Kind))
	}
	step := q[0]
	if len(q) > 1 {
		m.scripts[req.Kind] = q[1:] // sticky last step
	}
	m.mu.Unlock()
	return step.text, step.err
}

// Complete returns the next scripted outcome for the request's kind.
func (m *MockProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.WrapErr(types.KindCancellation, "mock request interrupted", err)
	}
	text, err := m.next(req)
	if err != nil {
		return nil, err
	}
	return &Response{
		Text:             text,
		Model:            "fake-model",
		PromptTokens:     m.PromptTokens,
		CompletionTokens: m.CompletionTokens,
	}, nil
}

// CompleteStream splits the scripted text across two chunks to exercise the
// streaming path.
func (m *MockProvider) CompleteStream(ctx context.Context, req *Request, onChunk func(string)) (*Response, error) {
	resp, err := m.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if onChunk != nil && resp.Text != "" {
		mid := len(resp.Text) / 2
		if mid > 0 {
			onChunk(resp.Text[:mid])
			onChunk(resp.Text[mid:])
		} else {
			onChunk(resp.Text)
		}
	}
	return resp, nil
}
