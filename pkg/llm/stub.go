package llm

import (
	"context"
	"fmt"
	"sync"
)

// StubTransport returns scripted responses in order. Used by tests and
// by the engine's own examples; the real transport is injected by the
// embedding application.
type StubTransport struct {
	mu        sync.Mutex
	responses []*Response
	errs      []error
	calls     []StubCall

	// Repeat, when set, replays the last scripted response once the
	// script is exhausted (handy for iteration-cap scenarios).
	Repeat bool
}

// StubCall records one GenerateText invocation.
type StubCall struct {
	Spec     ModelSpec
	Messages []ChatMessage
	Opts     Options
}

// NewStubTransport creates an empty stub; queue responses with Script.
func NewStubTransport() *StubTransport {
	return &StubTransport{}
}

// Script appends a successful response to the script.
func (s *StubTransport) Script(resp *Response) *StubTransport {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, resp)
	s.errs = append(s.errs, nil)
	return s
}

// ScriptError appends a transport failure to the script.
func (s *StubTransport) ScriptError(err error) *StubTransport {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, nil)
	s.errs = append(s.errs, err)
	return s
}

// Calls returns a copy of the recorded invocations.
func (s *StubTransport) Calls() []StubCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StubCall, len(s.calls))
	copy(out, s.calls)
	return out
}

// GenerateText implements Transport.
func (s *StubTransport) GenerateText(_ context.Context, spec ModelSpec, messages []ChatMessage, opts Options) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := len(s.calls)
	s.calls = append(s.calls, StubCall{Spec: spec, Messages: messages, Opts: opts})

	if idx >= len(s.responses) {
		if s.Repeat && len(s.responses) > 0 {
			idx = len(s.responses) - 1
		} else {
			return nil, fmt.Errorf("stub transport: no scripted response for call %d", idx+1)
		}
	}
	if err := s.errs[idx]; err != nil {
		return nil, err
	}

	resp := *s.responses[idx]
	resp.EnsureToolCallIDs()
	return &resp, nil
}
