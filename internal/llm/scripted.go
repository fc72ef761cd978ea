package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
)

// Func adapts a function to Model.
type Func func(ctx context.Context, req Request) (*Response, error)

// Scripted is a deterministic in-process Model. It replays its script in
// order, then keeps returning the last entry. Every request is recorded.
type Scripted struct {
	info Info
	fn   Func

	mu     sync.Mutex
	script []*Response
	calls  []Request
}

// NewScripted returns a model that replays responses.
func NewScripted(responses ...*Response) *Scripted {
	return &Scripted{info: Info{Provider: "scripted", Name: "scripted"}, script: responses}
}

// NewFunc returns a model backed by fn.
func NewFunc(fn Func) *Scripted {
	return &Scripted{info: Info{Provider: "scripted", Name: "func"}, fn: fn}
}

// Generate implements Model.
func (s *Scripted) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	n := len(s.calls)
	s.calls = append(s.calls, req)
	fn := s.fn
	var resp *Response
	switch {
	case fn != nil:
	case len(s.script) == 0:
		resp = &Response{Text: "ok", StopReason: "end_turn"}
	case n < len(s.script):
		resp = s.script[n]
	default:
		resp = s.script[len(s.script)-1]
	}
	s.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	cp := *resp
	cp.ToolCalls = slices.Clone(resp.ToolCalls)
	for i := range cp.ToolCalls {
		if cp.ToolCalls[i].ID == "" {
			cp.ToolCalls[i].ID = fmt.Sprintf("call_%d_%d", n, i)
		}
	}
	return &cp, nil
}

// Info implements Model.
func (s *Scripted) Info() Info { return s.info }

// Calls returns a copy of every request received so far.
func (s *Scripted) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.calls))
	copy(out, s.calls)
	return out
}

// Call builds a ToolCall with JSON-encoded arguments.
func Call(name string, args any) ToolCall {
	data, err := json.Marshal(args)
	if err != nil {
		panic(fmt.Sprintf("llm: marshal %s args: %v", name, err))
	}
	return ToolCall{Name: name, Arguments: data}
}
