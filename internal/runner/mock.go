package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ScriptedTurn describes one mock model turn.
type ScriptedTurn struct {
	Deltas []string
	Calls  []ToolCall
	// CallDelay simulates tool execution time. The mock does not observe
	// cancellation during the delay, matching the contract that in-flight
	// tool calls run to completion.
	CallDelay time.Duration
	Usage     Usage
	Text      string
	Err       error
}

// MockRunner replays scripted turns for tests and local development. With an
// empty script it echoes the prompt.
type MockRunner struct {
	mu    sync.Mutex
	queue []ScriptedTurn
}

func NewMockRunner() *MockRunner { return &MockRunner{} }

// Enqueue appends turns to the script. Turns are consumed in FIFO order.
func (r *MockRunner) Enqueue(turns ...ScriptedTurn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = append(r.queue, turns...)
}

func (r *MockRunner) next(req Request) ScriptedTurn {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) > 0 {
		turn := r.queue[0]
		r.queue = r.queue[1:]
		return turn
	}
	text := fmt.Sprintf("Echo: %s", strings.TrimSpace(req.Prompt))
	return ScriptedTurn{
		Deltas: []string{text},
		Usage:  Usage{InputTokens: len(req.Prompt) / 4, OutputTokens: len(text) / 4},
	}
}

func (r *MockRunner) Run(ctx context.Context, req Request, sink Sink) (Result, error) {
	turn := r.next(req)

	var out strings.Builder
	for _, d := range turn.Deltas {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		default:
		}
		out.WriteString(d)
		if sink != nil {
			if err := sink.Delta(d); err != nil {
				return Result{}, err
			}
		}
	}

	for _, call := range turn.Calls {
		if turn.CallDelay > 0 {
			time.Sleep(turn.CallDelay)
		}
		if sink != nil {
			if err := sink.ToolCall(call); err != nil {
				return Result{}, err
			}
		}
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		default:
		}
	}

	if sink != nil {
		if err := sink.Usage(turn.Usage); err != nil {
			return Result{}, err
		}
	}
	if turn.Err != nil {
		return Result{}, turn.Err
	}
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	default:
	}

	text := turn.Text
	if text == "" {
		text = out.String()
	}
	return Result{Text: text, Usage: turn.Usage}, nil
}
