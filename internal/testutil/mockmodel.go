package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/kompose-ai/kompose/internal/chat"
	"github.com/kompose-ai/kompose/internal/model"
)

// MockStep scripts one model call. Deltas stream first, then Err or
// Response settles the call, so a step with both Deltas and Err models a
// provider dying mid-stream.
type MockStep struct {
	Deltas   []model.Delta
	Response *model.Response
	Err      error

	// OnGenerate runs before the step produces output. Used to trigger
	// side effects mid-turn, such as cancelling a context.
	OnGenerate func(req *model.Request)

	// AfterDeltas runs after every delta has streamed and before the
	// call settles. Blocking here holds the call open mid-stream.
	AfterDeltas func(req *model.Request)
}

// MockModel is a scripted model.Client. Steps are consumed in order, one
// per Generate call, which lets tests drive multi-step tool loops
// deterministically.
//
// Thread-safe for concurrent use.
type MockModel struct {
	mu    sync.Mutex
	steps []MockStep
	calls []*model.Request
}

// NewMockModel returns a MockModel with the given script.
func NewMockModel(steps ...MockStep) *MockModel {
	return &MockModel{steps: steps}
}

// Enqueue appends steps to the script.
func (m *MockModel) Enqueue(steps ...MockStep) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, steps...)
}

// Calls returns a copy of the recorded requests.
func (m *MockModel) Calls() []*model.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]*model.Request, len(m.calls))
	copy(cp, m.calls)
	return cp
}

// Generate consumes the next scripted step.
func (m *MockModel) Generate(ctx context.Context, req *model.Request, onDelta func(model.Delta) error) (*model.Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	if len(m.steps) == 0 {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: mock model script exhausted after %d calls", chat.ErrProvider, len(m.calls))
	}
	step := m.steps[0]
	m.steps = m.steps[1:]
	m.mu.Unlock()

	if step.OnGenerate != nil {
		step.OnGenerate(req)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if onDelta != nil {
		for _, d := range step.Deltas {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := onDelta(d); err != nil {
				return nil, err
			}
		}
	}

	if step.AfterDeltas != nil {
		step.AfterDeltas(req)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if step.Err != nil {
		return nil, step.Err
	}

	resp := step.Response
	if resp == nil {
		resp = &model.Response{}
		for _, d := range step.Deltas {
			if !d.Reasoning {
				resp.Text += d.Text
			}
		}
	}
	return resp, nil
}
