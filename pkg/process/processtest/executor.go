// Package processtest provides Executor doubles for tests
package processtest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/core-tools/hsu-provision/pkg/process"
)

// MockExecutor implements process.Executor with full mock capabilities
type MockExecutor struct {
	mock.Mock
}

func (m *MockExecutor) Run(ctx context.Context, cmd process.Command, silent bool) int {
	args := m.Called(cmd.String(), silent)
	return args.Int(0)
}

func (m *MockExecutor) RunWithTimeout(ctx context.Context, cmd process.Command, timeout time.Duration, silent bool) int {
	args := m.Called(cmd.String(), timeout, silent)
	return args.Int(0)
}

func (m *MockExecutor) Output(ctx context.Context, cmd process.Command) string {
	args := m.Called(cmd.String())
	return args.String(0)
}

// Call records one command issued to a FakeExecutor
type Call struct {
	Line    string
	Timeout time.Duration
	Silent  bool
	Output  bool
}

// FakeExecutor answers by command-line substring and records every call.
// Rules are matched in insertion order; unmatched commands succeed with status 0
// and empty output.
type FakeExecutor struct {
	mu      sync.Mutex
	calls   []Call
	rules   []rule
	outputs []outputRule
}

type rule struct {
	contains string
	statuses []int
}

type outputRule struct {
	contains string
	output   string
}

func NewFakeExecutor() *FakeExecutor {
	return &FakeExecutor{}
}

// OnStatus makes commands containing substr return statuses in order.
// The last status repeats once the list is exhausted.
func (f *FakeExecutor) OnStatus(substr string, statuses ...int) *FakeExecutor {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, rule{contains: substr, statuses: statuses})
	return f
}

// OnOutput makes Output for commands containing substr return output
func (f *FakeExecutor) OnOutput(substr, output string) *FakeExecutor {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputs = append(f.outputs, outputRule{contains: substr, output: output})
	return f
}

func (f *FakeExecutor) status(line string) int {
	for i := range f.rules {
		r := &f.rules[i]
		if !strings.Contains(line, r.contains) || len(r.statuses) == 0 {
			continue
		}
		status := r.statuses[0]
		if len(r.statuses) > 1 {
			r.statuses = r.statuses[1:]
		}
		return status
	}
	return 0
}

func (f *FakeExecutor) Run(ctx context.Context, cmd process.Command, silent bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	line := cmd.String()
	f.calls = append(f.calls, Call{Line: line, Silent: silent})
	return f.status(line)
}

func (f *FakeExecutor) RunWithTimeout(ctx context.Context, cmd process.Command, timeout time.Duration, silent bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	line := cmd.String()
	f.calls = append(f.calls, Call{Line: line, Timeout: timeout, Silent: silent})
	return f.status(line)
}

func (f *FakeExecutor) Output(ctx context.Context, cmd process.Command) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	line := cmd.String()
	f.calls = append(f.calls, Call{Line: line, Output: true})
	for _, o := range f.outputs {
		if strings.Contains(line, o.contains) {
			return o.output
		}
	}
	return ""
}

// Calls returns a snapshot of the recorded calls
func (f *FakeExecutor) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// Lines returns the recorded command lines
func (f *FakeExecutor) Lines() []string {
	calls := f.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Line
	}
	return out
}

// Count returns how many recorded command lines contain substr
func (f *FakeExecutor) Count(substr string) int {
	n := 0
	for _, line := range f.Lines() {
		if strings.Contains(line, substr) {
			n++
		}
	}
	return n
}

// Find returns the first recorded call whose line contains substr
func (f *FakeExecutor) Find(substr string) (Call, bool) {
	for _, c := range f.Calls() {
		if strings.Contains(c.Line, substr) {
			return c, true
		}
	}
	return Call{}, false
}
