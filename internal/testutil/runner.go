// Package testutil provides fakes shared by package tests.
package testutil

import (
	"context"
	"strings"
	"sync"

	"github.com/edvin/stackboot/internal/hostexec"
)

// Response is the scripted result of a fake command.
type Response struct {
	Output   string
	ExitCode int
	Err      error
}

type rule struct {
	prefix string
	fn     func(line string) Response
}

// FakeRunner implements hostexec.Runner with scripted responses matched by
// command-line prefix. Later rules win over earlier ones. Unmatched commands
// succeed with no output. Every call is recorded.
type FakeRunner struct {
	mu    sync.Mutex
	rules []rule
	calls []string
}

// NewFakeRunner creates an empty FakeRunner.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{}
}

// On scripts a fixed response for commands starting with prefix.
func (f *FakeRunner) On(prefix string, resp Response) *FakeRunner {
	return f.OnFunc(prefix, func(string) Response { return resp })
}

// OnFunc scripts a computed response for commands starting with prefix.
// fn may mutate test state to model side effects.
func (f *FakeRunner) OnFunc(prefix string, fn func(line string) Response) *FakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, rule{prefix: prefix, fn: fn})
	return f
}

func (f *FakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	line := strings.Join(append([]string{name}, args...), " ")

	f.mu.Lock()
	f.calls = append(f.calls, line)
	var fn func(string) Response
	for i := len(f.rules) - 1; i >= 0; i-- {
		if strings.HasPrefix(line, f.rules[i].prefix) {
			fn = f.rules[i].fn
			break
		}
	}
	f.mu.Unlock()

	if fn == nil {
		return nil, nil
	}
	resp := fn(line)
	if resp.Err != nil {
		return []byte(resp.Output), resp.Err
	}
	if resp.ExitCode != 0 {
		return []byte(resp.Output), &hostexec.ExitError{Cmd: line, Code: resp.ExitCode, Output: resp.Output}
	}
	return []byte(resp.Output), nil
}

// Calls returns every recorded command line in order.
func (f *FakeRunner) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Count returns how many recorded commands start with prefix.
func (f *FakeRunner) Count(prefix string) int {
	n := 0
	for _, c := range f.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// Index returns the position of the first recorded command starting with
// prefix, or -1.
func (f *FakeRunner) Index(prefix string) int {
	for i, c := range f.Calls() {
		if strings.HasPrefix(c, prefix) {
			return i
		}
	}
	return -1
}
