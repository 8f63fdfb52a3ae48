package shell

import (
	"context"
	"strings"
	"sync"
)

// Response is a canned result for a FakeRunner.
type Response struct {
	Output string
	Err    error
}

// FakeRunner records commands and answers them from a prefix table. It is
// used by tests of the packages that shell out.
type FakeRunner struct {
	mu        sync.Mutex
	responses map[string][]Response
	calls     []string
}

// Ensure interface compliance.
var _ Runner = (*FakeRunner)(nil)

// NewFakeRunner creates an empty FakeRunner. Unknown commands succeed with
// empty output.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{
		responses: make(map[string][]Response, 8),
	}
}

// On queues a response for commands whose rendered line starts with prefix.
// Queued responses are consumed in order; the last one is sticky.
func (f *FakeRunner) On(prefix string, responses ...Response) *FakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.responses[prefix] = append(f.responses[prefix], responses...)

	return f
}

// Calls returns every rendered command line seen so far.
func (f *FakeRunner) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, len(f.calls))
	copy(out, f.calls)

	return out
}

// Called reports whether any command starting with prefix ran.
func (f *FakeRunner) Called(prefix string) bool {
	for _, c := range f.Calls() {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}

	return false
}

func (f *FakeRunner) Run(_ context.Context, cmd *Command) (string, error) {
	line := cmd.String()
	if cmd.Name == "sh" && len(cmd.Args) == 2 && cmd.Args[0] == "-c" {
		line = cmd.Args[1]
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, line)

	best := ""

	for prefix := range f.responses {
		if strings.HasPrefix(line, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}

	queue, ok := f.responses[best]
	if !ok || len(queue) == 0 {
		return "", nil
	}

	resp := queue[0]
	if len(queue) > 1 {
		f.responses[best] = queue[1:]
	}

	if resp.Err != nil {
		return resp.Output, &Error{Command: line, Output: resp.Output, Err: resp.Err}
	}

	return resp.Output, nil
}
