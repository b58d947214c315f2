package run

import (
	"context"
	"sync"
)

// Response scripts the outcome of one recorded invocation. Matching is by
// command name; the zero Response means success with empty output.
type Response struct {
	Output []byte
	Err    error
	// Effect runs before the response is returned, so tests can simulate
	// side effects a real tool would have (creating a file, etc.).
	Effect func(c Cmd) error
}

// Recorder is a Runner for tests. It records every invocation and answers
// from a per-command script, defaulting to success.
type Recorder struct {
	mu        sync.Mutex
	Calls     []Cmd
	Responses map[string][]Response // keyed by Cmd.Name, consumed in order
}

func NewRecorder() *Recorder {
	return &Recorder{Responses: make(map[string][]Response)}
}

// Respond appends a scripted response for the named command.
func (r *Recorder) Respond(name string, resp Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Responses[name] = append(r.Responses[name], resp)
}

func (r *Recorder) Run(ctx context.Context, c Cmd) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.Calls = append(r.Calls, c)
	var resp Response
	if queue := r.Responses[c.Name]; len(queue) > 0 {
		resp = queue[0]
		r.Responses[c.Name] = queue[1:]
	}
	r.mu.Unlock()

	if resp.Effect != nil {
		if err := resp.Effect(c); err != nil {
			return nil, err
		}
	}
	if resp.Err != nil {
		return resp.Output, &ToolError{Cmd: c, Output: resp.Output, Err: resp.Err}
	}
	return resp.Output, nil
}

// CommandNames returns the names of all recorded invocations in order.
func (r *Recorder) CommandNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.Calls))
	for i, c := range r.Calls {
		names[i] = c.Name
	}
	return names
}
