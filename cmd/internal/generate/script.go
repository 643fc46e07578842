package generate

import (
	"context"
	"strings"
	"sync"
	"time"

	"parley/cmd/internal/history"
)

// ScriptRun describes the behavior of one scripted generation.
type ScriptRun struct {
	// Increments are emitted in order, followed by the end marker.
	Increments []string
	// Delay is applied before each increment.
	Delay time.Duration
	// Err, when set, terminates the run before any end marker. Increments
	// already listed are still emitted first.
	Err error
	// Hang, when set, blocks after the listed increments until cancellation.
	Hang bool
}

// ScriptClient replays configured runs. It doubles as the dev backend
// (PARLEY_BACKEND=script) and as the test double for the engine: determinism
// matters more than realism here.
type ScriptClient struct {
	mu   sync.Mutex
	runs []ScriptRun
	next int

	calls int
}

// NewScriptClient constructs a client replaying runs in order. Once runs are
// exhausted, the last run repeats. With no runs at all, each generation
// echoes a canned reply derived from the prompt.
func NewScriptClient(runs ...ScriptRun) *ScriptClient {
	return &ScriptClient{runs: runs}
}

// Calls reports how many generations have been started.
func (c *ScriptClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Generate replays the next scripted run. The run is consumed even when the
// caller was already cancelled, so the scripted sequence stays aligned with
// the sequence of generation starts.
func (c *ScriptClient) Generate(ctx context.Context, model string, prompt []history.Message) (*Stream, error) {
	c.mu.Lock()
	c.calls++
	run := c.pickRunLocked(prompt)
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, classifyCtxErr(err)
	}

	s := NewStream()
	go replay(ctx, run, s)
	return s, nil
}

func (c *ScriptClient) pickRunLocked(prompt []history.Message) ScriptRun {
	if len(c.runs) == 0 {
		return ScriptRun{Increments: echoIncrements(prompt)}
	}
	run := c.runs[c.next]
	if c.next < len(c.runs)-1 {
		c.next++
	}
	return run
}

func replay(ctx context.Context, run ScriptRun, s *Stream) {
	for _, text := range run.Increments {
		if run.Delay > 0 {
			select {
			case <-ctx.Done():
				s.Finish(classifyCtxErr(ctx.Err()))
				return
			case <-time.After(run.Delay):
			}
		}
		if !s.Emit(ctx, Increment{Text: text}) {
			s.Finish(classifyCtxErr(ctx.Err()))
			return
		}
	}

	if run.Hang {
		<-ctx.Done()
		s.Finish(classifyCtxErr(ctx.Err()))
		return
	}

	if run.Err != nil {
		s.Finish(run.Err)
		return
	}

	if !s.Emit(ctx, Increment{Done: true}) {
		s.Finish(classifyCtxErr(ctx.Err()))
		return
	}
	s.Finish(nil)
}

func echoIncrements(prompt []history.Message) []string {
	last := ""
	for i := len(prompt) - 1; i >= 0; i-- {
		if prompt[i].Role == history.RoleUser {
			last = prompt[i].Content
			break
		}
	}
	reply := "You said: " + last
	words := strings.Fields(reply)
	out := make([]string, 0, len(words))
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		out = append(out, w)
	}
	return out
}
