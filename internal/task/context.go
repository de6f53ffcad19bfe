package task

import (
	"fmt"
	"io"

	"taskhive/internal/bus"
	"taskhive/internal/state"
)

// runContext is the per-attempt script.Context implementation. Each attempt
// gets its own copy of the inputs; state access goes through the shared store
// so values survive across attempts and runs.
type runContext struct {
	task    string
	dir     string
	persist bool
	inputs  map[string]any
	attempt int
	total   int

	states *state.Store
	bus    bus.Bus
	out    io.Writer
}

func (c *runContext) Task() string { return c.task }

func (c *runContext) Inputs() map[string]any { return c.inputs }

func (c *runContext) GetState(key string, def any) any {
	return c.states.Get(c.task, key, def)
}

// UpdateState writes the value in memory and, when persist is requested and
// the task is configured for persistent state, flushes state.json.
func (c *runContext) UpdateState(key string, value any, persist bool) error {
	c.states.Update(c.task, key, value)
	if persist && c.persist {
		return c.states.Save(c.task, c.dir)
	}
	return nil
}

// Log writes a progress line into the run's captured output, prefixed with
// the attempt position so retried runs read unambiguously.
func (c *runContext) Log(line string) {
	fmt.Fprintf(c.out, "[attempt %d/%d] %s\n", c.attempt, c.total, line)
}

func (c *runContext) Publish(topic string, payload map[string]any) error {
	if c.bus == nil {
		return bus.ErrNotConnected
	}
	return c.bus.Publish(topic, payload)
}
