package script

import (
	"context"
	"fmt"
)

// RegisterBuiltins installs the executables that ship with the daemon.
func RegisterBuiltins(reg *Registry) error {
	builtins := map[string]Executable{
		"echo":    Func(runEcho),
		"counter": Func(runCounter),
		"relay":   Func(runRelay),
	}
	for name, exe := range builtins {
		if err := reg.Register(name, exe); err != nil {
			return err
		}
	}
	return nil
}

// runEcho logs and returns its "message" input.
func runEcho(_ context.Context, tc Context) (any, error) {
	msg, _ := tc.Inputs()["message"].(string)
	if msg == "" {
		msg = "(empty)"
	}
	tc.Log("echo: " + msg)
	return msg, nil
}

// runCounter bumps a persisted counter by the "step" input (default 1).
func runCounter(_ context.Context, tc Context) (any, error) {
	step := 1.0
	if v, ok := tc.Inputs()["step"].(float64); ok {
		step = v
	}
	count, _ := tc.GetState("count", 0.0).(float64)
	count += step
	if err := tc.UpdateState("count", count, true); err != nil {
		return nil, err
	}
	tc.Log(fmt.Sprintf("count is now %g", count))
	return count, nil
}

// runRelay republishes its inputs to the topic named by the "forward_to"
// input. The hop counter in the payload keeps relay loops bounded.
func runRelay(_ context.Context, tc Context) (any, error) {
	topic, _ := tc.Inputs()["forward_to"].(string)
	if topic == "" {
		return nil, fmt.Errorf("missing required input 'forward_to'")
	}
	if err := tc.Publish(topic, tc.Inputs()); err != nil {
		return nil, err
	}
	return "forwarded to " + topic, nil
}
