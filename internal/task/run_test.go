package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"taskhive/internal/retry"
	"taskhive/internal/script"
)

// flaky returns an executable failing every attempt before succeedOn.
func flaky(succeedOn int, calls *atomic.Int64) script.Func {
	return func(ctx context.Context, tc script.Context) (any, error) {
		n := calls.Add(1)
		if int(n) < succeedOn {
			return nil, fmt.Errorf("transient failure on call %d", n)
		}
		return n, nil
	}
}

func TestRunTaskRetriesUntilSuccess(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int64
	h.register("flaky", flaky(3, &calls))
	h.writeTask("Shaky", "flaky", Config{
		Enabled: false,
		Trigger: intervalTrigger(3600),
		Retry: &RetrySpec{
			MaxAttempts:               3,
			BackoffStrategy:           "exponential",
			BackoffIntervalSeconds:    0.05,
			BackoffMaxIntervalSeconds: 0.2,
			BackoffMultiplier:         2,
		},
	})
	h.load()

	val, err := h.orch.RunTask(context.Background(), "Shaky", nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got, ok := val.(int64); !ok || got != 3 {
		t.Fatalf("value = %v, want 3", val)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}

	want := []time.Duration{50 * time.Millisecond, 100 * time.Millisecond}
	got := h.sleeps.recorded()
	if len(got) != len(want) {
		t.Fatalf("sleeps = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sleep[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	waitFor(t, "success signal", func() bool {
		s := h.rec.successes("Shaky")
		return len(s) == 1 && s[0].Attempts == 3
	})
}

func TestSubmitTaskSurfacesExhaustion(t *testing.T) {
	h := newHarness(t)
	h.register("doomed", func(ctx context.Context, tc script.Context) (any, error) {
		return nil, errors.New("always broken")
	})
	h.writeTask("Doomed", "doomed", Config{
		Enabled: false,
		Trigger: intervalTrigger(3600),
		Retry:   &RetrySpec{MaxAttempts: 2, BackoffStrategy: "fixed", BackoffIntervalSeconds: 0.01},
	})
	h.load()

	fut, err := h.orch.SubmitTask("Doomed", nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	_, err = fut.Result(context.Background())
	if err == nil || !strings.Contains(err.Error(), "failed after 2 attempts") {
		t.Fatalf("err = %v, want exhaustion after 2 attempts", err)
	}
	var ex *retry.ExhaustedError
	if !errors.As(err, &ex) || ex.Attempts != 2 {
		t.Fatalf("err = %#v, want ExhaustedError with 2 attempts", err)
	}

	got := h.sleeps.recorded()
	if len(got) != 1 || got[0] != 10*time.Millisecond {
		t.Fatalf("sleeps = %v, want [10ms]", got)
	}
	waitFor(t, "failure signal", func() bool {
		f := h.rec.failures("Doomed")
		return len(f) == 1 && strings.Contains(f[0], "failed after 2 attempts")
	})
}

func TestRunFailureValueIsRetriedLikeAnError(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int64
	h.register("soft", func(ctx context.Context, tc script.Context) (any, error) {
		if calls.Add(1) == 1 {
			return retry.Failure{Message: "soft failure"}, nil
		}
		return "recovered", nil
	})
	h.writeTask("Soft", "soft", Config{
		Enabled: false,
		Trigger: intervalTrigger(3600),
		Retry:   &RetrySpec{MaxAttempts: 2, BackoffStrategy: "fixed"},
	})
	h.load()

	val, err := h.orch.RunTask(context.Background(), "Soft", nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if val != "recovered" {
		t.Fatalf("value = %v, want recovered", val)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
}

func TestRunMissingEntryIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.writeTask("Orphan", "nothing-registered", Config{
		Enabled: false,
		Trigger: intervalTrigger(3600),
		Retry:   &RetrySpec{MaxAttempts: 3, BackoffIntervalSeconds: 0.01},
	})
	h.load()

	_, err := h.orch.RunTask(context.Background(), "Orphan", nil)
	var nf *script.NotFoundError
	if !errors.As(err, &nf) || nf.Entry != "nothing-registered" {
		t.Fatalf("err = %v, want NotFoundError for nothing-registered", err)
	}
	if got := h.sleeps.recorded(); len(got) != 0 {
		t.Fatalf("sleeps = %v, want none (no attempts ran)", got)
	}
	waitFor(t, "failure signal", func() bool { return len(h.rec.failures("Orphan")) == 1 })
}

func TestRunUnknownTask(t *testing.T) {
	h := newHarness(t)
	h.load()
	if _, err := h.orch.RunTask(context.Background(), "Ghost", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := h.orch.SubmitTask("Ghost", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("submit err = %v, want ErrNotFound", err)
	}
}

func TestRunInputsAreCopiedPerAttempt(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int64
	h.register("mutator", func(ctx context.Context, tc script.Context) (any, error) {
		in := tc.Inputs()
		if _, tainted := in["scratch"]; tainted {
			return nil, errors.New("attempt observed a previous attempt's mutation")
		}
		in["scratch"] = true
		if calls.Add(1) == 1 {
			return nil, errors.New("try again")
		}
		return "clean", nil
	})
	h.writeTask("Mutator", "mutator", Config{
		Enabled: false,
		Trigger: intervalTrigger(3600),
		Retry:   &RetrySpec{MaxAttempts: 2},
	})
	h.load()

	outer := map[string]any{"payload": map[string]any{"k": "v"}}
	val, err := h.orch.RunTask(context.Background(), "Mutator", outer)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if val != "clean" {
		t.Fatalf("value = %v", val)
	}
	if _, tainted := outer["scratch"]; tainted {
		t.Fatal("caller's input map was mutated")
	}
}

func TestStatePersistsAcrossAttemptsAndRuns(t *testing.T) {
	h := newHarness(t)
	h.register("counter", func(ctx context.Context, tc script.Context) (any, error) {
		n, _ := tc.GetState("count", float64(0)).(float64)
		n++
		if err := tc.UpdateState("count", n, true); err != nil {
			return nil, err
		}
		return n, nil
	})
	h.writeTask("Counter", "counter", Config{
		Enabled:      false,
		PersistState: true,
		Trigger:      intervalTrigger(3600),
	})
	h.load()

	for want := float64(1); want <= 3; want++ {
		val, err := h.orch.RunTask(context.Background(), "Counter", nil)
		if err != nil {
			t.Fatalf("run %v: %v", want, err)
		}
		if val != want {
			t.Fatalf("value = %v, want %v", val, want)
		}
	}

	raw, err := os.ReadFile(filepath.Join(h.tasksDir(), "Counter", "state.json"))
	if err != nil {
		t.Fatalf("read state.json: %v", err)
	}
	var onDisk map[string]any
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		t.Fatalf("decode state.json: %v", err)
	}
	if onDisk["count"] != float64(3) {
		t.Fatalf("persisted count = %v, want 3", onDisk["count"])
	}
}

func TestUpdateStateWithoutPersistFlagStaysInMemory(t *testing.T) {
	h := newHarness(t)
	h.register("volatile", func(ctx context.Context, tc script.Context) (any, error) {
		return nil, tc.UpdateState("mark", "set", false)
	})
	h.writeTask("Volatile", "volatile", Config{
		Enabled:      false,
		PersistState: true,
		Trigger:      intervalTrigger(3600),
	})
	h.load()

	if _, err := h.orch.RunTask(context.Background(), "Volatile", nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := h.states.Get("Volatile", "mark", nil); got != "set" {
		t.Fatalf("in-memory state = %v, want set", got)
	}
	if _, err := os.Stat(filepath.Join(h.tasksDir(), "Volatile", "state.json")); !os.IsNotExist(err) {
		t.Fatalf("state.json should not exist: %v", err)
	}
}

func TestEffectivePolicyLayering(t *testing.T) {
	t.Parallel()
	global := retry.Policy{MaxAttempts: 4, Strategy: retry.StrategyFixed, Interval: time.Second}

	// No per-task block: daemon defaults apply.
	p := effectivePolicy(nil, global)
	if p.MaxAttempts != 4 || p.Interval != time.Second {
		t.Fatalf("defaults not applied: %+v", p)
	}

	// Partial block: unset fields fall through.
	p = effectivePolicy(&RetrySpec{MaxAttempts: 2}, global)
	if p.MaxAttempts != 2 || p.Interval != time.Second {
		t.Fatalf("partial overlay wrong: %+v", p)
	}

	// Full block wins everywhere.
	p = effectivePolicy(&RetrySpec{
		MaxAttempts:            7,
		BackoffStrategy:        "exponential",
		BackoffIntervalSeconds: 2,
		BackoffMultiplier:      3,
	}, global)
	if p.MaxAttempts != 7 || p.Strategy != retry.StrategyExponential ||
		p.Interval != 2*time.Second || p.Multiplier != 3 {
		t.Fatalf("full overlay wrong: %+v", p)
	}

	// Nothing configured anywhere: single attempt, no delay.
	p = effectivePolicy(nil, retry.Policy{})
	if p.MaxAttempts != 1 || p.Interval != 0 {
		t.Fatalf("fallback wrong: %+v", p)
	}
}
