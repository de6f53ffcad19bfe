package task

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"taskhive/internal/script"
)

func noop() script.Func {
	return func(ctx context.Context, tc script.Context) (any, error) {
		return "ok", nil
	}
}

func TestLoadTasksAutostartsEnabled(t *testing.T) {
	h := newHarness(t)
	h.register("work", noop())
	h.writeTask("Active", "work", Config{Enabled: true, Trigger: intervalTrigger(3600)})
	h.writeTask("Dormant", "work", Config{Enabled: false, Trigger: intervalTrigger(3600)})
	h.load()

	if got := h.orch.Status("Active"); got != StatusRunning {
		t.Fatalf("Active status = %q, want %q", got, StatusRunning)
	}
	if !h.orch.Scheduled("Active") {
		t.Fatal("Active has no scheduler registration")
	}
	if got := h.orch.Status("Dormant"); got != StatusStopped {
		t.Fatalf("Dormant status = %q, want %q", got, StatusStopped)
	}
	if h.orch.Scheduled("Dormant") {
		t.Fatal("Dormant should not be scheduled")
	}
}

func TestStatusUnknownTask(t *testing.T) {
	h := newHarness(t)
	h.load()
	if got := h.orch.Status("Ghost"); got != StatusNotFound {
		t.Fatalf("status = %q, want %q", got, StatusNotFound)
	}
}

func TestStartCronWithoutExpressionFails(t *testing.T) {
	h := newHarness(t)
	h.register("work", noop())
	h.writeTask("Broken", "work", Config{Enabled: false, Trigger: cronTrigger("")})
	h.load()

	err := h.orch.StartTask("Broken")
	if err == nil || !strings.Contains(err.Error(), "cron") {
		t.Fatalf("err = %v, want cron expression error", err)
	}
	if got := h.orch.Status("Broken"); got != StatusStopped {
		t.Fatalf("status = %q, want %q", got, StatusStopped)
	}
	if h.orch.Scheduled("Broken") {
		t.Fatal("no job should be registered")
	}

	waitFor(t, "failure signal", func() bool { return len(h.rec.failures("Broken")) == 1 })
	if got := h.rec.statuses("Broken"); len(got) != 0 {
		t.Fatalf("unexpected status signals %v", got)
	}
}

func TestMalformedCronLandsInErrorState(t *testing.T) {
	h := newHarness(t)
	h.register("work", noop())
	h.writeTask("Mangled", "work", Config{Enabled: false, Trigger: cronTrigger("not a cron line at all")})
	h.load()

	err := h.orch.StartTask("Mangled")
	if err == nil || !strings.Contains(err.Error(), "cron") {
		t.Fatalf("err = %v, want cron registration error", err)
	}
	if got := h.orch.Status("Mangled"); got != StatusError {
		t.Fatalf("status = %q, want %q", got, StatusError)
	}
	if h.orch.Scheduled("Mangled") {
		t.Fatal("no job should be registered")
	}
	waitFor(t, "failure signal", func() bool { return len(h.rec.failures("Mangled")) == 1 })

	// Error does not clear itself; an explicit stop does.
	if err := h.orch.StopTask("Mangled"); err != nil {
		t.Fatalf("StopTask: %v", err)
	}
	if got := h.orch.Status("Mangled"); got != StatusStopped {
		t.Fatalf("status after stop = %q, want %q", got, StatusStopped)
	}
}

func TestStartEventTaskListens(t *testing.T) {
	h := newHarness(t)
	h.register("work", noop())
	h.writeTask("Watcher", "work", Config{Enabled: false, Trigger: eventTrigger("alerts", -1)})
	h.load()

	if err := h.orch.StartTask("Watcher"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := h.orch.Status("Watcher"); got != StatusListening {
		t.Fatalf("status = %q, want %q", got, StatusListening)
	}
	if topic, ok := h.orch.Listening("Watcher"); !ok || topic != "alerts" {
		t.Fatalf("listening = %q/%v, want alerts", topic, ok)
	}
	if got := h.bus.handlerCount("alerts"); got != 1 {
		t.Fatalf("handler count = %d, want 1", got)
	}
	waitFor(t, "listening signal", func() bool {
		s := h.rec.statuses("Watcher")
		return len(s) == 1 && s[0] == StatusListening
	})
}

func TestStartEventSubscribeFailure(t *testing.T) {
	h := newHarness(t)
	h.register("work", noop())
	h.writeTask("Watcher", "work", Config{Enabled: false, Trigger: eventTrigger("alerts", -1)})
	h.load()
	h.bus.subscribeErr = errors.New("broker rejected us")

	err := h.orch.StartTask("Watcher")
	if err == nil || !strings.Contains(err.Error(), "broker rejected us") {
		t.Fatalf("err = %v, want subscribe failure", err)
	}
	if got := h.orch.Status("Watcher"); got != StatusStopped {
		t.Fatalf("status = %q, want %q", got, StatusStopped)
	}
	if _, ok := h.orch.Listening("Watcher"); ok {
		t.Fatal("no subscription should be tracked")
	}

	waitFor(t, "failure signal", func() bool {
		f := h.rec.failures("Watcher")
		return len(f) == 1 && strings.Contains(f[0], "broker rejected us")
	})
	if got := h.rec.statuses("Watcher"); len(got) != 0 {
		t.Fatalf("unexpected status signals %v", got)
	}
}

func TestStartListeningTaskIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.register("work", noop())
	h.writeTask("Watcher", "work", Config{Enabled: true, Trigger: eventTrigger("alerts", -1)})
	h.load()

	if got := h.bus.subscribes(); got != 1 {
		t.Fatalf("subscribe calls after load = %d, want 1", got)
	}
	if err := h.orch.StartTask("Watcher"); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if got := h.bus.subscribes(); got != 1 {
		t.Fatalf("subscribe calls after restart = %d, want 1", got)
	}
}

func TestStopTaskReleasesTrigger(t *testing.T) {
	h := newHarness(t)
	h.register("work", noop())
	h.writeTask("Ticker", "work", Config{Enabled: true, Trigger: intervalTrigger(3600)})
	h.writeTask("Watcher", "work", Config{Enabled: true, Trigger: eventTrigger("alerts", -1)})
	h.load()

	if err := h.orch.StopTask("Ticker"); err != nil {
		t.Fatalf("stop ticker: %v", err)
	}
	if h.orch.Scheduled("Ticker") {
		t.Fatal("ticker job still registered")
	}
	if err := h.orch.StopTask("Watcher"); err != nil {
		t.Fatalf("stop watcher: %v", err)
	}
	if got := h.bus.handlerCount("alerts"); got != 0 {
		t.Fatalf("handler count = %d, want 0", got)
	}
	waitFor(t, "stopped signals", func() bool {
		st := h.rec.statuses("Ticker")
		sw := h.rec.statuses("Watcher")
		return len(st) > 0 && st[len(st)-1] == StatusStopped &&
			len(sw) > 0 && sw[len(sw)-1] == StatusStopped
	})
}

func TestPauseSuppressesScheduledFires(t *testing.T) {
	h := newHarness(t)
	var runs atomic.Int64
	h.register("count", func(ctx context.Context, tc script.Context) (any, error) {
		runs.Add(1)
		return nil, nil
	})
	h.writeTask("Ticker", "count", Config{Enabled: true, Trigger: intervalTrigger(3600)})
	h.load()

	h.orch.fireScheduled("Ticker")
	waitFor(t, "first run", func() bool { return runs.Load() == 1 })

	if err := h.orch.PauseTask("Ticker"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	h.orch.fireScheduled("Ticker")
	settle(t, "no run while paused", func() bool { return runs.Load() == 1 })

	if err := h.orch.ResumeTask("Ticker"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	h.orch.fireScheduled("Ticker")
	waitFor(t, "run after resume", func() bool { return runs.Load() == 2 })
}

func TestPauseRequiresRunning(t *testing.T) {
	h := newHarness(t)
	h.register("work", noop())
	h.writeTask("Dormant", "work", Config{Enabled: false, Trigger: intervalTrigger(3600)})
	h.load()

	if err := h.orch.PauseTask("Dormant"); err == nil {
		t.Fatal("pausing a stopped task should fail")
	}
	if err := h.orch.ResumeTask("Dormant"); err == nil {
		t.Fatal("resuming a stopped task should fail")
	}
}

func TestDateTriggerFiresOnceThenStops(t *testing.T) {
	h := newHarness(t)
	var runs atomic.Int64
	h.register("count", func(ctx context.Context, tc script.Context) (any, error) {
		runs.Add(1)
		return nil, nil
	})
	runAt := time.Now().Add(20 * time.Millisecond).Format(time.RFC3339)
	h.writeTask("OneShot", "count", Config{
		Enabled: true,
		Trigger: map[string]any{"type": "date", "config": map[string]any{"run_at": runAt}},
	})
	h.load()

	waitFor(t, "one-shot run", func() bool { return runs.Load() == 1 })
	waitFor(t, "settled stopped", func() bool { return h.orch.Status("OneShot") == StatusStopped })
	settle(t, "exactly one run", func() bool { return runs.Load() == 1 })
}

func TestDeleteTaskRemovesTriggerAndFiles(t *testing.T) {
	h := newHarness(t)
	h.register("work", noop())
	h.writeTask("Watcher", "work", Config{Enabled: true, Trigger: eventTrigger("alerts", -1)})
	h.writeTask("Ticker", "work", Config{Enabled: true, Trigger: intervalTrigger(3600)})
	h.load()

	if err := h.orch.DeleteTask("Watcher"); err != nil {
		t.Fatalf("delete watcher: %v", err)
	}
	if got := h.bus.handlerCount("alerts"); got != 0 {
		t.Fatalf("handler count = %d, want 0", got)
	}
	if _, err := os.Stat(filepath.Join(h.tasksDir(), "Watcher")); !os.IsNotExist(err) {
		t.Fatalf("task directory still present: %v", err)
	}

	if err := h.orch.DeleteTask("Ticker"); err != nil {
		t.Fatalf("delete ticker: %v", err)
	}
	if h.orch.Scheduled("Ticker") {
		t.Fatal("ticker job still registered")
	}
	waitFor(t, "stopped signal for deleted scheduled task", func() bool {
		s := h.rec.statuses("Ticker")
		return len(s) > 0 && s[len(s)-1] == StatusStopped
	})

	if got := h.orch.Status("Watcher"); got != StatusNotFound {
		t.Fatalf("status = %q, want %q", got, StatusNotFound)
	}
}

func TestCreateTaskNameValidation(t *testing.T) {
	h := newHarness(t)
	h.load()

	cases := []struct {
		name string
		want string
	}{
		{"", "cannot be empty"},
		{"  ", "cannot be empty"},
		{"a/b", "path separator"},
		{`a\b`, "path separator"},
		{"..", "outside the tasks directory"},
	}
	for _, tc := range cases {
		err := h.orch.CreateTask(tc.name, "basic")
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("CreateTask(%q) = %v, want %q", tc.name, err, tc.want)
		}
		var ce *ConfigError
		if !errors.As(err, &ce) {
			t.Fatalf("CreateTask(%q) error type = %T, want *ConfigError", tc.name, err)
		}
	}

	entries, err := os.ReadDir(h.tasksDir())
	if err != nil {
		t.Fatalf("read tasks dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("rejected creates left %d entries behind", len(entries))
	}
}

func TestCreateTaskScaffoldsFromModule(t *testing.T) {
	h := newHarness(t)
	h.register("echo", noop())

	moduleDir := filepath.Join(h.dir, "modules", "basic")
	if err := os.MkdirAll(moduleDir, 0o755); err != nil {
		t.Fatalf("mkdir module: %v", err)
	}
	manifest := strings.Join([]string{
		"entry: echo",
		"enabled: true",
		"trigger:",
		"  type: interval",
		"  config:",
		"    seconds: 3600",
	}, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(moduleDir, "manifest.yaml"), []byte(manifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if err := h.orch.modules.Discover(); err != nil {
		t.Fatalf("discover: %v", err)
	}
	h.load()

	if err := h.orch.CreateTask("Fresh", "basic"); err != nil {
		t.Fatalf("create: %v", err)
	}
	taskDir := filepath.Join(h.tasksDir(), "Fresh")
	for _, f := range []string{ConfigFile, EntryFile} {
		if _, err := os.Stat(filepath.Join(taskDir, f)); err != nil {
			t.Fatalf("missing %s: %v", f, err)
		}
	}
	if got := h.orch.Status("Fresh"); got != StatusRunning {
		t.Fatalf("status = %q, want %q (template enables the task)", got, StatusRunning)
	}
	if !h.orch.Scheduled("Fresh") {
		t.Fatal("scheduled registration missing")
	}
}

func TestCreateTaskUnknownModule(t *testing.T) {
	h := newHarness(t)
	h.load()
	if err := h.orch.CreateTask("Fresh", "nope"); err == nil {
		t.Fatal("unknown module type should fail")
	}
	if _, err := os.Stat(filepath.Join(h.tasksDir(), "Fresh")); !os.IsNotExist(err) {
		t.Fatal("failed create left the task directory behind")
	}
}

func TestStopAll(t *testing.T) {
	h := newHarness(t)
	h.register("work", noop())
	h.writeTask("Ticker", "work", Config{Enabled: true, Trigger: intervalTrigger(3600)})
	h.writeTask("Watcher", "work", Config{Enabled: true, Trigger: eventTrigger("alerts", -1)})
	h.load()

	h.orch.StopAll()
	if h.orch.Scheduled("Ticker") {
		t.Fatal("ticker still scheduled")
	}
	if got := h.bus.handlerCount("alerts"); got != 0 {
		t.Fatalf("handler count = %d, want 0", got)
	}
	for _, name := range []string{"Ticker", "Watcher"} {
		if got := h.orch.Status(name); got != StatusStopped {
			t.Fatalf("%s status = %q, want %q", name, got, StatusStopped)
		}
	}
}

func TestLoadTasksRefreshesFromDisk(t *testing.T) {
	h := newHarness(t)
	h.register("work", noop())
	h.writeTask("Ticker", "work", Config{Enabled: true, Trigger: intervalTrigger(30)})
	h.load()
	if !h.orch.Scheduled("Ticker") {
		t.Fatal("ticker not scheduled after first load")
	}

	// Disable on disk, reload: the job must disappear.
	h.writeTask("Ticker", "work", Config{Enabled: false, Trigger: intervalTrigger(30)})
	h.load()
	if h.orch.Scheduled("Ticker") {
		t.Fatal("disabled ticker still scheduled after reload")
	}
	if got := h.orch.Status("Ticker"); got != StatusStopped {
		t.Fatalf("status = %q, want %q", got, StatusStopped)
	}
}

func TestLoadTasksSkipsBrokenConfig(t *testing.T) {
	h := newHarness(t)
	h.register("work", noop())
	h.writeTask("Good", "work", Config{Enabled: false, Trigger: intervalTrigger(30)})

	brokenDir := filepath.Join(h.tasksDir(), "Broken")
	if err := os.MkdirAll(brokenDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(brokenDir, ConfigFile), []byte("a: [unclosed"), 0o644); err != nil {
		t.Fatalf("write broken config: %v", err)
	}

	h.load()
	if got := h.orch.Status("Good"); got != StatusStopped {
		t.Fatalf("Good status = %q", got)
	}
	if got := h.orch.Status("Broken"); got != StatusNotFound {
		t.Fatalf("Broken status = %q, want %q", got, StatusNotFound)
	}
}
