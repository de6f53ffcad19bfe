package task

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"taskhive/internal/bus"
	"taskhive/internal/module"
	"taskhive/internal/pool"
	"taskhive/internal/retry"
	"taskhive/internal/script"
	"taskhive/internal/signals"
	"taskhive/internal/state"
	logx "taskhive/pkg/logx"
)

// fakeBus is an in-memory bus.Bus with synchronous dispatch. Publish applies
// the same hop accounting as the real client.
type fakeBus struct {
	mu             sync.Mutex
	seq            uint64
	subs           map[string]map[bus.SubID]bus.Handler
	subscribeErr   error
	subscribeCalls int
	published      []string // topics, in order
}

func newFakeBus() *fakeBus {
	return &fakeBus{subs: map[string]map[bus.SubID]bus.Handler{}}
}

func (f *fakeBus) Connect() error  { return nil }
func (f *fakeBus) Disconnect()     {}
func (f *fakeBus) State() bus.State { return bus.Connected }

func (f *fakeBus) Publish(topic string, payload map[string]any) error {
	payload[bus.HopsKey] = bus.Hops(payload) + 1
	f.mu.Lock()
	f.published = append(f.published, topic)
	f.mu.Unlock()
	f.inject(topic, payload)
	return nil
}

// inject dispatches without hop accounting, for tests asserting exact hop
// boundaries.
func (f *fakeBus) inject(topic string, payload map[string]any) {
	f.mu.Lock()
	handlers := make([]bus.Handler, 0, len(f.subs[topic]))
	for _, h := range f.subs[topic] {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()

	for _, h := range handlers {
		cp := make(map[string]any, len(payload))
		for k, v := range payload {
			cp[k] = v
		}
		h(topic, cp)
	}
}

func (f *fakeBus) Subscribe(topic string, h bus.Handler) (bus.SubID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeCalls++
	if f.subscribeErr != nil {
		return 0, f.subscribeErr
	}
	f.seq++
	id := bus.SubID(f.seq)
	if f.subs[topic] == nil {
		f.subs[topic] = map[bus.SubID]bus.Handler{}
	}
	f.subs[topic][id] = h
	return id, nil
}

func (f *fakeBus) Unsubscribe(topic string, id bus.SubID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs[topic], id)
	if len(f.subs[topic]) == 0 {
		delete(f.subs, topic)
	}
}

func (f *fakeBus) UnsubscribeAll(topic string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, topic)
}

func (f *fakeBus) handlerCount(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[topic])
}

func (f *fakeBus) subscribes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribeCalls
}

// sigRecorder drains a hub subscription into an inspectable slice.
type sigRecorder struct {
	mu     sync.Mutex
	events []signals.Event
}

func recordSignals(t *testing.T, hub signals.Hub) *sigRecorder {
	t.Helper()
	ch, unsub := hub.Subscribe(512)
	rec := &sigRecorder{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range ch {
			rec.mu.Lock()
			rec.events = append(rec.events, e)
			rec.mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		unsub()
		<-done
	})
	return rec
}

func (r *sigRecorder) statuses(task string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.Type != signals.TaskStatusChanged {
			continue
		}
		if sc, ok := e.Data.(signals.StatusChange); ok && sc.Task == task {
			out = append(out, sc.Status)
		}
	}
	return out
}

func (r *sigRecorder) failures(task string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.Type != signals.TaskFailed {
			continue
		}
		if tr, ok := e.Data.(signals.TaskResult); ok && tr.Task == task {
			out = append(out, tr.Message)
		}
	}
	return out
}

func (r *sigRecorder) successes(task string) []signals.TaskResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []signals.TaskResult
	for _, e := range r.events {
		if e.Type != signals.TaskSucceeded {
			continue
		}
		if tr, ok := e.Data.(signals.TaskResult); ok && tr.Task == task {
			out = append(out, tr)
		}
	}
	return out
}

func (r *sigRecorder) renames() []signals.Rename {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []signals.Rename
	for _, e := range r.events {
		if e.Type == signals.TaskRenamed {
			if rn, ok := e.Data.(signals.Rename); ok {
				out = append(out, rn)
			}
		}
	}
	return out
}

// sleepLog replaces the retry engine's sleep so backoff timing is observable
// without waiting.
type sleepLog struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepLog) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return nil
}

func (s *sleepLog) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.delays))
	copy(out, s.delays)
	return out
}

type harness struct {
	t      *testing.T
	dir    string
	orch   *Orchestrator
	bus    *fakeBus
	reg    *script.Registry
	rec    *sigRecorder
	states *state.Store
	sleeps *sleepLog
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	fb := newFakeBus()
	reg := script.NewRegistry()
	hub := signals.New()
	rec := recordSignals(t, hub)
	sleeps := &sleepLog{}
	states := state.NewStore(logx.Nop())

	modules := module.NewManager(filepath.Join(dir, "modules"), logx.Nop())
	if err := modules.Discover(); err != nil {
		t.Fatalf("discover modules: %v", err)
	}

	p := pool.New(pool.Config{Workers: 4}, logx.Nop(), nil)
	t.Cleanup(func() { p.Shutdown(true) })

	orch := New(Options{
		TasksDir: filepath.Join(dir, "tasks"),
		Modules:  modules,
		Registry: reg,
		Bus:      fb,
		Hub:      hub,
		Pool:     p,
		States:   states,
		Defaults: retry.Policy{MaxAttempts: 1, Strategy: retry.StrategyFixed},
		Logger:   logx.Nop(),
		Sleep:    sleeps.sleep,
	})
	t.Cleanup(orch.Shutdown)

	return &harness{
		t: t, dir: dir, orch: orch, bus: fb, reg: reg,
		rec: rec, states: states, sleeps: sleeps,
	}
}

func (h *harness) tasksDir() string { return filepath.Join(h.dir, "tasks") }

func (h *harness) writeTask(name, entry string, cfg Config) {
	h.t.Helper()
	dir := filepath.Join(h.tasksDir(), name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		h.t.Fatalf("mkdir task %s: %v", name, err)
	}
	cfg.Name = name
	if err := saveConfig(dir, cfg); err != nil {
		h.t.Fatalf("write config for %s: %v", name, err)
	}
	if err := os.WriteFile(filepath.Join(dir, EntryFile), []byte("entry: "+entry+"\n"), 0o644); err != nil {
		h.t.Fatalf("write entry for %s: %v", name, err)
	}
}

func (h *harness) register(name string, fn script.Func) {
	h.t.Helper()
	if err := h.reg.Register(name, fn); err != nil {
		h.t.Fatalf("register %s: %v", name, err)
	}
}

func (h *harness) load() {
	h.t.Helper()
	if err := h.orch.LoadTasks(); err != nil {
		h.t.Fatalf("load tasks: %v", err)
	}
}

func intervalTrigger(seconds int) map[string]any {
	return map[string]any{
		"type":   "interval",
		"config": map[string]any{"seconds": seconds},
	}
}

func cronTrigger(expr string) map[string]any {
	cfg := map[string]any{}
	if expr != "" {
		cfg["cron_expression"] = expr
	}
	return map[string]any{"type": "cron", "config": cfg}
}

func eventTrigger(topic string, maxHops int) map[string]any {
	cfg := map[string]any{"topic": topic}
	if maxHops >= 0 {
		cfg["max_hops"] = maxHops
	}
	return map[string]any{"type": "event", "config": cfg}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// settle asserts cond holds now and keeps holding for a short window.
func settle(t *testing.T, what string, cond func() bool) {
	t.Helper()
	waitFor(t, what, cond)
	time.Sleep(50 * time.Millisecond)
	if !cond() {
		t.Fatalf("%s did not hold", what)
	}
}
