package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"taskhive/internal/bus"
	"taskhive/internal/history"
	"taskhive/internal/module"
	"taskhive/internal/pool"
	"taskhive/internal/retry"
	"taskhive/internal/script"
	"taskhive/internal/signals"
	"taskhive/internal/state"
	"taskhive/internal/trigger"
	logx "taskhive/pkg/logx"
)

// Options wires the orchestrator's collaborators. Bus and History may be nil
// when those subsystems are disabled.
type Options struct {
	TasksDir string
	Modules  *module.Manager
	Registry *script.Registry
	Bus      bus.Bus
	Hub      signals.Hub
	Pool     *pool.Pool
	States   *state.Store
	History  history.Store
	Defaults retry.Policy
	Location *time.Location
	Logger   logx.Logger

	// Sink receives output lines for runs executed outside the pool.
	Sink pool.OutputSink
	// Sleep overrides the inter-attempt delay. Test hook.
	Sleep func(ctx context.Context, d time.Duration) error
}

type eventSub struct {
	topic string
	id    bus.SubID
}

// Orchestrator owns the task registry and drives every task lifecycle
// transition. All registry mutation is serialized on mu; run bodies execute
// on the pool against immutable config snapshots.
type Orchestrator struct {
	log      logx.Logger
	hub      signals.Hub
	bus      bus.Bus
	pool     *pool.Pool
	states   *state.Store
	loader   *script.Loader
	modules  *module.Manager
	history  history.Store
	tasksDir string
	defaults retry.Policy
	sink     pool.OutputSink
	sleep    func(ctx context.Context, d time.Duration) error

	cron *cron.Cron

	mu     sync.Mutex
	tasks  map[string]*Definition
	jobs   map[string]cron.EntryID
	timers map[string]*time.Timer
	subs   map[string]eventSub
}

func New(opts Options) *Orchestrator {
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

	o := &Orchestrator{
		log:      log,
		hub:      opts.Hub,
		bus:      opts.Bus,
		pool:     opts.Pool,
		states:   opts.States,
		loader:   script.NewLoader(opts.Registry, log),
		modules:  opts.Modules,
		history:  opts.History,
		tasksDir: opts.TasksDir,
		defaults: opts.Defaults,
		sink:     opts.Sink,
		sleep:    opts.Sleep,
		cron:     cron.New(cron.WithParser(parser), cron.WithLocation(loc)),
		tasks:    map[string]*Definition{},
		jobs:     map[string]cron.EntryID{},
		timers:   map[string]*time.Timer{},
		subs:     map[string]eventSub{},
	}
	if o.hub == nil {
		o.hub = signals.New()
	}
	o.cron.Start()
	return o
}

// Shutdown releases every trigger and stops the scheduler. Queued and running
// jobs are the pool's responsibility.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	dirs := make(map[string]string, len(o.tasks))
	for _, def := range o.tasks {
		o.teardownLocked(def)
		if def.Config.PersistState {
			dirs[def.Name] = def.Dir
		}
	}
	o.mu.Unlock()
	<-o.cron.Stop().Done()

	if err := o.states.SaveAll(func(task string) (string, bool) {
		dir, ok := dirs[task]
		return dir, ok
	}); err != nil {
		o.log.Error("flushing task state on shutdown", logx.Err(err))
	}
}

// LoadTasks re-reads every task directory from disk, replacing the current
// registry. Triggers of previously registered tasks are released first, then
// every enabled task is started.
func (o *Orchestrator) LoadTasks() error {
	o.mu.Lock()
	for _, def := range o.tasks {
		o.teardownLocked(def)
		o.setStatusLocked(def, StatusStopped)
	}
	o.tasks = map[string]*Definition{}

	if err := os.MkdirAll(o.tasksDir, 0o755); err != nil {
		o.mu.Unlock()
		return fmt.Errorf("create tasks directory: %w", err)
	}
	entries, err := os.ReadDir(o.tasksDir)
	if err != nil {
		o.mu.Unlock()
		return fmt.Errorf("scan tasks directory: %w", err)
	}

	var autostart []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		dir := filepath.Join(o.tasksDir, name)
		cfg, err := loadConfig(dir)
		if err != nil {
			o.log.Warn("skipping task with unreadable config",
				logx.String("task", name), logx.Err(err))
			continue
		}
		// The directory name is the task's identity; the config field may
		// lag behind a rename done outside the daemon.
		cfg.Name = name
		o.tasks[name] = &Definition{Name: name, Dir: dir, Config: cfg, Status: StatusStopped}
		o.states.Load(name, dir)
		if cfg.Enabled {
			autostart = append(autostart, name)
		}
	}
	total := len(o.tasks)
	o.mu.Unlock()

	sort.Strings(autostart)
	for _, name := range autostart {
		if err := o.StartTask(name); err != nil {
			o.log.Warn("autostart failed", logx.String("task", name), logx.Err(err))
		}
	}

	o.hub.Publish(signals.Event{Type: signals.TasksUpdated})
	o.log.Info("tasks loaded",
		logx.Int("count", total), logx.Int("enabled", len(autostart)))
	return nil
}

// StartTask registers the task's trigger: a scheduler job for cron, interval
// and date triggers, a bus subscription for event triggers. Starting an
// already-listening event task on the same topic is a no-op.
func (o *Orchestrator) StartTask(name string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.startLocked(name)
}

func (o *Orchestrator) startLocked(name string) error {
	def, ok := o.tasks[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	typ, params, err := trigger.Resolve(def.Config.Trigger)
	if err != nil {
		return o.startFailedLocked(def, err)
	}

	switch {
	case trigger.IsScheduled(typ):
		if err := o.scheduleLocked(def, typ, params); err != nil {
			if errors.Is(err, errScheduleRegistration) {
				// The scheduler itself refused the job; unlike a config-stage
				// failure the task lands in error and needs an explicit
				// stop/start to leave it.
				o.log.Warn("task start failed", logx.String("task", def.Name), logx.Err(err))
				o.failSignal(def.Name, err.Error())
				o.setStatusLocked(def, StatusError)
				return err
			}
			return o.startFailedLocked(def, err)
		}
		o.setStatusLocked(def, StatusRunning)
		return nil

	case typ == trigger.TypeEvent:
		return o.listenLocked(def, params)

	default:
		return o.startFailedLocked(def, configErrorf("task %q has no usable trigger", name))
	}
}

// errScheduleRegistration marks failures raised by the scheduler when
// registering a job, as opposed to config-stage trigger errors.
var errScheduleRegistration = errors.New("schedule registration failed")

// startFailedLocked records a failed start: the failure signal carries the
// cause, and the task settles as stopped without registering anything.
func (o *Orchestrator) startFailedLocked(def *Definition, err error) error {
	o.log.Warn("task start failed", logx.String("task", def.Name), logx.Err(err))
	o.failSignal(def.Name, err.Error())
	def.Status = StatusStopped
	return err
}

func (o *Orchestrator) scheduleLocked(def *Definition, typ trigger.Type, params map[string]any) error {
	o.unscheduleLocked(def.Name)

	name := def.Name
	fire := func() { o.fireScheduled(name) }

	switch typ {
	case trigger.TypeCron:
		p, err := trigger.Cron(params)
		if err != nil {
			return err
		}
		spec := p.Expression
		if p.Timezone != "" {
			spec = "CRON_TZ=" + p.Timezone + " " + spec
		}
		id, err := o.cron.AddFunc(spec, fire)
		if err != nil {
			return fmt.Errorf("%w: cron trigger: %v", errScheduleRegistration, err)
		}
		o.jobs[name] = id

	case trigger.TypeInterval:
		p, err := trigger.Interval(params)
		if err != nil {
			return err
		}
		o.jobs[name] = o.cron.Schedule(cron.Every(p.Duration()), cron.FuncJob(fire))

	case trigger.TypeDate:
		p, err := trigger.Date(params)
		if err != nil {
			return err
		}
		delay := time.Until(p.RunAt)
		if delay < 0 {
			delay = 0
		}
		o.timers[name] = time.AfterFunc(delay, func() { o.fireDate(name) })
	}
	return nil
}

func (o *Orchestrator) unscheduleLocked(name string) {
	if id, ok := o.jobs[name]; ok {
		o.cron.Remove(id)
		delete(o.jobs, name)
	}
	if t, ok := o.timers[name]; ok {
		t.Stop()
		delete(o.timers, name)
	}
}

func (o *Orchestrator) listenLocked(def *Definition, params map[string]any) error {
	p, err := trigger.Event(params)
	if err != nil {
		return o.startFailedLocked(def, err)
	}

	if cur, ok := o.subs[def.Name]; ok {
		if cur.topic == p.Topic && def.Status == StatusListening {
			return nil
		}
		o.bus.Unsubscribe(cur.topic, cur.id)
		delete(o.subs, def.Name)
	}

	if o.bus == nil {
		return o.startFailedLocked(def, configErrorf("task %q has an event trigger but the message bus is disabled", def.Name))
	}

	name := def.Name
	id, err := o.bus.Subscribe(p.Topic, func(topic string, payload map[string]any) {
		o.deliver(name, topic, payload)
	})
	if err != nil {
		return o.startFailedLocked(def, fmt.Errorf("subscribe to %q: %w", p.Topic, err))
	}
	o.subs[name] = eventSub{topic: p.Topic, id: id}
	o.setStatusLocked(def, StatusListening)
	return nil
}

// StopTask releases the task's trigger and marks it stopped.
func (o *Orchestrator) StopTask(name string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	def, ok := o.tasks[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	o.teardownLocked(def)
	o.setStatusLocked(def, StatusStopped)
	return nil
}

func (o *Orchestrator) teardownLocked(def *Definition) {
	o.unscheduleLocked(def.Name)
	if sub, ok := o.subs[def.Name]; ok {
		if o.bus != nil {
			o.bus.Unsubscribe(sub.topic, sub.id)
		}
		delete(o.subs, def.Name)
	}
}

// StartAll starts every enabled task. Tasks already listening on their topic
// are left untouched.
func (o *Orchestrator) StartAll() {
	for _, name := range o.Names() {
		o.mu.Lock()
		def, ok := o.tasks[name]
		enabled := ok && def.Config.Enabled
		o.mu.Unlock()
		if !enabled {
			continue
		}
		if err := o.StartTask(name); err != nil {
			o.log.Warn("start failed", logx.String("task", name), logx.Err(err))
		}
	}
}

// StopAll releases every task's trigger.
func (o *Orchestrator) StopAll() {
	for _, name := range o.Names() {
		_ = o.StopTask(name)
	}
}

// PauseTask keeps the schedule registered but suppresses fires until resumed.
func (o *Orchestrator) PauseTask(name string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	def, ok := o.tasks[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if def.Status != StatusRunning {
		return fmt.Errorf("task %q is not running", name)
	}
	o.setStatusLocked(def, StatusPaused)
	return nil
}

func (o *Orchestrator) ResumeTask(name string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	def, ok := o.tasks[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if def.Status != StatusPaused {
		return fmt.Errorf("task %q is not paused", name)
	}
	o.setStatusLocked(def, StatusRunning)
	return nil
}

// CreateTask scaffolds a new task directory from the named module template
// and registers it, starting it when the template enables it.
func (o *Orchestrator) CreateTask(name, moduleType string) error {
	if err := o.validateName(name); err != nil {
		o.log.Warn("task create rejected", logx.String("task", name), logx.Err(err))
		return err
	}

	o.mu.Lock()
	if _, dup := o.tasks[name]; dup {
		o.mu.Unlock()
		return configErrorf("task %q already exists", name)
	}
	dir := filepath.Join(o.tasksDir, name)
	if _, err := os.Stat(dir); err == nil {
		o.mu.Unlock()
		return configErrorf("task directory %q already exists", name)
	}

	if err := o.modules.Scaffold(moduleType, dir, name); err != nil {
		os.RemoveAll(dir)
		o.mu.Unlock()
		return err
	}
	cfg, err := loadConfig(dir)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	cfg.Name = name
	o.tasks[name] = &Definition{Name: name, Dir: dir, Config: cfg, Status: StatusStopped}
	o.states.Load(name, dir)
	enabled := cfg.Enabled
	o.mu.Unlock()

	o.hub.Publish(signals.Event{Type: signals.TasksUpdated})
	if enabled {
		return o.StartTask(name)
	}
	return nil
}

// DeleteTask releases the task's trigger before touching the filesystem, so
// no fire can race the directory removal.
func (o *Orchestrator) DeleteTask(name string) error {
	o.mu.Lock()
	def, ok := o.tasks[name]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	o.teardownLocked(def)
	o.setStatusLocked(def, StatusStopped)
	delete(o.tasks, name)
	dir := def.Dir
	o.mu.Unlock()

	o.states.Remove(name)
	o.loader.Invalidate(dir)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove task directory: %w", err)
	}
	o.hub.Publish(signals.Event{Type: signals.TasksUpdated})
	return nil
}

// RenameTask moves the task directory and every piece of bookkeeping keyed by
// the old name, then re-registers active triggers under the new identity.
func (o *Orchestrator) RenameTask(oldName, newName string) error {
	if err := o.validateName(newName); err != nil {
		return err
	}

	o.mu.Lock()
	def, ok := o.tasks[oldName]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNotFound, oldName)
	}
	if _, dup := o.tasks[newName]; dup {
		o.mu.Unlock()
		return configErrorf("task %q already exists", newName)
	}
	newDir := filepath.Join(o.tasksDir, newName)
	if _, err := os.Stat(newDir); err == nil {
		o.mu.Unlock()
		return configErrorf("task directory %q already exists", newName)
	}

	prevStatus := def.Status
	o.teardownLocked(def)

	oldDir := def.Dir
	if err := os.Rename(oldDir, newDir); err != nil {
		// Put the old identity back into service.
		if prevStatus == StatusRunning || prevStatus == StatusListening {
			_ = o.startLocked(oldName)
		}
		o.mu.Unlock()
		return fmt.Errorf("move task directory: %w", err)
	}

	o.loader.Invalidate(oldDir)
	o.states.Rename(oldName, newName)
	delete(o.tasks, oldName)
	def.Name = newName
	def.Dir = newDir
	def.Config.Name = newName
	o.tasks[newName] = def
	if err := saveConfig(newDir, def.Config); err != nil {
		o.log.Error("failed writing renamed task config",
			logx.String("task", newName), logx.Err(err))
	}
	o.mu.Unlock()

	o.hub.Publish(signals.Event{
		Type: signals.TaskRenamed,
		Data: signals.Rename{Old: oldName, New: newName},
	})

	switch prevStatus {
	case StatusRunning, StatusListening:
		return o.StartTask(newName)
	case StatusPaused:
		if err := o.StartTask(newName); err != nil {
			return err
		}
		return o.PauseTask(newName)
	}
	return nil
}

// SaveTaskConfig persists a task's configuration and reconciles its trigger:
// a changed name renames first, a changed trigger or enabled flag re-registers,
// an untouched trigger keeps its registration. Returns the task's final name.
func (o *Orchestrator) SaveTaskConfig(name string, cfg Config) (string, error) {
	o.mu.Lock()
	def, ok := o.tasks[name]
	if !ok {
		o.mu.Unlock()
		return name, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	oldCfg := def.Config.clone()
	o.mu.Unlock()

	final := name
	if cfg.Name != "" && cfg.Name != name {
		if err := o.RenameTask(name, cfg.Name); err != nil {
			return name, err
		}
		final = cfg.Name
	}
	cfg.Name = final

	o.mu.Lock()
	def, ok = o.tasks[final]
	if !ok {
		o.mu.Unlock()
		return final, fmt.Errorf("%w: %q", ErrNotFound, final)
	}
	def.Config = cfg.clone()
	if err := saveConfig(def.Dir, def.Config); err != nil {
		o.mu.Unlock()
		return final, err
	}

	restart := cfg.Enabled != oldCfg.Enabled || triggerChanged(oldCfg.Trigger, cfg.Trigger)
	if !restart {
		o.mu.Unlock()
		o.hub.Publish(signals.Event{Type: signals.TasksUpdated})
		return final, nil
	}

	o.teardownLocked(def)
	if !cfg.Enabled {
		o.setStatusLocked(def, StatusStopped)
		o.mu.Unlock()
		o.hub.Publish(signals.Event{Type: signals.TasksUpdated})
		return final, nil
	}
	o.mu.Unlock()

	err := o.StartTask(final)
	o.hub.Publish(signals.Event{Type: signals.TasksUpdated})
	return final, err
}

func triggerChanged(a, b map[string]any) bool {
	at, ap, aerr := trigger.Resolve(a)
	bt, bp, berr := trigger.Resolve(b)
	if aerr != nil || berr != nil {
		return true
	}
	return at != bt || !reflect.DeepEqual(ap, bp)
}

func (o *Orchestrator) validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return &ConfigError{Reason: "task name cannot be empty"}
	}
	if strings.ContainsAny(name, `/\`) {
		return configErrorf("task name %q contains a path separator", name)
	}
	base, err := filepath.Abs(o.tasksDir)
	if err != nil {
		return err
	}
	resolved, err := filepath.Abs(filepath.Join(o.tasksDir, name))
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(base, resolved)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return configErrorf("task name %q resolves outside the tasks directory", name)
	}
	return nil
}

// ---- status + signals ----

// setStatusLocked transitions the task and publishes the change; a no-op
// transition publishes nothing.
func (o *Orchestrator) setStatusLocked(def *Definition, status string) {
	if def.Status == status {
		return
	}
	def.Status = status
	o.hub.Publish(signals.Event{
		Type: signals.TaskStatusChanged,
		Data: signals.StatusChange{Task: def.Name, Status: status},
	})
}

func (o *Orchestrator) failSignal(name, msg string) {
	o.hub.Publish(signals.Event{
		Type: signals.TaskFailed,
		Data: signals.TaskResult{Task: name, At: time.Now(), Message: msg},
	})
}

// ---- read-only views ----

func (o *Orchestrator) Names() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	names := make([]string, 0, len(o.tasks))
	for n := range o.tasks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Status reports the task's lifecycle state, or not_found for unknown names.
func (o *Orchestrator) Status(name string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if def, ok := o.tasks[name]; ok {
		return def.Status
	}
	return StatusNotFound
}

func (o *Orchestrator) Get(name string) (Info, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	def, ok := o.tasks[name]
	if !ok {
		return Info{}, false
	}
	return Info{Name: def.Name, Status: def.Status, Config: def.Config.clone()}, true
}

func (o *Orchestrator) List() []Info {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Info, 0, len(o.tasks))
	for _, def := range o.tasks {
		out = append(out, Info{Name: def.Name, Status: def.Status, Config: def.Config.clone()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Scheduled reports whether the task has a live scheduler registration.
func (o *Orchestrator) Scheduled(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, job := o.jobs[name]
	_, timer := o.timers[name]
	return job || timer
}

// NextRun reports the next scheduled fire time for cron and interval tasks.
func (o *Orchestrator) NextRun(name string) (time.Time, bool) {
	o.mu.Lock()
	id, ok := o.jobs[name]
	o.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	next := o.cron.Entry(id).Next
	return next, !next.IsZero()
}

// Listening reports the topic an event task is subscribed to.
func (o *Orchestrator) Listening(name string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sub, ok := o.subs[name]
	return sub.topic, ok
}
