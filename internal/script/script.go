// Package script resolves a task directory to runnable code. Task logic is
// compiled in and registered by name; each task directory carries a main.yaml
// descriptor naming the entry it runs.
package script

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.yaml.in/yaml/v3"

	logx "taskhive/pkg/logx"
)

// Context is the task-side surface an executable runs against.
type Context interface {
	// Task is the owning task's name.
	Task() string
	// Inputs is the merged input payload for this run. The map is private
	// to the run and safe to mutate.
	Inputs() map[string]any
	// GetState reads a persisted state value, returning def when absent.
	GetState(key string, def any) any
	// UpdateState writes a state value; persist flushes it to disk.
	UpdateState(key string, value any, persist bool) error
	// Log emits a progress line into the run's captured output.
	Log(line string)
	// Publish sends an event through the bus on behalf of the task.
	Publish(topic string, payload map[string]any) error
}

// Executable is one registered unit of task logic.
type Executable interface {
	Run(ctx context.Context, tc Context) (any, error)
}

// Func adapts a plain function to Executable.
type Func func(ctx context.Context, tc Context) (any, error)

func (f Func) Run(ctx context.Context, tc Context) (any, error) { return f(ctx, tc) }

// NotFoundError reports a task pointing at an entry nothing registered.
// Runs failing with it are not retried: retrying cannot make code appear.
type NotFoundError struct {
	Entry string
	Path  string
}

func (e *NotFoundError) Error() string {
	if e.Entry == "" {
		return fmt.Sprintf("no executable entry declared in %s", e.Path)
	}
	return fmt.Sprintf("executable %q not found (declared in %s)", e.Entry, e.Path)
}

// Registry maps entry names to executables. Registration happens at startup;
// lookups are concurrent.
type Registry struct {
	mu  sync.RWMutex
	reg map[string]Executable
}

func NewRegistry() *Registry {
	return &Registry{reg: map[string]Executable{}}
}

func (r *Registry) Register(name string, exe Executable) error {
	if name == "" {
		return fmt.Errorf("executable name is required")
	}
	if exe == nil {
		return fmt.Errorf("executable %q is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.reg[name]; dup {
		return fmt.Errorf("executable %q already registered", name)
	}
	r.reg[name] = exe
	return nil
}

func (r *Registry) Lookup(name string) (Executable, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exe, ok := r.reg[name]
	return exe, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.reg))
	for n := range r.reg {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DescriptorFile is the per-task file naming the entry to run.
const DescriptorFile = "main.yaml"

type descriptor struct {
	Entry string `yaml:"entry"`
}

type cached struct {
	modTime time.Time
	entry   string
}

// Loader resolves task directories to executables, caching descriptor parses
// by modification time so an edited main.yaml takes effect on the next run
// without a restart.
type Loader struct {
	log logx.Logger
	reg *Registry

	mu    sync.Mutex
	cache map[string]cached
}

func NewLoader(reg *Registry, log logx.Logger) *Loader {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Loader{log: log, reg: reg, cache: map[string]cached{}}
}

// Load resolves the executable for the task directory.
func (l *Loader) Load(dir string) (Executable, error) {
	path := filepath.Join(dir, DescriptorFile)
	entry, err := l.entryFor(path)
	if err != nil {
		return nil, err
	}
	if entry == "" {
		return nil, &NotFoundError{Path: path}
	}
	exe, ok := l.reg.Lookup(entry)
	if !ok {
		return nil, &NotFoundError{Entry: entry, Path: path}
	}
	return exe, nil
}

func (l *Loader) entryFor(path string) (string, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}

	l.mu.Lock()
	if c, ok := l.cache[path]; ok && c.modTime.Equal(fi.ModTime()) {
		l.mu.Unlock()
		return c.entry, nil
	}
	l.mu.Unlock()

	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	var d descriptor
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return "", fmt.Errorf("parse %s: %w", path, err)
	}

	l.mu.Lock()
	l.cache[path] = cached{modTime: fi.ModTime(), entry: d.Entry}
	l.mu.Unlock()

	l.log.Debug("loaded task descriptor", logx.String("path", path), logx.String("entry", d.Entry))
	return d.Entry, nil
}

// Invalidate drops a cached descriptor, used when a task directory moves.
func (l *Loader) Invalidate(dir string) {
	l.mu.Lock()
	delete(l.cache, filepath.Join(dir, DescriptorFile))
	l.mu.Unlock()
}
