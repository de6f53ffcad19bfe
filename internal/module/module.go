// Package module discovers task templates. A template is a directory under
// the modules root with a manifest.yaml holding the default task config, the
// executable entry it runs, and any extra asset files to copy into new tasks.
package module

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.yaml.in/yaml/v3"

	logx "taskhive/pkg/logx"
)

const manifestFile = "manifest.yaml"

// Template is one discovered module.
type Template struct {
	Name   string
	Dir    string
	Entry  string         // executable entry written into new tasks' main.yaml
	Config map[string]any // default task config (name/module_type get overridden)
	Assets []string       // template-relative files copied into new tasks
}

type Manager struct {
	dir string
	log logx.Logger

	mu        sync.RWMutex
	templates map[string]Template
}

func NewManager(dir string, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{dir: dir, log: log, templates: map[string]Template{}}
}

// Discover rescans the modules root. Directories without a manifest are
// skipped with a warning.
func (m *Manager) Discover() error {
	found := map[string]Template{}

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(m.dir, 0o755); err != nil {
				return err
			}
			m.commit(found)
			return nil
		}
		return err
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		dir := filepath.Join(m.dir, name)
		t, err := loadTemplate(name, dir)
		if err != nil {
			m.log.Warn("skipping module", logx.String("module", name), logx.Err(err))
			continue
		}
		found[name] = t
		m.log.Debug("discovered module", logx.String("module", name), logx.String("entry", t.Entry))
	}

	m.commit(found)
	m.log.Info("module discovery complete", logx.Int("count", len(found)))
	return nil
}

func (m *Manager) commit(t map[string]Template) {
	m.mu.Lock()
	m.templates = t
	m.mu.Unlock()
}

func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.templates))
	for n := range m.templates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) Get(name string) (Template, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.templates[name]
	return t, ok
}

func loadTemplate(name, dir string) (Template, error) {
	raw, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return Template{}, fmt.Errorf("read manifest: %w", err)
	}
	var manifest map[string]any
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return Template{}, fmt.Errorf("parse manifest: %w", err)
	}

	t := Template{Name: name, Dir: dir, Config: map[string]any{}}
	for k, v := range manifest {
		switch k {
		case "entry":
			t.Entry, _ = v.(string)
		case "assets":
			list, _ := v.([]any)
			for _, item := range list {
				if s, ok := item.(string); ok && s != "" {
					t.Assets = append(t.Assets, s)
				}
			}
		default:
			t.Config[k] = v
		}
	}
	if t.Entry == "" {
		t.Entry = name
	}
	return t, nil
}

// Scaffold materializes the template into taskDir: config.yaml with the new
// task's identity, main.yaml pointing at the entry, and the declared assets.
// Asset paths must be relative and stay inside the template directory.
func (m *Manager) Scaffold(moduleType, taskDir, taskName string) error {
	t, ok := m.Get(moduleType)
	if !ok {
		return fmt.Errorf("module type %q not found", moduleType)
	}

	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		return err
	}

	cfg := make(map[string]any, len(t.Config)+2)
	for k, v := range t.Config {
		cfg[k] = v
	}
	cfg["name"] = taskName
	cfg["module_type"] = t.Name

	cfgBytes, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("render config for %q: %w", taskName, err)
	}
	if err := os.WriteFile(filepath.Join(taskDir, "config.yaml"), cfgBytes, 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(taskDir, "main.yaml"), []byte("entry: "+t.Entry+"\n"), 0o644); err != nil {
		return err
	}

	for _, asset := range t.Assets {
		if err := copyAsset(t.Dir, taskDir, asset); err != nil {
			return fmt.Errorf("asset %q: %w", asset, err)
		}
	}
	return nil
}

func copyAsset(templateDir, taskDir, asset string) error {
	if filepath.IsAbs(asset) {
		return fmt.Errorf("asset path must be relative")
	}
	src := filepath.Join(templateDir, asset)
	rel, err := filepath.Rel(templateDir, src)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("asset path escapes the module directory")
	}

	dst := filepath.Join(taskDir, rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
