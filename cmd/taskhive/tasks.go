package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"taskhive/internal/config"
	"taskhive/internal/module"
	"taskhive/internal/pool"
	"taskhive/internal/script"
	"taskhive/internal/state"
	"taskhive/internal/task"
	"taskhive/pkg/logx"
)

// cliRuntime is a short-lived orchestrator for one-shot commands. No bus,
// no history, a tiny pool; it loads the task tree, performs one operation
// and shuts down.
type cliRuntime struct {
	cfg  *config.Config
	orch *task.Orchestrator
	pool *pool.Pool
}

func newCLIRuntime() (*cliRuntime, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if errors.Is(err, os.ErrNotExist) {
		def := config.Defaults()
		cfg = &def
	} else if err != nil {
		return nil, err
	}

	log := logx.NewConsole("error")

	mods := module.NewManager(cfg.Paths.ModulesDir, log)
	if err := mods.Discover(); err != nil {
		return nil, err
	}
	reg := script.NewRegistry()
	if err := script.RegisterBuiltins(reg); err != nil {
		return nil, err
	}

	sink := func(taskName, line string) {
		fmt.Fprintf(os.Stderr, "%s | %s\n", taskName, line)
	}
	p := pool.New(pool.Config{Workers: 2}, log, sink)

	orch := task.New(task.Options{
		TasksDir: cfg.Paths.TasksDir,
		Modules:  mods,
		Registry: reg,
		Pool:     p,
		States:   state.NewStore(log),
		Defaults: retryDefaults(cfg.Retry),
		Logger:   log,
		Sink:     sink,
	})
	if err := orch.LoadTasks(); err != nil {
		p.Shutdown(false)
		return nil, err
	}
	return &cliRuntime{cfg: cfg, orch: orch, pool: p}, nil
}

func (r *cliRuntime) close() {
	r.orch.Shutdown()
	r.pool.Shutdown(true)
}

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect and manage the local task tree",
	}
	cmd.AddCommand(newTaskListCmd(), newTaskCreateCmd(), newTaskRunCmd(), newTaskRemoveCmd(), newTaskRenameCmd())
	return cmd
}

func newTaskListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tasks and their triggers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newCLIRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tENABLED\tTRIGGER\tMODULE")
			for _, info := range rt.orch.List() {
				triggerType, _ := info.Config.Trigger["type"].(string)
				if triggerType == "" {
					triggerType = "-"
				}
				moduleType := info.Config.ModuleType
				if moduleType == "" {
					moduleType = "-"
				}
				fmt.Fprintf(w, "%s\t%v\t%s\t%s\n", info.Name, info.Config.Enabled, triggerType, moduleType)
			}
			return w.Flush()
		},
	}
}

func newTaskCreateCmd() *cobra.Command {
	var moduleType string
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Scaffold a new task from a module template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newCLIRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.orch.CreateTask(args[0], moduleType); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created task %q from module %q\n", args[0], moduleType)
			return nil
		},
	}
	cmd.Flags().StringVar(&moduleType, "module", "basic", "module template to scaffold from")
	return cmd
}

func newTaskRunCmd() *cobra.Command {
	var rawInputs []string
	cmd := &cobra.Command{
		Use:   "run NAME",
		Short: "Run a task once and print its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inputs, err := parseInputs(rawInputs)
			if err != nil {
				return err
			}
			rt, err := newCLIRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			result, err := rt.orch.RunTask(cmd.Context(), args[0], inputs)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&rawInputs, "input", nil, "task input as key=value (repeatable; value parsed as JSON when possible)")
	return cmd
}

func newTaskRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm NAME",
		Short: "Delete a task and its directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newCLIRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.orch.DeleteTask(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted task %q\n", args[0])
			return nil
		},
	}
}

func newTaskRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename OLD NEW",
		Short: "Rename a task, keeping its state and trigger",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newCLIRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.orch.RenameTask(args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "renamed task %q to %q\n", args[0], args[1])
			return nil
		},
	}
}

func newModulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "modules",
		Short: "List available module templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr := config.NewManager(cfgPath)
			cfg, err := mgr.Load()
			if errors.Is(err, os.ErrNotExist) {
				def := config.Defaults()
				cfg = &def
			} else if err != nil {
				return err
			}
			mods := module.NewManager(cfg.Paths.ModulesDir, logx.NewConsole("error"))
			if err := mods.Discover(); err != nil {
				return err
			}
			for _, name := range mods.Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

// parseInputs turns repeated key=value flags into a task input map. Values
// that parse as JSON keep their type; everything else stays a string.
func parseInputs(raw []string) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	inputs := make(map[string]any, len(raw))
	for _, kv := range raw {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input %q, expected key=value", kv)
		}
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err == nil {
			inputs[key] = parsed
		} else {
			inputs[key] = value
		}
	}
	return inputs, nil
}
