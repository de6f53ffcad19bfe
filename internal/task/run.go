package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"taskhive/internal/bus"
	"taskhive/internal/history"
	"taskhive/internal/metrics"
	"taskhive/internal/pool"
	"taskhive/internal/retry"
	"taskhive/internal/script"
	"taskhive/internal/signals"
	"taskhive/internal/trigger"
	logx "taskhive/pkg/logx"
)

// snapshot is the immutable view of a task a run executes against. Config
// edits concurrent with a run never affect attempts already in flight.
type runSnapshot struct {
	name string
	dir  string
	cfg  Config
}

func (o *Orchestrator) snapshotLocked(def *Definition) runSnapshot {
	return runSnapshot{name: def.Name, dir: def.Dir, cfg: def.Config.clone()}
}

func (o *Orchestrator) takeSnapshot(name string) (runSnapshot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	def, ok := o.tasks[name]
	if !ok {
		return runSnapshot{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return o.snapshotLocked(def), nil
}

// RunTask executes a task on the calling goroutine and returns its result.
// The inputs map is deep-copied before use.
func (o *Orchestrator) RunTask(ctx context.Context, name string, inputs map[string]any) (any, error) {
	snap, err := o.takeSnapshot(name)
	if err != nil {
		return nil, err
	}
	out := pool.NewCapture(name, o.sink)
	defer out.Flush()
	return o.execute(ctx, snap, deepCopyMap(inputs), out)
}

// SubmitTask queues a run on the execution pool and returns immediately.
func (o *Orchestrator) SubmitTask(name string, inputs map[string]any) (*pool.Future, error) {
	snap, err := o.takeSnapshot(name)
	if err != nil {
		return nil, err
	}
	return o.submitRun(snap, deepCopyMap(inputs))
}

func (o *Orchestrator) submitRun(snap runSnapshot, inputs map[string]any) (*pool.Future, error) {
	fut, err := o.pool.Submit(pool.Job{
		Task: snap.name,
		Run: func(ctx context.Context, out io.Writer) (any, error) {
			return o.execute(ctx, snap, inputs, out)
		},
	})
	if err != nil {
		return nil, err
	}
	metrics.PoolQueueDepth.Set(float64(o.pool.QueueLen()))
	return fut, nil
}

// execute is the full run pipeline: resolve the executable, drive the attempt
// loop, then record the outcome in signals, metrics and history.
func (o *Orchestrator) execute(ctx context.Context, snap runSnapshot, inputs map[string]any, out io.Writer) (any, error) {
	started := time.Now()
	runID := uuid.NewString()

	metrics.TasksRunning.Inc()
	defer metrics.TasksRunning.Dec()

	exe, err := o.loader.Load(snap.dir)
	if err != nil {
		// Retrying cannot make a missing executable appear.
		o.recordRun(snap.name, runID, started, retry.Result{Err: err})
		return nil, err
	}

	policy := effectivePolicy(snap.cfg.Retry, o.defaults)
	opts := []retry.Option{
		retry.WithSink(func(line string) { fmt.Fprintln(out, line) }),
	}
	if o.sleep != nil {
		opts = append(opts, retry.WithSleep(o.sleep))
	}
	engine := retry.New(o.log.With(logx.String("task", snap.name)), opts...)

	res := engine.Run(ctx, snap.name, policy, func(ctx context.Context, attempt, total int) (any, error) {
		tc := &runContext{
			task:    snap.name,
			dir:     snap.dir,
			persist: snap.cfg.PersistState,
			inputs:  deepCopyMap(inputs),
			attempt: attempt,
			total:   total,
			states:  o.states,
			bus:     o.bus,
			out:     out,
		}
		return exe.Run(ctx, tc)
	})

	o.recordRun(snap.name, runID, started, res)
	return res.Value, res.Err
}

func (o *Orchestrator) recordRun(name, runID string, started time.Time, res retry.Result) {
	duration := time.Since(started)
	if res.Attempts > 1 {
		metrics.RetriesTotal.WithLabelValues(name).Add(float64(res.Attempts - 1))
	}

	rec := history.RunRecord{
		ID:       runID,
		Task:     name,
		Started:  started,
		Duration: duration,
		Attempts: res.Attempts,
	}

	if res.OK() {
		msg := ""
		if res.Value != nil {
			msg = fmt.Sprintf("%v", res.Value)
		}
		metrics.RunsTotal.WithLabelValues(name, "succeeded").Inc()
		rec.Status = history.StatusSucceeded
		rec.Output = msg
		o.hub.Publish(signals.Event{
			Type: signals.TaskSucceeded,
			Data: signals.TaskResult{
				Task: name, RunID: runID, At: time.Now(),
				Attempts: res.Attempts, Message: msg,
			},
		})
	} else {
		metrics.RunsTotal.WithLabelValues(name, "failed").Inc()
		rec.Status = history.StatusFailed
		rec.Error = res.Err.Error()
		o.hub.Publish(signals.Event{
			Type: signals.TaskFailed,
			Data: signals.TaskResult{
				Task: name, RunID: runID, At: time.Now(),
				Attempts: res.Attempts, Message: res.Err.Error(),
			},
		})
		var nf *script.NotFoundError
		if errors.As(res.Err, &nf) {
			o.log.Error("task executable missing", logx.String("task", name), logx.Err(res.Err))
		}
	}

	if o.history != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.history.Append(ctx, rec); err != nil {
			o.log.Warn("failed recording run history", logx.String("task", name), logx.Err(err))
		}
	}
}

// fireScheduled is the scheduler callback: paused or deregistered tasks are
// skipped, everything else queues a run on the pool.
func (o *Orchestrator) fireScheduled(name string) {
	o.mu.Lock()
	def, ok := o.tasks[name]
	if !ok || def.Status != StatusRunning {
		o.mu.Unlock()
		return
	}
	snap := o.snapshotLocked(def)
	o.mu.Unlock()

	if _, err := o.submitRun(snap, nil); err != nil {
		o.log.Error("failed queueing scheduled run", logx.String("task", name), logx.Err(err))
	}
}

// fireDate handles one-shot date triggers: fire once, then settle stopped.
func (o *Orchestrator) fireDate(name string) {
	o.fireScheduled(name)
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.timers, name)
	if def, ok := o.tasks[name]; ok && def.Status == StatusRunning {
		o.setStatusLocked(def, StatusStopped)
	}
}

// deliver is the bus callback for event-triggered tasks. The hop guard runs
// before anything else so event loops die out instead of echoing forever.
func (o *Orchestrator) deliver(name, topic string, payload map[string]any) {
	o.mu.Lock()
	def, ok := o.tasks[name]
	if !ok || def.Status != StatusListening {
		o.mu.Unlock()
		return
	}
	snap := o.snapshotLocked(def)
	o.mu.Unlock()

	typ, params, err := trigger.Resolve(snap.cfg.Trigger)
	if err != nil || typ != trigger.TypeEvent {
		return
	}
	p, err := trigger.Event(params)
	if err != nil {
		return
	}

	if hops := bus.Hops(payload); hops > p.MaxHops {
		o.log.Warn("max hop count exceeded, dropping event",
			logx.String("task", name),
			logx.String("topic", topic),
			logx.Int("hops", hops),
			logx.Int("max_hops", p.MaxHops))
		metrics.DropsTotal.WithLabelValues("max_hops").Inc()
		return
	}

	inputs, err := mergeInputs(snap.cfg.Inputs, payload)
	if err != nil {
		o.log.Warn("event dropped",
			logx.String("task", name), logx.String("topic", topic), logx.Err(err))
		metrics.DropsTotal.WithLabelValues("missing_input").Inc()
		return
	}

	if _, err := o.submitRun(snap, inputs); err != nil {
		o.log.Error("failed queueing event-triggered run",
			logx.String("task", name), logx.Err(err))
	}
}

// mergeInputs overlays declared input defaults under the event payload.
// Payload keys always win; a required input absent from the payload drops
// the delivery.
func mergeInputs(specs []InputSpec, payload map[string]any) (map[string]any, error) {
	merged := deepCopyMap(payload)
	if merged == nil {
		merged = map[string]any{}
	}
	for _, spec := range specs {
		if _, ok := merged[spec.Name]; ok {
			continue
		}
		if spec.Required {
			return nil, fmt.Errorf("missing required input '%s'", spec.Name)
		}
		if spec.Default != nil {
			merged[spec.Name] = deepCopyValue(spec.Default)
		}
	}
	return merged, nil
}
