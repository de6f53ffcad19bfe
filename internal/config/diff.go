package config

import (
	"hash/fnv"
	"reflect"
	"sort"
	"strings"

	logx "taskhive/pkg/logx"
)

// hashBytes returns a stable 64-bit hash of bytes. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// SummarizeChange returns the changed top-level sections plus structured
// attrs safe for logging (the redis password is never included).
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Bus != newCfg.Bus {
		changed = append(changed, "bus")
		attrs = append(attrs,
			logx.Bool("bus.enabled", newCfg.Bus.Enabled),
			logx.String("bus.addr", newCfg.Bus.Addr),
			logx.Bool("bus.password_set", strings.TrimSpace(newCfg.Bus.Password) != ""),
		)
	}

	if oldCfg.Pool != newCfg.Pool {
		changed = append(changed, "pool")
		attrs = append(attrs, logx.Int("pool.workers", newCfg.Pool.Workers))
	}

	if oldCfg.Retry != newCfg.Retry {
		changed = append(changed, "retry_defaults")
		attrs = append(attrs,
			logx.Int("retry.max_attempts", newCfg.Retry.MaxAttempts),
			logx.String("retry.strategy", newCfg.Retry.Strategy),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
		)
	}

	if oldCfg.Paths != newCfg.Paths {
		changed = append(changed, "paths")
		attrs = append(attrs,
			logx.String("paths.tasks_dir", newCfg.Paths.TasksDir),
			logx.String("paths.modules_dir", newCfg.Paths.ModulesDir),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
