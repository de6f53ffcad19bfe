// Package trigger normalizes the heterogeneous trigger shapes that task
// configs have accumulated over time into one canonical (type, params) form.
//
// Resolve is pure: no I/O, no mutation of the input map, and resolving an
// already-canonical config yields the same result.
package trigger

import (
	"fmt"
	"strings"
	"time"
)

type Type string

const (
	TypeNone     Type = ""
	TypeCron     Type = "cron"
	TypeInterval Type = "interval"
	TypeDate     Type = "date"
	TypeEvent    Type = "event"
)

// DefaultMaxHops bounds event propagation depth when a task does not set
// max_hops explicitly.
const DefaultMaxHops = 5

var scheduledTypes = map[Type]bool{
	TypeCron:     true,
	TypeInterval: true,
	TypeDate:     true,
}

// IsScheduled reports whether t is a timer-driven trigger type.
func IsScheduled(t Type) bool { return scheduledTypes[t] }

// Resolve normalizes a raw trigger config into (type, params).
//
// Accepted shapes:
//
//	{type: T, config: {...}}                  canonical
//	{type: "schedule", config: {type: T, ..}} nested schedule block
//	{schedule: {type: T, ...}}                legacy top-level schedule
//	{event: {topic: ..., ...}}                legacy event block
//	{type: "event", topic: "..."}             topic given directly
//
// Unknown or absent type yields (TypeNone, empty map, nil). Invalid params
// for a recognized type (e.g. a cron trigger without an expression) are an
// error for the caller to surface.
func Resolve(raw map[string]any) (Type, map[string]any, error) {
	if len(raw) == 0 {
		return TypeNone, map[string]any{}, nil
	}

	typ := asString(raw["type"])

	// Legacy top-level blocks win only when no usable "type" is present.
	if typ == "" {
		if block, ok := asMap(raw["schedule"]); ok {
			return resolveScheduleBlock(block)
		}
		if block, ok := asMap(raw["event"]); ok {
			return finishEvent(block)
		}
		return TypeNone, map[string]any{}, nil
	}

	switch Type(strings.ToLower(typ)) {
	case Type("schedule"):
		block, ok := asMap(raw["config"])
		if !ok {
			return TypeNone, map[string]any{}, fmt.Errorf("schedule trigger has no config block")
		}
		return resolveScheduleBlock(block)

	case TypeEvent:
		if block, ok := asMap(raw["config"]); ok {
			return finishEvent(block)
		}
		// Topic given directly on the trigger object.
		return finishEvent(raw)

	case TypeCron, TypeInterval, TypeDate:
		params, _ := asMap(raw["config"])
		return finishScheduled(Type(strings.ToLower(typ)), params)

	default:
		return TypeNone, map[string]any{}, nil
	}
}

func resolveScheduleBlock(block map[string]any) (Type, map[string]any, error) {
	typ := Type(strings.ToLower(asString(block["type"])))
	if !scheduledTypes[typ] {
		return TypeNone, map[string]any{}, nil
	}
	params := make(map[string]any, len(block))
	for k, v := range block {
		if k == "type" {
			continue
		}
		params[k] = v
	}
	return finishScheduled(typ, params)
}

func finishScheduled(typ Type, params map[string]any) (Type, map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	if typ == TypeCron {
		// Accept both key spellings; keep the canonical one.
		expr := asString(out["cron_expression"])
		if expr == "" {
			expr = asString(out["expression"])
		}
		if strings.TrimSpace(expr) == "" {
			return TypeNone, map[string]any{}, fmt.Errorf("cron trigger is missing an expression")
		}
		delete(out, "expression")
		out["cron_expression"] = expr
	}
	return typ, out, nil
}

func finishEvent(block map[string]any) (Type, map[string]any, error) {
	topic := strings.TrimSpace(asString(block["topic"]))
	if topic == "" {
		return TypeNone, map[string]any{}, fmt.Errorf("event trigger is missing a topic")
	}
	out := map[string]any{"topic": topic}
	if hops, ok := asInt(block["max_hops"]); ok {
		if hops < 0 {
			return TypeNone, map[string]any{}, fmt.Errorf("event trigger max_hops must be >= 0")
		}
		out["max_hops"] = hops
	}
	return TypeEvent, out, nil
}

// ---- typed params ----

type CronParams struct {
	Expression string
	Timezone   string
}

type IntervalParams struct {
	Days    int
	Hours   int
	Minutes int
	Seconds int
}

func (p IntervalParams) Duration() time.Duration {
	return time.Duration(p.Days)*24*time.Hour +
		time.Duration(p.Hours)*time.Hour +
		time.Duration(p.Minutes)*time.Minute +
		time.Duration(p.Seconds)*time.Second
}

type DateParams struct {
	RunAt time.Time
}

type EventParams struct {
	Topic   string
	MaxHops int
}

func Cron(params map[string]any) (CronParams, error) {
	expr := strings.TrimSpace(asString(params["cron_expression"]))
	if expr == "" {
		return CronParams{}, fmt.Errorf("cron trigger is missing an expression")
	}
	return CronParams{Expression: expr, Timezone: asString(params["timezone"])}, nil
}

func Interval(params map[string]any) (IntervalParams, error) {
	var p IntervalParams
	found := false
	if v, ok := asInt(params["days"]); ok {
		p.Days, found = v, true
	}
	if v, ok := asInt(params["hours"]); ok {
		p.Hours, found = v, true
	}
	if v, ok := asInt(params["minutes"]); ok {
		p.Minutes, found = v, true
	}
	if v, ok := asInt(params["seconds"]); ok {
		p.Seconds, found = v, true
	}
	if !found || p.Duration() <= 0 {
		return IntervalParams{}, fmt.Errorf("interval trigger has no positive interval parameters")
	}
	return p, nil
}

func Date(params map[string]any) (DateParams, error) {
	raw := strings.TrimSpace(asString(params["run_at"]))
	if raw == "" {
		raw = strings.TrimSpace(asString(params["run_date"]))
	}
	if raw == "" {
		return DateParams{}, fmt.Errorf("date trigger is missing run_at")
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if at, err := time.Parse(layout, raw); err == nil {
			return DateParams{RunAt: at}, nil
		}
	}
	return DateParams{}, fmt.Errorf("date trigger has unparseable run_at %q", raw)
}

func Event(params map[string]any) (EventParams, error) {
	topic := strings.TrimSpace(asString(params["topic"]))
	if topic == "" {
		return EventParams{}, fmt.Errorf("event trigger is missing a topic")
	}
	hops := DefaultMaxHops
	if v, ok := asInt(params["max_hops"]); ok {
		if v < 0 {
			return EventParams{}, fmt.Errorf("event trigger max_hops must be >= 0")
		}
		hops = v
	}
	return EventParams{Topic: topic, MaxHops: hops}, nil
}

// ---- loose-typed helpers (configs arrive via JSON/YAML as any) ----

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok && m != nil
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case float64:
		return int(x), true
	case float32:
		return int(x), true
	default:
		return 0, false
	}
}
