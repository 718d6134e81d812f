// Package schedule drives Discovery's optional background registry
// re-index: a standard 5-field cron expression (minute hour
// day-of-month month day-of-week) gates when the re-index job fires.
// The field parser is adapted from internal/cron/cron.go; Runner is new,
// since the teacher's cron package was a bare parser with no driver loop.
package schedule

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Expr holds the expanded value set for each of the five cron fields.
type Expr struct {
	minute []int
	hour   []int
	dom    []int
	month  []int
	dow    []int
}

type fieldBounds struct {
	name     string
	min, max int
}

var fieldOrder = []fieldBounds{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// Parse parses a 5-field cron expression. Supported syntax per field: *,
// N, */N, N-M, N,M, N-M/S. Named days/months and the L/W/#/@ shorthands
// are not supported.
func Parse(expr string) (*Expr, error) {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return nil, fmt.Errorf("schedule: expected 5 fields, got %d", len(parts))
	}

	var parsed [5][]int
	for i, part := range parts {
		vals, err := parseField(part, fieldOrder[i].min, fieldOrder[i].max)
		if err != nil {
			return nil, fmt.Errorf("schedule: field %s (%q): %w", fieldOrder[i].name, part, err)
		}
		parsed[i] = vals
	}
	return &Expr{minute: parsed[0], hour: parsed[1], dom: parsed[2], month: parsed[3], dow: parsed[4]}, nil
}

// Matches reports whether t (truncated to the minute) satisfies expr.
func (e *Expr) Matches(t time.Time) bool {
	t = t.Truncate(time.Minute)
	return contains(e.minute, t.Minute()) &&
		contains(e.hour, t.Hour()) &&
		contains(e.dom, t.Day()) &&
		contains(e.month, int(t.Month())) &&
		contains(e.dow, int(t.Weekday()))
}

func parseField(field string, min, max int) ([]int, error) {
	var result []int
	seen := make(map[int]bool)
	for _, item := range strings.Split(field, ",") {
		vals, err := parseItem(item, min, max)
		if err != nil {
			return nil, err
		}
		for _, v := range vals {
			if !seen[v] {
				seen[v] = true
				result = append(result, v)
			}
		}
	}
	sort.Ints(result)
	return result, nil
}

func parseItem(item string, min, max int) ([]int, error) {
	step := 1
	if idx := strings.Index(item, "/"); idx >= 0 {
		s, err := strconv.Atoi(item[idx+1:])
		if err != nil || s <= 0 {
			return nil, fmt.Errorf("invalid step %q", item[idx+1:])
		}
		step = s
		item = item[:idx]
	}

	var start, end int
	switch {
	case item == "*":
		start, end = min, max
	case strings.Contains(item, "-"):
		parts := strings.SplitN(item, "-", 2)
		var err error
		if start, err = strconv.Atoi(parts[0]); err != nil {
			return nil, fmt.Errorf("invalid range start %q", parts[0])
		}
		if end, err = strconv.Atoi(parts[1]); err != nil {
			return nil, fmt.Errorf("invalid range end %q", parts[1])
		}
		if start > end {
			return nil, fmt.Errorf("range start %d > end %d", start, end)
		}
	default:
		n, err := strconv.Atoi(item)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q", item)
		}
		if step > 1 {
			start, end = n, max
		} else {
			start, end = n, n
		}
	}

	if start < min || start > max || end < min || end > max {
		return nil, fmt.Errorf("value out of range %d-%d", min, max)
	}

	var vals []int
	for i := start; i <= end; i += step {
		vals = append(vals, i)
	}
	return vals, nil
}

func contains(set []int, val int) bool {
	for _, v := range set {
		if v == val {
			return true
		}
	}
	return false
}

// Runner ticks once a minute and invokes fn whenever expr matches the
// current time, until ctx is cancelled. One missed tick (e.g. the process
// was asleep) is not made up — the next match simply fires at its next
// natural occurrence.
type Runner struct {
	expr *Expr
	fn   func(context.Context)
}

// NewRunner builds a Runner for a parsed cron Expr.
func NewRunner(expr *Expr, fn func(context.Context)) *Runner {
	return &Runner{expr: expr, fn: fn}
}

// Run blocks until ctx is done, invoking fn on every matching minute.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if r.expr.Matches(now) {
				r.fn(ctx)
			}
		}
	}
}
