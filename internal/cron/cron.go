// Package cron parses standard 5-field cron expressions and computes
// match results and next/previous run times.
package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// ParseError describes why a cron expression failed to parse.
type ParseError struct {
	Field  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cron: field %s: %s", e.Field, e.Reason)
}

var aliases = map[string]string{
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
	"@monthly":  "0 0 1 * *",
	"@weekly":   "0 0 * * 0",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@hourly":   "0 * * * *",
}

var monthNames = map[string]int{
	"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
	"jul": 7, "aug": 8, "sep": 9, "oct": 10, "nov": 11, "dec": 12,
}

var weekdayNames = map[string]int{
	"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
}

// fieldSpec describes the valid range and optional name table for one field.
type fieldSpec struct {
	name     string
	min, max int
	names    map[string]int
}

var fieldSpecs = [5]fieldSpec{
	{name: "minute", min: 0, max: 59},
	{name: "hour", min: 0, max: 23},
	{name: "day", min: 1, max: 31},
	{name: "month", min: 1, max: 12, names: monthNames},
	{name: "weekday", min: 0, max: 6, names: weekdayNames},
}

const maxIterations = 365 * 24 * 60 * 4

// Expression is a parsed 5-field cron expression. Zero value is not usable;
// construct with Parse.
type Expression struct {
	raw    string
	fields [5]map[int]bool // minute, hour, day, month, weekday
}

var parseCache = gocache.New(30*time.Minute, time.Hour)

// Parse parses a cron expression, expanding named aliases, and caches the
// result so repeated parses of the same expression are cheap.
func Parse(expr string) (*Expression, error) {
	trimmed := strings.TrimSpace(expr)
	if cached, ok := parseCache.Get(trimmed); ok {
		return cached.(*Expression), nil
	}

	resolved := trimmed
	if alias, ok := aliases[strings.ToLower(trimmed)]; ok {
		resolved = alias
	}

	parts := strings.Fields(resolved)
	if len(parts) != 5 {
		return nil, &ParseError{Field: "expression", Reason: fmt.Sprintf("expected 5 fields, got %d", len(parts))}
	}

	e := &Expression{raw: trimmed}
	for i, part := range parts {
		set, err := parseField(part, fieldSpecs[i])
		if err != nil {
			return nil, err
		}
		e.fields[i] = set
	}

	parseCache.Set(trimmed, e, gocache.DefaultExpiration)
	return e, nil
}

func parseField(field string, spec fieldSpec) (map[int]bool, error) {
	result := make(map[int]bool)
	for _, item := range strings.Split(field, ",") {
		if err := parseFieldItem(item, spec, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func parseFieldItem(item string, spec fieldSpec, out map[int]bool) error {
	step := 1
	base := item
	if idx := strings.Index(item, "/"); idx >= 0 {
		base = item[:idx]
		n, err := strconv.Atoi(item[idx+1:])
		if err != nil || n <= 0 {
			return &ParseError{Field: spec.name, Reason: fmt.Sprintf("invalid step in %q", item)}
		}
		step = n
	}

	var lo, hi int
	switch {
	case base == "*":
		lo, hi = spec.min, spec.max
	case strings.Contains(base, "-"):
		rangeParts := strings.SplitN(base, "-", 2)
		a, err := resolveValue(rangeParts[0], spec)
		if err != nil {
			return err
		}
		b, err := resolveValue(rangeParts[1], spec)
		if err != nil {
			return err
		}
		lo, hi = a, b
	default:
		v, err := resolveValue(base, spec)
		if err != nil {
			return err
		}
		lo, hi = v, v
	}

	if lo < spec.min || hi > spec.max || lo > hi {
		return &ParseError{Field: spec.name, Reason: fmt.Sprintf("value out of range [%d,%d]", spec.min, spec.max)}
	}

	for v := lo; v <= hi; v += step {
		out[v] = true
	}
	return nil
}

func resolveValue(token string, spec fieldSpec) (int, error) {
	if spec.names != nil {
		if v, ok := spec.names[strings.ToLower(token)]; ok {
			return v, nil
		}
	}
	v, err := strconv.Atoi(token)
	if err != nil {
		return 0, &ParseError{Field: spec.name, Reason: fmt.Sprintf("invalid value %q", token)}
	}
	return v, nil
}

// Matches reports whether t satisfies every field of the expression
// (intersection semantics: day-of-month and weekday both constrain).
func (e *Expression) Matches(t time.Time) bool {
	return e.fields[0][t.Minute()] &&
		e.fields[1][t.Hour()] &&
		e.fields[2][t.Day()] &&
		e.fields[3][int(t.Month())] &&
		e.fields[4][int(t.Weekday())]
}

// Next returns the first matching time strictly after `after`, truncated to
// minute resolution. Returns an error if no match is found within four years.
func (e *Expression) Next(after time.Time) (time.Time, error) {
	candidate := after.Truncate(time.Minute).Add(time.Minute)
	for i := 0; i < maxIterations; i++ {
		if e.Matches(candidate) {
			return candidate, nil
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}, &ParseError{Field: "expression", Reason: "no matching time found within search bound"}
}

// NextN returns the next n matching times strictly after `after`.
func (e *Expression) NextN(n int, after time.Time) ([]time.Time, error) {
	results := make([]time.Time, 0, n)
	cursor := after
	for len(results) < n {
		next, err := e.Next(cursor)
		if err != nil {
			return results, err
		}
		results = append(results, next)
		cursor = next
	}
	return results, nil
}

// Previous returns the last matching time strictly before `before`.
func (e *Expression) Previous(before time.Time) (time.Time, error) {
	candidate := before.Truncate(time.Minute).Add(-time.Minute)
	for i := 0; i < maxIterations; i++ {
		if e.Matches(candidate) {
			return candidate, nil
		}
		candidate = candidate.Add(-time.Minute)
	}
	return time.Time{}, &ParseError{Field: "expression", Reason: "no matching time found within search bound"}
}

// String returns the original expression text as passed to Parse.
func (e *Expression) String() string {
	return e.raw
}

// Describe returns a short human-readable summary of the expression,
// suitable for management-surface listings.
func (e *Expression) Describe() string {
	minutes := len(e.fields[0])
	hours := len(e.fields[1])

	switch {
	case e.full(0) && e.full(1) && e.full(2) && e.full(3) && e.full(4):
		return "every minute"
	case minutes == 1 && e.full(1) && e.full(2) && e.full(3) && e.full(4):
		return fmt.Sprintf("every hour at minute %d", singleValue(e.fields[0]))
	case minutes == 1 && hours == 1 && e.full(2) && e.full(3) && e.full(4):
		return fmt.Sprintf("every day at %02d:%02d", singleValue(e.fields[1]), singleValue(e.fields[0]))
	default:
		return fmt.Sprintf("cron schedule %q", e.raw)
	}
}

func (e *Expression) full(i int) bool {
	return len(e.fields[i]) == fieldSpecs[i].max-fieldSpecs[i].min+1
}

func singleValue(set map[int]bool) int {
	for v := range set {
		return v
	}
	return 0
}
