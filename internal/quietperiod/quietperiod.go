// Package quietperiod is the temporal policy gate: a live, hot-reloadable
// set of recurring time windows during which message processing and task
// scheduling are suspended.
package quietperiod

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Window is one recurring quiet window, e.g. 22:00-06:00 on weekdays.
// Days empty means every day of the week. End <= Start means the window
// wraps past midnight.
type Window struct {
	Days  []time.Weekday `yaml:"-"`
	Start string         `yaml:"start"` // "HH:MM"
	End   string         `yaml:"end"`   // "HH:MM"

	// DaysRaw is the YAML-facing day list ("mon".."sun"); Days is derived
	// from it on load via normalizeDays.
	DaysRaw []string `yaml:"days,omitempty"`
}

// Config is the serializable quiet-period policy.
type Config struct {
	Enabled         bool     `yaml:"enabled"`
	Timezone        string   `yaml:"timezone"`
	Windows         []Window `yaml:"windows"`
	NotifyBeforeRaw string   `yaml:"notify_before"`
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday,
	"wed": time.Wednesday, "thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

func normalizeDays(raw []string) ([]time.Weekday, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]time.Weekday, 0, len(raw))
	for _, d := range raw {
		wd, ok := weekdayNames[strings.ToLower(strings.TrimSpace(d))]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", d)
		}
		out = append(out, wd)
	}
	return out, nil
}

// Load reads and validates a quiet-period policy file. A missing file
// yields a disabled (never-quiet) policy rather than an error.
func Load(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read quiet period config: %w", err)
	}
	if len(data) == 0 {
		return Config{}, nil
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse quiet period config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	for i := range c.Windows {
		w := &c.Windows[i]
		if _, err := parseHHMM(w.Start); err != nil {
			return fmt.Errorf("window %d: invalid start %q: %w", i, w.Start, err)
		}
		if _, err := parseHHMM(w.End); err != nil {
			return fmt.Errorf("window %d: invalid end %q: %w", i, w.End, err)
		}
		days, err := normalizeDays(w.DaysRaw)
		if err != nil {
			return fmt.Errorf("window %d: %w", i, err)
		}
		w.Days = days
	}
	return nil
}

func parseHHMM(s string) (time.Duration, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("expected HH:MM")
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour %q", parts[0])
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute %q", parts[1])
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}

// QuietPeriod is the thread-safe, hot-reloadable live view of Config,
// mirroring the teacher's LivePolicy: an RWMutex-guarded snapshot that
// Reload swaps wholesale.
type QuietPeriod struct {
	mu  sync.RWMutex
	cfg Config
	loc *time.Location
}

// New creates a QuietPeriod from an initial Config.
func New(cfg Config) *QuietPeriod {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		loc = time.UTC
	}
	return &QuietPeriod{cfg: cfg, loc: loc}
}

// Reload replaces the live policy with a freshly loaded Config.
func (q *QuietPeriod) Reload(cfg Config) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		loc = time.UTC
	}
	q.mu.Lock()
	q.cfg = cfg
	q.loc = loc
	q.mu.Unlock()
}

// ReloadFromFile re-parses path and, only if it parses and validates,
// swaps in the new policy. On error the previous policy remains active.
func (q *QuietPeriod) ReloadFromFile(path string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	q.Reload(cfg)
	return nil
}

func (q *QuietPeriod) snapshot() (Config, *time.Location) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.cfg, q.loc
}

// IsQuiet reports whether now falls inside a configured quiet window.
func (q *QuietPeriod) IsQuiet(now time.Time) bool {
	cfg, loc := q.snapshot()
	if !cfg.Enabled || len(cfg.Windows) == 0 {
		return false
	}
	t := now.In(loc)
	for _, w := range cfg.Windows {
		if start, end, ok := windowSpan(w, t); ok && !t.Before(start) && t.Before(end) {
			return true
		}
	}
	return false
}

// windowSpan anchors window w to the day containing t and reports the
// concrete [start,end) instants for that anchoring, handling windows that
// wrap past midnight.
func windowSpan(w Window, t time.Time) (time.Time, time.Time, bool) {
	base := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	if len(w.Days) > 0 && !containsWeekday(w.Days, base.Weekday()) {
		return time.Time{}, time.Time{}, false
	}
	startOffset, err := parseHHMM(w.Start)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	endOffset, err := parseHHMM(w.End)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	start := base.Add(startOffset)
	end := base.Add(endOffset)
	if !end.After(start) {
		end = end.AddDate(0, 0, 1)
	}
	return start, end, true
}

func containsWeekday(days []time.Weekday, d time.Weekday) bool {
	for _, wd := range days {
		if wd == d {
			return true
		}
	}
	return false
}

// NextTransitionAt returns the next instant at which quiet status flips,
// either entering or exiting a window, scanning up to 8 days ahead.
func (q *QuietPeriod) NextTransitionAt(now time.Time) time.Time {
	cfg, loc := q.snapshot()
	if !cfg.Enabled || len(cfg.Windows) == 0 {
		return time.Time{}
	}
	t := now.In(loc)
	var transitions []time.Time
	for dayOffset := -1; dayOffset <= 8; dayOffset++ {
		anchor := t.AddDate(0, 0, dayOffset)
		for _, w := range cfg.Windows {
			start, end, ok := windowSpan(w, anchor)
			if !ok {
				continue
			}
			if start.After(t) {
				transitions = append(transitions, start)
			}
			if end.After(t) {
				transitions = append(transitions, end)
			}
		}
	}
	if len(transitions) == 0 {
		return time.Time{}
	}
	sort.Slice(transitions, func(i, j int) bool { return transitions[i].Before(transitions[j]) })
	return transitions[0]
}

// NotifyBefore returns the configured pre-quiet reminder offset, or 0 if unset.
func (q *QuietPeriod) NotifyBefore() time.Duration {
	cfg, _ := q.snapshot()
	if cfg.NotifyBeforeRaw == "" {
		return 0
	}
	d, err := time.ParseDuration(cfg.NotifyBeforeRaw)
	if err != nil {
		return 0
	}
	return d
}
