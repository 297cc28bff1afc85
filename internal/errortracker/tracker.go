// Package errortracker keeps a per-platform, time-ordered log of crawl
// outcomes and derives rolling error statistics from it.
package errortracker

import (
	"regexp"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

const (
	// DefaultWindowHours is used when Stats is called with a non-positive window.
	DefaultWindowHours = 24
	// DefaultHistogramSize bounds the number of histogram buckets returned.
	DefaultHistogramSize = 10

	maxMessageRunes = 200
)

// Outcome is one recorded unit result.
type Outcome struct {
	Platform string    `json:"platform"`
	At       time.Time `json:"at"`
	Success  bool      `json:"success"`
	Message  string    `json:"message,omitempty"`
}

// Config tunes the tracker.
type Config struct {
	DefaultWindowHours float64
	HistogramSize      int
}

// Tracker records outcomes and answers window statistics.
type Tracker struct {
	clock crawler.Clock
	cfg   Config

	mu   sync.RWMutex
	logs map[string]*platformLog
}

type platformLog struct {
	mu     sync.Mutex
	events []Outcome
}

// New constructs a Tracker. Zero config values fall back to the defaults.
func New(clock crawler.Clock, cfg Config) *Tracker {
	if cfg.DefaultWindowHours <= 0 {
		cfg.DefaultWindowHours = DefaultWindowHours
	}
	if cfg.HistogramSize <= 0 {
		cfg.HistogramSize = DefaultHistogramSize
	}
	return &Tracker{
		clock: clock,
		cfg:   cfg,
		logs:  make(map[string]*platformLog),
	}
}

func (t *Tracker) log(platform string, create bool) *platformLog {
	t.mu.RLock()
	l, ok := t.logs[platform]
	t.mu.RUnlock()
	if ok || !create {
		return l
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok = t.logs[platform]; ok {
		return l
	}
	l = &platformLog{}
	t.logs[platform] = l
	return l
}

// RecordOutcome appends an outcome stamped with the current time.
func (t *Tracker) RecordOutcome(platform string, success bool, errorMessage string) Outcome {
	o := Outcome{
		Platform: platform,
		At:       t.clock.Now(),
		Success:  success,
		Message:  errorMessage,
	}
	t.Record(o)
	return o
}

// Record inserts an outcome at its time position. Equal timestamps keep
// insertion order.
func (t *Tracker) Record(o Outcome) {
	l := t.log(o.Platform, true)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.events)
	if n == 0 || !o.At.Before(l.events[n-1].At) {
		l.events = append(l.events, o)
		return
	}
	i := sort.Search(n, func(i int) bool { return l.events[i].At.After(o.At) })
	l.events = slices.Insert(l.events, i, o)
}

// Load records a batch of historical outcomes, typically read back from the
// durable outcome log at startup.
func (t *Tracker) Load(outcomes []Outcome) int {
	for _, o := range outcomes {
		t.Record(o)
	}
	return len(outcomes)
}

// Stats summarizes the platform over the trailing window ending now.
func (t *Tracker) Stats(platform string, windowHours float64) crawler.ErrorWindowStat {
	if windowHours <= 0 {
		windowHours = t.cfg.DefaultWindowHours
	}
	stat := crawler.ErrorWindowStat{
		Platform:    platform,
		WindowHours: windowHours,
		Histogram:   []crawler.ErrorCount{},
	}
	l := t.log(platform, false)
	if l == nil {
		return stat
	}

	now := t.clock.Now()
	cutoff := now.Add(-time.Duration(windowHours * float64(time.Hour)))
	counts := make(map[string]int)

	l.mu.Lock()
	for _, o := range l.events {
		if o.Success || o.At.Before(cutoff) || o.At.After(now) {
			continue
		}
		stat.TotalErrors++
		counts[Normalize(o.Message)]++
	}
	stat.ConsecutiveFailures = trailingFailures(l.events)
	l.mu.Unlock()

	stat.ErrorRate = float64(stat.TotalErrors) / windowHours
	stat.Histogram = histogram(counts, t.cfg.HistogramSize)
	return stat
}

// ConsecutiveFailures returns the length of the platform's trailing failure run.
func (t *Tracker) ConsecutiveFailures(platform string) int {
	l := t.log(platform, false)
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return trailingFailures(l.events)
}

// LastFailureAt returns when the platform's most recent outcome was recorded if
// that outcome was a failure, and the zero time otherwise.
func (t *Tracker) LastFailureAt(platform string) time.Time {
	l := t.log(platform, false)
	if l == nil {
		return time.Time{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := len(l.events); n > 0 && !l.events[n-1].Success {
		return l.events[n-1].At
	}
	return time.Time{}
}

// Platforms lists platforms with at least one recorded outcome.
func (t *Tracker) Platforms() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.logs))
	for p := range t.logs {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// Compact drops outcomes older than before and returns how many were removed.
// The trailing failure run is always kept so ConsecutiveFailures is unchanged.
func (t *Tracker) Compact(before time.Time) int {
	t.mu.RLock()
	logs := make([]*platformLog, 0, len(t.logs))
	for _, l := range t.logs {
		logs = append(logs, l)
	}
	t.mu.RUnlock()

	removed := 0
	for _, l := range logs {
		l.mu.Lock()
		keepFrom := len(l.events) - trailingFailures(l.events)
		cut := sort.Search(len(l.events), func(i int) bool { return !l.events[i].At.Before(before) })
		if cut > keepFrom {
			cut = keepFrom
		}
		if cut > 0 {
			l.events = slices.Clone(l.events[cut:])
			removed += cut
		}
		l.mu.Unlock()
	}
	return removed
}

func trailingFailures(events []Outcome) int {
	n := 0
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Success {
			break
		}
		n++
	}
	return n
}

func histogram(counts map[string]int, size int) []crawler.ErrorCount {
	out := make([]crawler.ErrorCount, 0, len(counts))
	for msg, c := range counts {
		out = append(out, crawler.ErrorCount{Message: msg, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Message < out[j].Message
	})
	if len(out) > size {
		out = out[:size]
	}
	return out
}

var (
	digitRun   = regexp.MustCompile(`[0-9]+`)
	whitespace = regexp.MustCompile(`\s+`)
)

// Normalize folds an error message into its histogram bucket: trimmed,
// lower-cased, whitespace collapsed, digit runs replaced by '#', and
// truncated to 200 runes.
func Normalize(msg string) string {
	msg = strings.ToLower(strings.TrimSpace(msg))
	msg = whitespace.ReplaceAllString(msg, " ")
	msg = digitRun.ReplaceAllString(msg, "#")
	if r := []rune(msg); len(r) > maxMessageRunes {
		msg = string(r[:maxMessageRunes])
	}
	if msg == "" {
		return "unknown error"
	}
	return msg
}
