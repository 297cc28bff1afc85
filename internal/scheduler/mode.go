package scheduler

import (
	"strings"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// Mode selects which units a dispatch considers. The set of modes is closed:
// Scheduled, Priority, Realtime and Batch.
type Mode interface {
	// Name is the stable lowercase identifier of the mode.
	Name() string
	sealed()
}

// Scheduled considers every overdue key of every enabled platform.
type Scheduled struct{}

// Priority considers the keys covered by the listed rules, or by every active
// high and critical rule when RuleIDs is empty.
type Priority struct {
	RuleIDs []string
}

// Realtime runs exactly one key now, ignoring its schedule.
type Realtime struct {
	Platform string
	// JobType defaults to the platform's first configured job type.
	JobType  string
	Keywords []string
}

// Batch runs every enabled key on the batch pool regardless of schedule.
type Batch struct{}

// Mode names.
const (
	ModeScheduled = "scheduled"
	ModePriority  = "priority"
	ModeRealtime  = "realtime"
	ModeBatch     = "batch"
)

func (Scheduled) Name() string { return ModeScheduled }
func (Priority) Name() string  { return ModePriority }
func (Realtime) Name() string  { return ModeRealtime }
func (Batch) Name() string     { return ModeBatch }

func (Scheduled) sealed() {}
func (Priority) sealed()  {}
func (Realtime) sealed()  {}
func (Batch) sealed()     {}

// ModeOptions carries the mode-specific parameters accepted by ParseMode.
type ModeOptions struct {
	RuleIDs  []string
	Platform string
	JobType  string
	Keywords []string
}

// ParseMode builds a Mode from its name. An empty name means scheduled.
func ParseMode(name string, opts ModeOptions) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", ModeScheduled:
		return Scheduled{}, nil
	case ModePriority:
		return Priority{RuleIDs: opts.RuleIDs}, nil
	case ModeRealtime:
		if opts.Platform == "" {
			return nil, crawler.Configf("realtime mode requires a platform")
		}
		return Realtime{Platform: opts.Platform, JobType: opts.JobType, Keywords: opts.Keywords}, nil
	case ModeBatch:
		return Batch{}, nil
	default:
		return nil, crawler.Configf("unknown dispatch mode %q", name)
	}
}

// PoolFor returns the worker pool a mode submits to.
func PoolFor(m Mode) crawler.PoolKind {
	if _, ok := m.(Batch); ok {
		return crawler.PoolBatch
	}
	return crawler.PoolStandard
}
