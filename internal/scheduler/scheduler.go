// Package scheduler decides which crawl units are due for a dispatch request.
package scheduler

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// Request asks the scheduler for a plan.
type Request struct {
	Mode Mode
	// Platforms restricts the plan to the named platforms; empty means all.
	Platforms []string
	// Force ignores NextRunAt for scheduled and priority modes.
	Force bool
}

// DueUnit is one key the dispatcher should start.
type DueUnit struct {
	Key      crawler.JobKey   `json:"key"`
	Priority crawler.Priority `json:"priority"`
	Overdue  time.Duration    `json:"overdue"`
	Keywords []string         `json:"keywords,omitempty"`
	// MaxPosts is the post budget for the run; zero means unlimited.
	MaxPosts int              `json:"max_posts"`
	Pool     crawler.PoolKind `json:"pool"`
	// Previous is the state observed while planning.
	Previous crawler.JobState `json:"-"`
}

// Plan is the ordered result of ComputeDueUnits.
type Plan struct {
	Units   []DueUnit      `json:"units"`
	Skipped []crawler.Skip `json:"skipped"`
}

// LimitChecker reports whether an endpoint window is spent.
type LimitChecker interface {
	IsLimited(ctx context.Context, platform, endpoint string) (bool, time.Time, error)
}

// Scheduler computes due units from job states, rate limits and rules.
type Scheduler struct {
	catalog *crawler.Catalog
	states  crawler.JobStateStore
	limits  LimitChecker
	rules   crawler.RuleSource
	clock   crawler.Clock
	logger  *zap.Logger
}

// New constructs a Scheduler.
func New(
	catalog *crawler.Catalog,
	states crawler.JobStateStore,
	limits LimitChecker,
	rules crawler.RuleSource,
	clock crawler.Clock,
	logger *zap.Logger,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		catalog: catalog,
		states:  states,
		limits:  limits,
		rules:   rules,
		clock:   clock,
		logger:  logger.Named("scheduler"),
	}
}

// candidate is a key selected by the mode before state checks. dueEvery is
// the rule-driven cadence used by priority mode; zero means NextRunAt decides.
type candidate struct {
	key      crawler.JobKey
	dueEvery time.Duration
}

// ComputeDueUnits returns the units to start and the keys skipped, ordered by
// priority, then overdue duration, then key.
func (s *Scheduler) ComputeDueUnits(ctx context.Context, req Request) (Plan, error) {
	if req.Mode == nil {
		req.Mode = Scheduled{}
	}
	allowed, err := s.platformFilter(req.Platforms)
	if err != nil {
		return Plan{}, err
	}
	all, err := s.rules.Rules(ctx)
	if err != nil {
		return Plan{}, fmt.Errorf("load keyword rules: %w", err)
	}
	active := crawler.ActiveRules(all)

	var cands []candidate
	switch m := req.Mode.(type) {
	case Scheduled, Batch:
		cands = s.enabledKeys(allowed)
	case Priority:
		cands, err = s.priorityKeys(m, all, active, allowed)
	case Realtime:
		cands, err = s.realtimeKey(m)
	default:
		err = crawler.Configf("unsupported dispatch mode %T", req.Mode)
	}
	if err != nil {
		return Plan{}, err
	}

	now := s.clock.Now()
	plan := Plan{Units: []DueUnit{}, Skipped: []crawler.Skip{}}
	for _, c := range cands {
		unit, skip, err := s.evaluate(ctx, req, c, active, now)
		if err != nil {
			return Plan{}, err
		}
		if skip != nil {
			plan.Skipped = append(plan.Skipped, *skip)
			continue
		}
		plan.Units = append(plan.Units, unit)
	}
	slices.SortStableFunc(plan.Units, func(a, b DueUnit) int {
		return cmp.Or(
			cmp.Compare(b.Priority.Rank(), a.Priority.Rank()),
			cmp.Compare(b.Overdue, a.Overdue),
			cmp.Compare(a.Key.String(), b.Key.String()),
		)
	})
	s.logger.Debug("plan computed",
		zap.String("mode", req.Mode.Name()),
		zap.Int("units", len(plan.Units)),
		zap.Int("skipped", len(plan.Skipped)),
	)
	return plan, nil
}

func (s *Scheduler) platformFilter(names []string) (map[string]bool, error) {
	if len(names) == 0 {
		return nil, nil
	}
	allowed := make(map[string]bool, len(names))
	for _, name := range names {
		if _, err := s.catalog.RequirePlatform(name); err != nil {
			return nil, err
		}
		allowed[name] = true
	}
	return allowed, nil
}

func permitted(allowed map[string]bool, platform string) bool {
	return allowed == nil || allowed[platform]
}

func (s *Scheduler) enabledKeys(allowed map[string]bool) []candidate {
	var out []candidate
	for _, key := range s.catalog.Keys() {
		if permitted(allowed, key.Platform) {
			out = append(out, candidate{key: key})
		}
	}
	return out
}

func (s *Scheduler) priorityKeys(
	m Priority,
	all []crawler.KeywordRule,
	active []crawler.KeywordRule,
	allowed map[string]bool,
) ([]candidate, error) {
	var selected []crawler.KeywordRule
	if len(m.RuleIDs) == 0 {
		for _, r := range active {
			if r.Priority.Rank() >= crawler.PriorityHigh.Rank() {
				selected = append(selected, r)
			}
		}
	} else {
		for _, id := range m.RuleIDs {
			i := slices.IndexFunc(all, func(r crawler.KeywordRule) bool { return r.ID == id })
			if i < 0 {
				return nil, crawler.Configf("unknown keyword rule %q", id)
			}
			if !all[i].Active {
				return nil, crawler.Configf("keyword rule %q is inactive", id)
			}
			selected = append(selected, all[i])
		}
	}

	byKey := make(map[crawler.JobKey]time.Duration)
	for _, key := range s.catalog.Keys() {
		if !permitted(allowed, key.Platform) {
			continue
		}
		for _, r := range selected {
			if !r.Covers(key) {
				continue
			}
			every, seen := byKey[key]
			iv := r.CrawlInterval()
			switch {
			case !seen:
				byKey[key] = iv
			case iv > 0 && (every == 0 || iv < every):
				byKey[key] = iv
			}
		}
	}
	out := make([]candidate, 0, len(byKey))
	for key, every := range byKey {
		out = append(out, candidate{key: key, dueEvery: every})
	}
	slices.SortFunc(out, func(a, b candidate) int { return cmp.Compare(a.key.String(), b.key.String()) })
	return out, nil
}

func (s *Scheduler) realtimeKey(m Realtime) ([]candidate, error) {
	p, err := s.catalog.RequirePlatform(m.Platform)
	if err != nil {
		return nil, err
	}
	if !p.Enabled {
		return nil, crawler.Configf("platform %q is disabled", m.Platform)
	}
	jobType := m.JobType
	if jobType == "" {
		jobType = p.JobTypes[0].Name
	}
	key := crawler.JobKey{Platform: p.Name, JobType: jobType}
	if _, ok := s.catalog.Interval(key); !ok {
		return nil, crawler.Configf("platform %q has no job type %q", p.Name, jobType)
	}
	return []candidate{{key: key}}, nil
}

// evaluate applies the common skip rules to one candidate. Only configuration
// errors are returned; per-key store failures become skips.
func (s *Scheduler) evaluate(
	ctx context.Context,
	req Request,
	c candidate,
	active []crawler.KeywordRule,
	now time.Time,
) (DueUnit, *crawler.Skip, error) {
	key := c.key
	st, err := s.states.Ensure(ctx, key)
	if err != nil {
		s.logger.Warn("job state unavailable", zap.String("key", key.String()), zap.Error(err))
		return DueUnit{}, &crawler.Skip{Key: key, Reason: crawler.SkipStoreError, Detail: err.Error()}, nil
	}
	if st.Status == crawler.JobStatusRunning {
		return DueUnit{}, &crawler.Skip{Key: key, Reason: crawler.SkipAlreadyRunning}, nil
	}

	p, _ := s.catalog.Platform(key.Platform)
	limited, resetAt, err := s.limits.IsLimited(ctx, key.Platform, p.PrimaryEndpoint)
	if err != nil {
		if crawler.IsConfigurationError(err) {
			return DueUnit{}, nil, err
		}
		s.logger.Warn("rate-limit state unavailable", zap.String("key", key.String()), zap.Error(err))
		return DueUnit{}, &crawler.Skip{Key: key, Reason: crawler.SkipStoreError, Detail: err.Error()}, nil
	}
	if limited {
		return DueUnit{}, &crawler.Skip{
			Key:    key,
			Reason: crawler.SkipRateLimited,
			Until:  resetAt,
			Detail: fmt.Sprintf("%s resets at %s", p.PrimaryEndpoint, resetAt.Format(time.RFC3339)),
		}, nil
	}

	dueAt, due := dueTime(req, c, st, now)
	if !due {
		return DueUnit{}, &crawler.Skip{
			Key:    key,
			Reason: crawler.SkipNotDue,
			Until:  dueAt,
			Detail: "next run at " + dueAt.Format(time.RFC3339),
		}, nil
	}

	unit := DueUnit{
		Key:      key,
		Priority: crawler.PriorityLow,
		Pool:     PoolFor(req.Mode),
		Previous: st,
	}
	if now.After(dueAt) {
		unit.Overdue = now.Sub(dueAt)
	}
	s.applyRules(&unit, active)
	if rt, ok := req.Mode.(Realtime); ok && len(rt.Keywords) > 0 {
		unit.Keywords = slices.Clone(rt.Keywords)
	}
	return unit, nil, nil
}

// dueTime returns when the candidate became (or becomes) due and whether it
// is due now.
func dueTime(req Request, c candidate, st crawler.JobState, now time.Time) (time.Time, bool) {
	switch req.Mode.(type) {
	case Realtime, Batch:
		return now, true
	}
	dueAt := st.NextRunAt
	if c.dueEvery > 0 {
		dueAt = st.LastRunAt.Add(c.dueEvery)
		if st.LastRunAt.IsZero() {
			dueAt = time.Time{}
		}
	}
	if req.Force {
		return dueAt, true
	}
	if c.dueEvery > 0 {
		return dueAt, !now.Before(dueAt)
	}
	return dueAt, st.IsOverdue(now)
}

// applyRules derives priority, keywords and the post budget from the active
// rules covering the unit.
func (s *Scheduler) applyRules(unit *DueUnit, active []crawler.KeywordRule) {
	interval, _ := s.catalog.Interval(unit.Key)
	minPerHour := 0
	for _, r := range active {
		if !r.Covers(unit.Key) {
			continue
		}
		if r.Priority.Rank() > unit.Priority.Rank() {
			unit.Priority = r.Priority
		}
		for _, kw := range r.Keywords {
			if !slices.Contains(unit.Keywords, kw) {
				unit.Keywords = append(unit.Keywords, kw)
			}
		}
		if r.MaxPostsPerHour > 0 && (minPerHour == 0 || r.MaxPostsPerHour < minPerHour) {
			minPerHour = r.MaxPostsPerHour
		}
	}
	if minPerHour > 0 && interval > 0 {
		unit.MaxPosts = max(1, int(math.Ceil(float64(minPerHour)*interval.Hours())))
	}
}
