// Package keywords aggregates keyword matches reported by crawl units into
// per-keyword, per-category and per-priority rollups.
package keywords

import (
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// DefaultWindowHours is used when a query passes a non-positive window.
const DefaultWindowHours = 24

// GroupBy selects the rollup dimension.
type GroupBy string

// Rollup dimensions.
const (
	GroupByKeyword  GroupBy = "keyword"
	GroupByCategory GroupBy = "category"
	GroupByPriority GroupBy = "priority"
)

// ParseGroupBy validates a rollup dimension; empty means keyword.
func ParseGroupBy(s string) (GroupBy, error) {
	switch g := GroupBy(s); g {
	case "":
		return GroupByKeyword, nil
	case GroupByKeyword, GroupByCategory, GroupByPriority:
		return g, nil
	default:
		return "", crawler.Configf("unknown rollup dimension %q", s)
	}
}

// Rollup is one aggregated group.
type Rollup struct {
	Group        string `json:"group"`
	PostsMatched int    `json:"posts_matched"`
	TotalMatches int    `json:"total_matches"`
}

// Record is one post's matches as stored in the match log.
type Record struct {
	Platform string                 `json:"platform"`
	PostID   string                 `json:"post_id"`
	At       time.Time              `json:"at"`
	Matches  []crawler.KeywordMatch `json:"matches"`
}

type postKey struct {
	platform string
	postID   string
}

// Aggregator is an append-only, deduplicated store of keyword matches.
type Aggregator struct {
	clock crawler.Clock

	mu      sync.RWMutex
	records []Record
	seen    map[postKey]struct{}
}

// NewAggregator constructs an empty Aggregator.
func NewAggregator(clock crawler.Clock) *Aggregator {
	return &Aggregator{
		clock: clock,
		seen:  make(map[postKey]struct{}),
	}
}

// Record stores the matches of one post at the current time. A post already
// recorded for the platform is ignored and false is returned.
func (a *Aggregator) Record(platform, postID string, matches []crawler.KeywordMatch) bool {
	return a.RecordAt(Record{Platform: platform, PostID: postID, At: a.clock.Now(), Matches: matches})
}

// RecordAt stores a record with an explicit timestamp.
func (a *Aggregator) RecordAt(r Record) bool {
	if r.PostID == "" {
		return false
	}
	key := postKey{platform: r.Platform, postID: r.PostID}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.seen[key]; ok {
		return false
	}
	a.seen[key] = struct{}{}
	r.Matches = slices.Clone(r.Matches)
	n := len(a.records)
	if n == 0 || !r.At.Before(a.records[n-1].At) {
		a.records = append(a.records, r)
		return true
	}
	i := sort.Search(n, func(i int) bool { return a.records[i].At.After(r.At) })
	a.records = slices.Insert(a.records, i, r)
	return true
}

// TopKeywords returns keyword stats for platform ("" = all) over the trailing
// window, sorted by total matches, then posts matched, then keyword.
func (a *Aggregator) TopKeywords(platform string, windowHours float64, limit int) []crawler.KeywordStat {
	stats := make(map[string]*crawler.KeywordStat)
	a.scan(platform, windowHours, func(_ Record, m crawler.KeywordMatch) {
		s, ok := stats[m.Keyword]
		if !ok {
			s = &crawler.KeywordStat{Keyword: m.Keyword, Category: m.Category, Priority: m.Priority}
			stats[m.Keyword] = s
		}
		s.TotalMatches += matchCount(m)
	}, func(r Record) {
		for kw := range distinct(r.Matches, func(m crawler.KeywordMatch) string { return m.Keyword }) {
			stats[kw].PostsMatched++
		}
	})

	out := make([]crawler.KeywordStat, 0, len(stats))
	for _, s := range stats {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		return less(out[i].TotalMatches, out[j].TotalMatches, out[i].PostsMatched, out[j].PostsMatched, out[i].Keyword, out[j].Keyword)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Rollup groups matches by the requested dimension.
func (a *Aggregator) Rollup(platform string, windowHours float64, by GroupBy) ([]Rollup, error) {
	var keyOf func(crawler.KeywordMatch) string
	switch by {
	case GroupByKeyword, "":
		keyOf = func(m crawler.KeywordMatch) string { return m.Keyword }
	case GroupByCategory:
		keyOf = func(m crawler.KeywordMatch) string {
			if m.Category == "" {
				return "uncategorized"
			}
			return m.Category
		}
	case GroupByPriority:
		keyOf = func(m crawler.KeywordMatch) string {
			if m.Priority == "" {
				return string(crawler.PriorityLow)
			}
			return string(m.Priority)
		}
	default:
		return nil, crawler.Configf("unknown rollup dimension %q", by)
	}

	groups := make(map[string]*Rollup)
	a.scan(platform, windowHours, func(_ Record, m crawler.KeywordMatch) {
		g := keyOf(m)
		r, ok := groups[g]
		if !ok {
			r = &Rollup{Group: g}
			groups[g] = r
		}
		r.TotalMatches += matchCount(m)
	}, func(rec Record) {
		for g := range distinct(rec.Matches, keyOf) {
			groups[g].PostsMatched++
		}
	})

	out := make([]Rollup, 0, len(groups))
	for _, r := range groups {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		return less(out[i].TotalMatches, out[j].TotalMatches, out[i].PostsMatched, out[j].PostsMatched, out[i].Group, out[j].Group)
	})
	return out, nil
}

// Compact drops records older than before together with their dedup entries.
func (a *Aggregator) Compact(before time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	cut := sort.Search(len(a.records), func(i int) bool { return !a.records[i].At.Before(before) })
	for _, r := range a.records[:cut] {
		delete(a.seen, postKey{platform: r.Platform, postID: r.PostID})
	}
	a.records = slices.Clone(a.records[cut:])
	return cut
}

// Len returns the number of stored records.
func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.records)
}

func (a *Aggregator) scan(
	platform string,
	windowHours float64,
	onMatch func(Record, crawler.KeywordMatch),
	onPost func(Record),
) {
	if windowHours <= 0 {
		windowHours = DefaultWindowHours
	}
	now := a.clock.Now()
	cutoff := now.Add(-time.Duration(windowHours * float64(time.Hour)))

	a.mu.RLock()
	defer a.mu.RUnlock()
	start := sort.Search(len(a.records), func(i int) bool { return !a.records[i].At.Before(cutoff) })
	for _, r := range a.records[start:] {
		if r.At.After(now) {
			break
		}
		if platform != "" && r.Platform != platform {
			continue
		}
		for _, m := range r.Matches {
			onMatch(r, m)
		}
		onPost(r)
	}
}

func distinct(matches []crawler.KeywordMatch, keyOf func(crawler.KeywordMatch) string) map[string]struct{} {
	out := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		out[keyOf(m)] = struct{}{}
	}
	return out
}

func matchCount(m crawler.KeywordMatch) int {
	if m.MatchCount <= 0 {
		return 1
	}
	return m.MatchCount
}

func less(totalA, totalB, postsA, postsB int, nameA, nameB string) bool {
	if totalA != totalB {
		return totalA > totalB
	}
	if postsA != postsB {
		return postsA > postsB
	}
	return nameA < nameB
}

