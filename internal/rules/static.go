// Package rules provides keyword rule sources and validation.
package rules

import (
	"context"
	"slices"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// Static serves a fixed rule set loaded from configuration.
type Static struct {
	rules []crawler.KeywordRule
}

// NewStatic validates rules against catalog and returns a Static source.
func NewStatic(rules []crawler.KeywordRule, catalog *crawler.Catalog) (*Static, error) {
	if err := Validate(rules, catalog); err != nil {
		return nil, err
	}
	return &Static{rules: clone(rules)}, nil
}

// Rules implements crawler.RuleSource.
func (s *Static) Rules(context.Context) ([]crawler.KeywordRule, error) {
	return clone(s.rules), nil
}

// Validate checks rule identity, priority and references to configured
// platforms and job types.
func Validate(rules []crawler.KeywordRule, catalog *crawler.Catalog) error {
	seen := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		if r.ID == "" {
			return crawler.Configf("keyword rule %q has no id", r.Name)
		}
		if _, dup := seen[r.ID]; dup {
			return crawler.Configf("keyword rule %s defined twice", r.ID)
		}
		seen[r.ID] = struct{}{}
		if !r.Priority.Valid() {
			return crawler.Configf("keyword rule %s has unknown priority %q", r.ID, r.Priority)
		}
		if len(r.Platforms) == 0 {
			return crawler.Configf("keyword rule %s lists no platforms", r.ID)
		}
		if r.MaxPostsPerHour < 0 || r.CrawlIntervalMinutes < 0 {
			return crawler.Configf("keyword rule %s has a negative budget or interval", r.ID)
		}
		for _, p := range r.Platforms {
			if _, ok := catalog.Platform(p); !ok {
				return crawler.Configf("keyword rule %s references unknown platform %q", r.ID, p)
			}
		}
		for _, jt := range r.JobTypes {
			if !anyPlatformHas(catalog, r.Platforms, jt) {
				return crawler.Configf("keyword rule %s references unknown job type %q", r.ID, jt)
			}
		}
	}
	return nil
}

func anyPlatformHas(catalog *crawler.Catalog, platforms []string, jobType string) bool {
	for _, p := range platforms {
		if _, ok := catalog.Interval(crawler.JobKey{Platform: p, JobType: jobType}); ok {
			return true
		}
	}
	return false
}

func clone(rules []crawler.KeywordRule) []crawler.KeywordRule {
	out := make([]crawler.KeywordRule, len(rules))
	for i, r := range rules {
		r.Keywords = slices.Clone(r.Keywords)
		r.Platforms = slices.Clone(r.Platforms)
		r.JobTypes = slices.Clone(r.JobTypes)
		out[i] = r
	}
	return out
}
