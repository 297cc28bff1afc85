package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// RuleStore implements crawler.RuleSource on the keyword_rules table.
type RuleStore struct {
	db DB
}

// NewRuleStore wraps db.
func NewRuleStore(db DB) *RuleStore {
	return &RuleStore{db: db}
}

// Rules returns every rule ordered by ID.
func (s *RuleStore) Rules(ctx context.Context) ([]crawler.KeywordRule, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, keywords, platforms, job_types, priority,
			max_posts_per_hour, crawl_interval_minutes, active
		FROM keyword_rules
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list keyword rules: %w", err)
	}
	defer rows.Close()

	var rules []crawler.KeywordRule
	for rows.Next() {
		var (
			r        crawler.KeywordRule
			priority string
		)
		if err := rows.Scan(
			&r.ID,
			&r.Name,
			&r.Keywords,
			&r.Platforms,
			&r.JobTypes,
			&priority,
			&r.MaxPostsPerHour,
			&r.CrawlIntervalMinutes,
			&r.Active,
		); err != nil {
			return nil, fmt.Errorf("scan keyword rule: %w", err)
		}
		r.Priority = crawler.Priority(priority)
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keyword rules: %w", err)
	}
	return rules, nil
}

// UpsertRule inserts or replaces a rule.
func (s *RuleStore) UpsertRule(ctx context.Context, r crawler.KeywordRule) error {
	if r.ID == "" {
		return crawler.Configf("keyword rule id is required")
	}
	if !r.Priority.Valid() {
		return crawler.Configf("keyword rule %s has unknown priority %q", r.ID, r.Priority)
	}
	jobTypes := r.JobTypes
	if jobTypes == nil {
		jobTypes = []string{}
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO keyword_rules (id, name, keywords, platforms, job_types, priority,
			max_posts_per_hour, crawl_interval_minutes, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
			keywords = EXCLUDED.keywords,
			platforms = EXCLUDED.platforms,
			job_types = EXCLUDED.job_types,
			priority = EXCLUDED.priority,
			max_posts_per_hour = EXCLUDED.max_posts_per_hour,
			crawl_interval_minutes = EXCLUDED.crawl_interval_minutes,
			active = EXCLUDED.active`,
		r.ID, r.Name, r.Keywords, r.Platforms, jobTypes, string(r.Priority),
		r.MaxPostsPerHour, r.CrawlIntervalMinutes, r.Active)
	if err != nil {
		return fmt.Errorf("upsert keyword rule %s: %w", r.ID, err)
	}
	return nil
}
