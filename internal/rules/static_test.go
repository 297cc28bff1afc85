package rules

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

func testCatalog(t *testing.T) *crawler.Catalog {
	t.Helper()
	c, err := crawler.NewCatalog([]crawler.PlatformSpec{{
		Name:            "reddit",
		Enabled:         true,
		PrimaryEndpoint: "api",
		Endpoints:       []crawler.EndpointSpec{{Name: "api", Limit: 60, Window: time.Minute}},
		JobTypes:        []crawler.JobTypeSpec{{Name: "keyword_search", Interval: 15 * time.Minute}},
	}})
	require.NoError(t, err)
	return c
}

func validRule() crawler.KeywordRule {
	return crawler.KeywordRule{
		ID:        "outages",
		Name:      "Outages",
		Keywords:  []string{"outage", "down"},
		Platforms: []string{"reddit"},
		Priority:  crawler.PriorityCritical,
		Active:    true,
	}
}

func TestStaticReturnsCopies(t *testing.T) {
	t.Parallel()

	src, err := NewStatic([]crawler.KeywordRule{validRule()}, testCatalog(t))
	require.NoError(t, err)

	rules, err := src.Rules(context.Background())
	require.NoError(t, err)
	rules[0].Keywords[0] = "mutated"

	again, err := src.Rules(context.Background())
	require.NoError(t, err)
	require.Equal(t, "outage", again[0].Keywords[0])
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*crawler.KeywordRule)
		errMsg string
	}{
		{name: "missing id", mutate: func(r *crawler.KeywordRule) { r.ID = "" }, errMsg: "has no id"},
		{name: "bad priority", mutate: func(r *crawler.KeywordRule) { r.Priority = "urgent" }, errMsg: "unknown priority"},
		{name: "no platforms", mutate: func(r *crawler.KeywordRule) { r.Platforms = nil }, errMsg: "lists no platforms"},
		{name: "unknown platform", mutate: func(r *crawler.KeywordRule) { r.Platforms = []string{"myspace"} }, errMsg: "unknown platform"},
		{name: "unknown job type", mutate: func(r *crawler.KeywordRule) { r.JobTypes = []string{"dm_scrape"} }, errMsg: "unknown job type"},
		{name: "negative interval", mutate: func(r *crawler.KeywordRule) { r.CrawlIntervalMinutes = -1 }, errMsg: "negative"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := validRule()
			tc.mutate(&r)
			err := Validate([]crawler.KeywordRule{r}, testCatalog(t))
			require.ErrorContains(t, err, tc.errMsg)
			require.True(t, crawler.IsConfigurationError(err))
		})
	}

	dup := []crawler.KeywordRule{validRule(), validRule()}
	require.ErrorContains(t, Validate(dup, testCatalog(t)), "defined twice")
}
