// Package memory provides in-process store implementations for development
// and single-instance deployments.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// JobStateStore keeps one JobState per key in a mutex-guarded map.
type JobStateStore struct {
	mu     sync.Mutex
	states map[crawler.JobKey]crawler.JobState
}

// NewJobStateStore constructs an empty JobStateStore.
func NewJobStateStore() *JobStateStore {
	return &JobStateStore{states: make(map[crawler.JobKey]crawler.JobState)}
}

func (s *JobStateStore) ensureLocked(key crawler.JobKey) crawler.JobState {
	st, ok := s.states[key]
	if !ok {
		st = crawler.JobState{Platform: key.Platform, JobType: key.JobType, Status: crawler.JobStatusIdle}
		s.states[key] = st
	}
	return st
}

// Ensure implements crawler.JobStateStore.
func (s *JobStateStore) Ensure(_ context.Context, key crawler.JobKey) (crawler.JobState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureLocked(key), nil
}

// Get implements crawler.JobStateStore.
func (s *JobStateStore) Get(_ context.Context, key crawler.JobKey) (crawler.JobState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[key]
	if !ok {
		return crawler.JobState{}, crawler.ErrNotFound
	}
	return st, nil
}

// List implements crawler.JobStateStore.
func (s *JobStateStore) List(_ context.Context) ([]crawler.JobState, error) {
	s.mu.Lock()
	out := make([]crawler.JobState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st)
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b crawler.JobState) int {
		return cmp.Or(cmp.Compare(a.Platform, b.Platform), cmp.Compare(a.JobType, b.JobType))
	})
	return out, nil
}

// TryStart implements crawler.JobStateStore.
func (s *JobStateStore) TryStart(_ context.Context, key crawler.JobKey, at time.Time) (crawler.JobState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.ensureLocked(key)
	if prev.Status == crawler.JobStatusRunning {
		return prev, false, nil
	}
	next := prev
	next.Status = crawler.JobStatusRunning
	next.StartedAt = at
	s.states[key] = next
	return prev, true, nil
}

func (s *JobStateStore) runningLocked(key crawler.JobKey) (crawler.JobState, error) {
	st, ok := s.states[key]
	if !ok {
		return crawler.JobState{}, crawler.ErrNotFound
	}
	if st.Status != crawler.JobStatusRunning {
		return crawler.JobState{}, fmt.Errorf("job %s is %s, not running", key, st.Status)
	}
	return st, nil
}

// MarkSucceeded implements crawler.JobStateStore.
func (s *JobStateStore) MarkSucceeded(
	_ context.Context,
	key crawler.JobKey,
	finishedAt time.Time,
	nextRunAt time.Time,
	posts int64,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.runningLocked(key)
	if err != nil {
		return err
	}
	st.Status = crawler.JobStatusIdle
	st.LastRunAt = finishedAt
	st.NextRunAt = nextRunAt
	st.PostsCollected += max(0, posts)
	st.LastErrorMessage = ""
	s.states[key] = st
	return nil
}

// MarkFailed implements crawler.JobStateStore.
func (s *JobStateStore) MarkFailed(
	_ context.Context,
	key crawler.JobKey,
	finishedAt time.Time,
	nextRunAt time.Time,
	errText string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.runningLocked(key)
	if err != nil {
		return err
	}
	st.Status = crawler.JobStatusFailed
	st.LastRunAt = finishedAt
	st.NextRunAt = nextRunAt
	st.LastErrorMessage = errText
	s.states[key] = st
	return nil
}

// Release implements crawler.JobStateStore.
func (s *JobStateStore) Release(_ context.Context, key crawler.JobKey, previous crawler.JobState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.runningLocked(key)
	if err != nil {
		return err
	}
	st.Status = previous.Status
	if st.Status == crawler.JobStatusRunning || !st.Status.Valid() {
		st.Status = crawler.JobStatusIdle
	}
	st.StartedAt = previous.StartedAt
	st.LastRunAt = previous.LastRunAt
	st.NextRunAt = previous.NextRunAt
	s.states[key] = st
	return nil
}

// ReclaimStale implements crawler.JobStateStore.
func (s *JobStateStore) ReclaimStale(_ context.Context, startedBefore time.Time) ([]crawler.JobKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []crawler.JobKey
	for key, st := range s.states {
		if st.Status != crawler.JobStatusRunning || !st.StartedAt.Before(startedBefore) {
			continue
		}
		st.Status = crawler.JobStatusFailed
		st.LastErrorMessage = crawler.AbandonedRunMessage
		s.states[key] = st
		keys = append(keys, key)
	}
	slices.SortFunc(keys, func(a, b crawler.JobKey) int {
		return cmp.Compare(a.String(), b.String())
	})
	return keys, nil
}
