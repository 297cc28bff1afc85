package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/keywords"
	"github.com/JakeFAU/crawl-orchestrator/internal/scheduler"
)

const (
	defaultKeywordLimit = 10
	maxKeywordLimit     = 500
)

func (s *Server) queueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.svc.QueueStatus(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) taskStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.TaskStatus())
}

func (s *Server) jobStates(w http.ResponseWriter, r *http.Request) {
	states, err := s.svc.JobStates(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": states})
}

func (s *Server) rateLimits(w http.ResponseWriter, r *http.Request) {
	platform := chi.URLParam(r, "platform")
	status, err := s.svc.RateLimitStatus(r.Context(), platform)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"platform": platform, "endpoints": status})
}

func (s *Server) errorStats(w http.ResponseWriter, r *http.Request) {
	hours, err := parseHours(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	stat, err := s.svc.ErrorStats(chi.URLParam(r, "platform"), hours)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stat)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.HealthScore(r.Context(), chi.URLParam(r, "platform"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) topKeywords(w http.ResponseWriter, r *http.Request) {
	hours, err := parseHours(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := defaultKeywordLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(limit, maxKeywordLimit)
	}
	stats, err := s.svc.TopKeywords(r.URL.Query().Get("platform"), hours, limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keywords": stats})
}

func (s *Server) keywordRollup(w http.ResponseWriter, r *http.Request) {
	hours, err := parseHours(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	by, err := keywords.ParseGroupBy(r.URL.Query().Get("by"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	rollup, err := s.svc.KeywordRollup(r.URL.Query().Get("platform"), hours, by)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"by": by, "groups": rollup})
}

type dispatchRequest struct {
	Mode      string   `json:"mode"`
	Platforms []string `json:"platforms"`
	RuleIDs   []string `json:"rule_ids"`
	Force     bool     `json:"force"`
	Platform  string   `json:"platform"`
	JobType   string   `json:"job_type"`
	Keywords  []string `json:"keywords"`
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	mode, err := scheduler.ParseMode(req.Mode, scheduler.ModeOptions{
		RuleIDs:  req.RuleIDs,
		Platform: req.Platform,
		JobType:  req.JobType,
		Keywords: req.Keywords,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	res, err := s.svc.Dispatch(r.Context(), scheduler.Request{
		Mode:      mode,
		Platforms: req.Platforms,
		Force:     req.Force,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) stopPool(w http.ResponseWriter, r *http.Request) {
	kind := crawler.PoolKind(chi.URLParam(r, "pool"))
	stopped, err := s.svc.StopAll(kind)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pool": kind, "stopped": stopped, "paused": true})
}

func (s *Server) resumePool(w http.ResponseWriter, r *http.Request) {
	kind := crawler.PoolKind(chi.URLParam(r, "pool"))
	if err := s.svc.Resume(kind); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pool": kind, "paused": false})
}

// parseHours reads the optional hours query parameter; zero means the
// component default.
func parseHours(r *http.Request) (float64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("hours"))
	if raw == "" {
		return 0, nil
	}
	hours, err := strconv.ParseFloat(raw, 64)
	if err != nil || hours <= 0 {
		return 0, errors.New("invalid hours")
	}
	return hours, nil
}
