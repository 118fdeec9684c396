package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"sinkhole/pkg/storage"
)

const storageTimeout = 5 * time.Second

// handleHealthz answers the liveness probe. The process being able to
// answer is the whole check.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// handleReadyz answers the readiness probe: ready only when the DNS
// listener is up and the query log, if enabled, responds to a ping.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	ready := true

	if s.dns != nil && s.dns.IsRunning() {
		checks["dns"] = "ok"
	} else {
		checks["dns"] = "not running"
		ready = false
	}

	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), storageTimeout)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			checks["storage"] = err.Error()
			ready = false
		} else {
			checks["storage"] = "ok"
		}
	}

	status := http.StatusOK
	resp := ReadinessResponse{Status: "ready", Checks: checks}
	if !ready {
		status = http.StatusServiceUnavailable
		resp.Status = "not_ready"
	}
	s.writeJSON(w, status, resp)
}

// handleStatus handles GET /api/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Status:   "ok",
		Version:  s.version,
		Uptime:   s.uptime(),
		QueryLog: s.store != nil,
	}
	if s.policy != nil {
		resp.BannedDomains = len(s.policy.Banned)
		resp.BannedMode = string(s.policy.BannedMode)
		resp.OverlayA = len(s.policy.ARecords)
		resp.OverlayCNAME = len(s.policy.CNAMERecords)
		resp.Fallback = string(s.policy.Fallback)
		resp.Upstream = s.policy.Upstream
		resp.SelfIP = s.policy.SelfIP
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleQueries handles GET /api/queries. Filters: ?name= or ?client=
// (mutually exclusive, name wins), ?limit=, ?offset=.
func (s *Server) handleQueries(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "query log not enabled")
		return
	}

	limit := parseIntParam(r, "limit", 100, 1, 1000)
	offset := parseIntParam(r, "offset", 0, 0, 1<<30)

	ctx, cancel := context.WithTimeout(r.Context(), storageTimeout)
	defer cancel()

	var (
		rows []*storage.QueryLog
		err  error
	)
	switch {
	case r.URL.Query().Get("name") != "":
		rows, err = s.store.GetQueriesByName(ctx, r.URL.Query().Get("name"), limit)
	case r.URL.Query().Get("client") != "":
		rows, err = s.store.GetQueriesByClient(ctx, r.URL.Query().Get("client"), limit)
	default:
		rows, err = s.store.GetRecentQueries(ctx, limit, offset)
	}
	if err != nil {
		s.logger.Error("failed to read query log", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read query log")
		return
	}

	entries := make([]QueryEntry, 0, len(rows))
	for _, q := range rows {
		entries = append(entries, convertQueryLog(q))
	}
	s.writeJSON(w, http.StatusOK, QueriesResponse{
		Queries: entries,
		Count:   len(entries),
		Limit:   limit,
		Offset:  offset,
	})
}

// handleStats handles GET /api/stats. ?since= takes a Go duration,
// default 24h; ?decision= filters the top-names ranking.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "query log not enabled")
		return
	}

	window := parseSince(r.URL.Query().Get("since"), 24*time.Hour)

	ctx, cancel := context.WithTimeout(r.Context(), storageTimeout)
	defer cancel()

	stats, err := s.store.GetStats(ctx, time.Now().Add(-window))
	if err != nil {
		s.logger.Error("failed to aggregate query log", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to aggregate query log")
		return
	}

	top, err := s.store.GetTopNames(ctx, parseIntParam(r, "top", 10, 1, 100), r.URL.Query().Get("decision"))
	if err != nil {
		s.logger.Error("failed to rank query names", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to rank query names")
		return
	}

	topNames := make([]TopNameEntry, 0, len(top))
	for _, n := range top {
		topNames = append(topNames, convertNameCount(n))
	}

	s.writeJSON(w, http.StatusOK, StatsResponse{
		Period:        window.String(),
		TotalQueries:  stats.TotalQueries,
		BannedQueries: stats.BannedQueries,
		UniqueNames:   stats.UniqueNames,
		UniqueClients: stats.UniqueClients,
		AvgDurationMs: stats.AvgDurationMs,
		ByDecision:    stats.ByDecision,
		TopNames:      topNames,
		Timestamp:     time.Now().Format(time.RFC3339),
	})
}

func parseIntParam(r *http.Request, name string, def, min, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < min || v > max {
		return def
	}
	return v
}
