package api

import (
	"time"

	"sinkhole/pkg/storage"
)

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// HealthResponse answers the liveness probe.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadinessResponse answers the readiness probe with per-component checks.
type ReadinessResponse struct {
	Status string            `json:"status"` // ready or not_ready
	Checks map[string]string `json:"checks"`
}

// StatusResponse summarizes the running process and its compiled policy.
type StatusResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Uptime        string `json:"uptime"`
	BannedDomains int    `json:"banned_domains"`
	BannedMode    string `json:"banned_mode"`
	OverlayA      int    `json:"overlay_a_records"`
	OverlayCNAME  int    `json:"overlay_cname_records"`
	Fallback      string `json:"fallback"`
	Upstream      string `json:"upstream"`
	SelfIP        string `json:"self_ip"`
	QueryLog      bool   `json:"query_log"`
}

// QueryEntry is one query log row in API form.
type QueryEntry struct {
	ID         int64   `json:"id"`
	Timestamp  string  `json:"timestamp"` // RFC 3339
	ClientIP   string  `json:"client_ip"`
	Name       string  `json:"name"`
	QueryType  string  `json:"query_type"`
	Decision   string  `json:"decision"`
	Rcode      int     `json:"rcode"`
	DurationMs float64 `json:"duration_ms"`
	Upstream   string  `json:"upstream,omitempty"`
}

// QueriesResponse is a page of query log rows.
type QueriesResponse struct {
	Queries []QueryEntry `json:"queries"`
	Count   int          `json:"count"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
}

// TopNameEntry is one row of the most-queried-names ranking.
type TopNameEntry struct {
	Name        string `json:"name"`
	Count       int64  `json:"count"`
	LastQueried string `json:"last_queried"` // RFC 3339
}

// StatsResponse aggregates the query log over a window.
type StatsResponse struct {
	Period        string           `json:"period"`
	TotalQueries  int64            `json:"total_queries"`
	BannedQueries int64            `json:"banned_queries"`
	UniqueNames   int64            `json:"unique_names"`
	UniqueClients int64            `json:"unique_clients"`
	AvgDurationMs float64          `json:"avg_duration_ms"`
	ByDecision    map[string]int64 `json:"by_decision"`
	TopNames      []TopNameEntry   `json:"top_names"`
	Timestamp     string           `json:"timestamp"` // RFC 3339
}

// SystemResponse reports host resource usage of the process.
type SystemResponse struct {
	CPUPercent   float64 `json:"cpu_percent"`
	MemUsedBytes uint64  `json:"mem_used_bytes"`
	MemTotal     uint64  `json:"mem_total_bytes"`
	MemPercent   float64 `json:"mem_percent"`
	TemperatureC float64 `json:"temperature_c,omitempty"`
	Goroutines   int     `json:"goroutines"`
	GoVersion    string  `json:"go_version"`
}

func convertQueryLog(q *storage.QueryLog) QueryEntry {
	return QueryEntry{
		ID:         q.ID,
		Timestamp:  q.Timestamp.Format(time.RFC3339),
		ClientIP:   q.ClientIP,
		Name:       q.Name,
		QueryType:  q.QueryType,
		Decision:   q.Decision,
		Rcode:      q.ResponseCode,
		DurationMs: q.DurationMs,
		Upstream:   q.Upstream,
	}
}

func convertNameCount(n *storage.NameCount) TopNameEntry {
	return TopNameEntry{
		Name:        n.Name,
		Count:       n.Count,
		LastQueried: n.LastQueried.Format(time.RFC3339),
	}
}
