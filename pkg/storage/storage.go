// Package storage persists the DNS query log to SQLite and answers the
// aggregate questions the admin API asks of it.
package storage

import (
	"context"
	"time"
)

// Store is the query log surface consumed by the DNS handler and the
// admin API. Implementations must be safe for concurrent use.
type Store interface {
	LogQuery(ctx context.Context, entry *QueryLog) error
	GetRecentQueries(ctx context.Context, limit, offset int) ([]*QueryLog, error)
	GetQueriesByName(ctx context.Context, name string, limit int) ([]*QueryLog, error)
	GetQueriesByClient(ctx context.Context, clientIP string, limit int) ([]*QueryLog, error)
	GetStats(ctx context.Context, since time.Time) (*Stats, error)
	GetTopNames(ctx context.Context, limit int, decision string) ([]*NameCount, error)
	Cleanup(ctx context.Context, olderThan time.Time) error
	Ping(ctx context.Context) error
	Close() error
}

// QueryLog is one resolved query as recorded by the DNS handler.
type QueryLog struct {
	Timestamp    time.Time `json:"timestamp"`
	ClientIP     string    `json:"client_ip"`
	Name         string    `json:"name"`
	QueryType    string    `json:"query_type"`
	Decision     string    `json:"decision"`
	Upstream     string    `json:"upstream,omitempty"`
	ID           int64     `json:"id"`
	ResponseCode int       `json:"response_code"`
	DurationMs   float64   `json:"duration_ms"`
}

// Stats aggregates the query log over a time window.
type Stats struct {
	Since         time.Time        `json:"since"`
	Until         time.Time        `json:"until"`
	ByDecision    map[string]int64 `json:"by_decision"`
	TotalQueries  int64            `json:"total_queries"`
	BannedQueries int64            `json:"banned_queries"`
	UniqueNames   int64            `json:"unique_names"`
	UniqueClients int64            `json:"unique_clients"`
	AvgDurationMs float64          `json:"avg_duration_ms"`
}

// NameCount is a query-count ranking entry for a single name.
type NameCount struct {
	LastQueried time.Time `json:"last_queried"`
	Name        string    `json:"name"`
	Count       int64     `json:"count"`
}

// MetricsRecorder lets storage report dropped log entries without
// importing the telemetry package.
type MetricsRecorder interface {
	AddDroppedQuery(ctx context.Context, count int64)
}
