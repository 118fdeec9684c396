package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"sinkhole/pkg/config"
	"sinkhole/pkg/logging"
)

//go:embed migrations/001_initial.sql
var initialSchema string

const (
	// batchSize caps how many buffered entries go into one transaction.
	batchSize = 100

	janitorInterval = time.Hour
	busyTimeoutMs   = 5000
)

// SQLite implements Store on a single SQLite database file.
type SQLite struct {
	db         *sql.DB
	cfg        *config.StorageConfig
	metrics    MetricsRecorder
	logger     *logging.Logger
	buffer     chan *QueryLog
	stmtInsert *sql.Stmt

	wg     sync.WaitGroup
	stopCh chan struct{}
	mu     sync.RWMutex
	closed bool
}

// New opens (or creates) the database, applies migrations, and starts the
// background flush and retention workers.
func New(cfg *config.StorageConfig, metrics MetricsRecorder, logger *logging.Logger) (*SQLite, error) {
	if cfg == nil {
		return nil, ErrInvalidConfig
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	// SQLite performs best over a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if pingErr := db.Ping(); pingErr != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, pingErr)
	}

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeoutMs),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, pragmaErr := db.Exec(pragma); pragmaErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", pragmaErr)
		}
	}

	if migrationErr := runMigrations(db); migrationErr != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", migrationErr)
	}

	stmtInsert, err := db.Prepare(`
		INSERT INTO queries
		(timestamp, client_ip, name, query_type, decision, response_code, duration_ms, upstream)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to prepare insert statement: %w", err)
	}

	s := &SQLite{
		db:         db,
		cfg:        cfg,
		metrics:    metrics,
		logger:     logger,
		buffer:     make(chan *QueryLog, cfg.BufferSize),
		stmtInsert: stmtInsert,
		stopCh:     make(chan struct{}),
	}

	s.wg.Add(1)
	go s.flushWorker()

	if cfg.RetentionDays > 0 {
		s.wg.Add(1)
		go s.janitor()
	}

	logger.Info("query log opened",
		"path", cfg.Path,
		"buffer_size", cfg.BufferSize,
		"retention_days", cfg.RetentionDays,
	)
	return s, nil
}

// LogQuery buffers one entry for the background writer. When the buffer is
// full the entry is dropped and counted rather than blocking the DNS path.
func (s *SQLite) LogQuery(ctx context.Context, entry *QueryLog) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	select {
	case s.buffer <- entry:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		if s.metrics != nil {
			s.metrics.AddDroppedQuery(ctx, 1)
		}
		return ErrBufferFull
	}
}

// flushWorker drains the buffer into batched transactions. It flushes when
// a batch fills or the flush interval elapses, and drains whatever remains
// when the buffer closes on shutdown.
func (s *SQLite) flushWorker() {
	defer s.wg.Done()

	interval := time.Duration(s.cfg.FlushInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]*QueryLog, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.flushBatch(batch); err != nil {
			s.logger.Error("failed to flush query batch",
				"error", err,
				"batch_size", len(batch),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-s.buffer:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (s *SQLite) flushBatch(entries []*QueryLog) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt := tx.Stmt(s.stmtInsert)
	for _, entry := range entries {
		_, err := stmt.Exec(
			entry.Timestamp,
			entry.ClientIP,
			entry.Name,
			entry.QueryType,
			entry.Decision,
			entry.ResponseCode,
			entry.DurationMs,
			nullableString(entry.Upstream),
		)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return nil
}

// janitor enforces the retention window.
func (s *SQLite) janitor() {
	defer s.wg.Done()

	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -s.cfg.RetentionDays)
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			err := s.Cleanup(ctx, cutoff)
			cancel()
			if err != nil && !errors.Is(err, ErrClosed) {
				s.logger.Error("query log retention cleanup failed", "error", err)
			}
		case <-s.stopCh:
			return
		}
	}
}

// GetRecentQueries returns the newest entries with pagination.
func (s *SQLite) GetRecentQueries(ctx context.Context, limit, offset int) ([]*QueryLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, client_ip, name, query_type, decision, response_code, duration_ms, upstream
		FROM queries
		ORDER BY timestamp DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	return scanQueryLogs(rows)
}

// GetQueriesByName returns the newest entries for one queried name.
func (s *SQLite) GetQueriesByName(ctx context.Context, name string, limit int) ([]*QueryLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, client_ip, name, query_type, decision, response_code, duration_ms, upstream
		FROM queries
		WHERE name = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`, strings.ToLower(name), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	return scanQueryLogs(rows)
}

// GetQueriesByClient returns the newest entries from one client address.
func (s *SQLite) GetQueriesByClient(ctx context.Context, clientIP string, limit int) ([]*QueryLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, client_ip, name, query_type, decision, response_code, duration_ms, upstream
		FROM queries
		WHERE client_ip = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`, clientIP, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	return scanQueryLogs(rows)
}

// GetStats aggregates the query log since the given time.
func (s *SQLite) GetStats(ctx context.Context, since time.Time) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	stats := &Stats{
		Since:      since,
		Until:      time.Now(),
		ByDecision: make(map[string]int64),
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) as total,
			COUNT(DISTINCT name) as unique_names,
			COUNT(DISTINCT client_ip) as unique_clients,
			COALESCE(AVG(duration_ms), 0) as avg_duration
		FROM queries
		WHERE timestamp >= ?
	`, since).Scan(
		&stats.TotalQueries,
		&stats.UniqueNames,
		&stats.UniqueClients,
		&stats.AvgDurationMs,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT decision, COUNT(*)
		FROM queries
		WHERE timestamp >= ?
		GROUP BY decision
	`, since)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var decision string
		var count int64
		if err := rows.Scan(&decision, &count); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		stats.ByDecision[decision] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	stats.BannedQueries = stats.ByDecision["banned"]
	return stats, nil
}

// GetTopNames ranks names by query count, optionally restricted to one
// decision ("" ranks across all decisions).
func (s *SQLite) GetTopNames(ctx context.Context, limit int, decision string) ([]*NameCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	if limit <= 0 || limit > 100 {
		limit = 10
	}

	query := `
		SELECT name, COUNT(*) AS total, MAX(timestamp) AS last_raw
		FROM queries
	`
	args := make([]any, 0, 2)
	if decision != "" {
		query += " WHERE decision = ?"
		args = append(args, decision)
	}
	query += `
		GROUP BY name
		ORDER BY total DESC
		LIMIT ?
	`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var names []*NameCount
	for rows.Next() {
		var n NameCount
		var lastRaw sql.NullString
		if err := rows.Scan(&n.Name, &n.Count, &lastRaw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		if lastRaw.Valid {
			n.LastQueried = parseSQLiteTime(lastRaw.String)
		}
		names = append(names, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	return names, nil
}

// Cleanup removes entries older than the given time.
func (s *SQLite) Cleanup(ctx context.Context, olderThan time.Time) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM queries WHERE timestamp < ?
	`, olderThan)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	deleted, _ := result.RowsAffected()
	if deleted > 0 {
		s.logger.Debug("query log cleanup", "deleted", deleted, "older_than", olderThan)
	}

	// Reclaim file space only after a bulk deletion.
	if deleted > 10000 {
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			s.logger.Error("vacuum after cleanup failed", "error", err, "deleted", deleted)
		}
	}

	return nil
}

// Ping checks database reachability.
func (s *SQLite) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	return s.db.PingContext(ctx)
}

// Close drains the buffer, stops the workers, and closes the database.
func (s *SQLite) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.buffer)
	close(s.stopCh)
	s.wg.Wait()

	if s.stmtInsert != nil {
		_ = s.stmtInsert.Close()
	}

	return s.db.Close()
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func scanQueryLogs(rows *sql.Rows) ([]*QueryLog, error) {
	var entries []*QueryLog

	for rows.Next() {
		var q QueryLog
		var upstream sql.NullString

		err := rows.Scan(
			&q.ID,
			&q.Timestamp,
			&q.ClientIP,
			&q.Name,
			&q.QueryType,
			&q.Decision,
			&q.ResponseCode,
			&q.DurationMs,
			&upstream,
		)
		if err != nil {
			return nil, err
		}

		if upstream.Valid {
			q.Upstream = upstream.String
		}

		entries = append(entries, &q)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}
