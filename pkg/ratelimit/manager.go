// Package ratelimit enforces per-client query rate limiting using token
// buckets keyed by source address.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"sinkhole/pkg/config"
	"sinkhole/pkg/logging"
)

const (
	cleanupInterval = 3 * time.Minute
	idleLifetime    = 5 * time.Minute

	// maxTrackedClients bounds limiter memory under source-address churn.
	maxTrackedClients = 65536
)

// Manager hands out a token bucket per client address. A nil *Manager
// allows every query.
type Manager struct {
	qps    rate.Limit
	burst  int
	logger *logging.Logger

	mu      sync.Mutex
	clients map[string]*clientLimiter

	stopCh chan struct{}
	now    func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewManager creates a rate limit manager when rate limiting is enabled,
// nil otherwise.
func NewManager(cfg *config.RateLimitConfig, logger *logging.Logger) *Manager {
	if cfg == nil || !cfg.Enabled {
		return nil
	}

	m := &Manager{
		qps:     rate.Limit(cfg.QPS),
		burst:   cfg.Burst,
		logger:  logger,
		clients: make(map[string]*clientLimiter, 128),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}

	go m.cleanupLoop()

	logger.Info("rate limiting enabled", "qps", cfg.QPS, "burst", cfg.Burst)
	return m
}

// Allow reports whether the client may proceed with another query.
func (m *Manager) Allow(clientIP string) bool {
	if m == nil || clientIP == "" {
		return true
	}

	m.mu.Lock()
	entry, ok := m.clients[clientIP]
	if !ok {
		if len(m.clients) >= maxTrackedClients {
			m.evictOldestLocked()
		}
		entry = &clientLimiter{limiter: rate.NewLimiter(m.qps, m.burst)}
		m.clients[clientIP] = entry
	}
	entry.lastSeen = m.now()
	m.mu.Unlock()

	return entry.limiter.Allow()
}

// Stop terminates the background cleanup goroutine.
func (m *Manager) Stop() {
	if m == nil {
		return
	}
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
}

func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanup()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) cleanup() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	for ip, entry := range m.clients {
		if now.Sub(entry.lastSeen) > idleLifetime {
			delete(m.clients, ip)
		}
	}
}

func (m *Manager) evictOldestLocked() {
	var oldestIP string
	var oldestTime time.Time
	first := true

	for ip, entry := range m.clients {
		if first || entry.lastSeen.Before(oldestTime) {
			oldestIP = ip
			oldestTime = entry.lastSeen
			first = false
		}
	}

	if oldestIP != "" {
		delete(m.clients, oldestIP)
	}
}

// TrackedClients returns the number of client buckets currently held.
func (m *Manager) TrackedClients() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}
