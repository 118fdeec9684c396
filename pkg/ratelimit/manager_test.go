package ratelimit

import (
	"testing"
	"time"

	"sinkhole/pkg/config"
	"sinkhole/pkg/logging"
)

func TestManagerAllow(t *testing.T) {
	cfg := &config.RateLimitConfig{Enabled: true, QPS: 1, Burst: 1}
	mgr := NewManager(cfg, logging.NewDiscard())
	if mgr == nil {
		t.Fatal("expected manager instance")
	}
	defer mgr.Stop()

	if !mgr.Allow("192.168.1.1") {
		t.Fatal("first request should be allowed")
	}
	if mgr.Allow("192.168.1.1") {
		t.Fatal("second request immediately after should be limited")
	}
}

func TestManagerClientsIndependent(t *testing.T) {
	cfg := &config.RateLimitConfig{Enabled: true, QPS: 1, Burst: 1}
	mgr := NewManager(cfg, logging.NewDiscard())
	defer mgr.Stop()

	if !mgr.Allow("10.0.0.1") {
		t.Fatal("first client should be allowed")
	}
	if !mgr.Allow("10.0.0.2") {
		t.Fatal("second client has its own bucket and should be allowed")
	}
	if mgr.TrackedClients() != 2 {
		t.Errorf("TrackedClients() = %d, want 2", mgr.TrackedClients())
	}
}

func TestManagerBurst(t *testing.T) {
	cfg := &config.RateLimitConfig{Enabled: true, QPS: 1, Burst: 3}
	mgr := NewManager(cfg, logging.NewDiscard())
	defer mgr.Stop()

	for i := 0; i < 3; i++ {
		if !mgr.Allow("10.0.0.9") {
			t.Fatalf("request %d within burst should be allowed", i+1)
		}
	}
	if mgr.Allow("10.0.0.9") {
		t.Fatal("request beyond burst should be limited")
	}
}

func TestNilManagerAllowsEverything(t *testing.T) {
	var mgr *Manager
	if !mgr.Allow("1.2.3.4") {
		t.Fatal("nil manager should allow")
	}
	mgr.Stop() // must not panic
	if mgr.TrackedClients() != 0 {
		t.Error("nil manager tracks no clients")
	}
}

func TestDisabledConfigReturnsNil(t *testing.T) {
	if mgr := NewManager(&config.RateLimitConfig{Enabled: false, QPS: 5, Burst: 5}, logging.NewDiscard()); mgr != nil {
		t.Fatal("disabled config should produce a nil manager")
	}
	if mgr := NewManager(nil, logging.NewDiscard()); mgr != nil {
		t.Fatal("nil config should produce a nil manager")
	}
}

func TestEmptyClientAllowed(t *testing.T) {
	cfg := &config.RateLimitConfig{Enabled: true, QPS: 1, Burst: 1}
	mgr := NewManager(cfg, logging.NewDiscard())
	defer mgr.Stop()

	if !mgr.Allow("") {
		t.Fatal("unidentifiable client should not be throttled")
	}
}

func TestCleanupPrunesIdleClients(t *testing.T) {
	cfg := &config.RateLimitConfig{Enabled: true, QPS: 1, Burst: 1}
	mgr := NewManager(cfg, logging.NewDiscard())
	defer mgr.Stop()

	base := time.Now()
	mgr.now = func() time.Time { return base }
	mgr.Allow("10.0.0.1")
	mgr.Allow("10.0.0.2")

	// Refresh one client halfway through the idle window.
	mgr.now = func() time.Time { return base.Add(idleLifetime / 2) }
	mgr.Allow("10.0.0.2")

	mgr.now = func() time.Time { return base.Add(idleLifetime + time.Minute) }
	mgr.cleanup()

	if got := mgr.TrackedClients(); got != 1 {
		t.Errorf("TrackedClients() after cleanup = %d, want 1 (only the refreshed client)", got)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	cfg := &config.RateLimitConfig{Enabled: true, QPS: 1, Burst: 1}
	mgr := NewManager(cfg, logging.NewDiscard())
	mgr.Stop()
	mgr.Stop() // second call must not panic
}
