package dns

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"

	"sinkhole/pkg/config"
	"sinkhole/pkg/logging"
)

// freeUDPPort grabs a port from the kernel and releases it. The listener
// that follows can lose the race, but in practice it does not.
func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to probe for a free port: %v", err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return port
}

// waitForServer polls the listener with real queries until it answers.
func waitForServer(t *testing.T, addr string) *dns.Msg {
	t.Helper()
	client := &dns.Client{Net: "udp", Timeout: 500 * time.Millisecond}
	q := new(dns.Msg)
	q.SetQuestion("probe.invalid.", dns.TypeA)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp, _, err := client.Exchange(q, addr)
		if err == nil && resp != nil {
			return resp
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("server at %s never answered", addr)
	return nil
}

func startTestServer(t *testing.T, cfg *config.Config, h *Handler) (*Server, context.CancelFunc, chan error) {
	t.Helper()
	srv := NewServer(cfg, h, logging.NewDiscard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Start(ctx)
	}()
	return srv, cancel, done
}

func TestServerStartAndShutdown(t *testing.T) {
	cfg := testConfig()
	cfg.Port = freeUDPPort(t)
	h := newTestHandler(t, cfg, nil, nil)

	srv, cancel, done := startTestServer(t, cfg, h)

	resp := waitForServer(t, cfg.ListenAddr())
	if resp.Rcode != dns.RcodeNameError {
		t.Errorf("fallback rcode = %s, want NXDOMAIN", dns.RcodeToString[resp.Rcode])
	}
	if !srv.IsRunning() {
		t.Error("IsRunning() = false while serving")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() returned %v after cancellation", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
	if srv.IsRunning() {
		t.Error("IsRunning() = true after shutdown")
	}
}

func TestServerAnswersThroughRealSocket(t *testing.T) {
	cfg := testConfig()
	cfg.Port = freeUDPPort(t)
	cfg.Records.A = map[string]string{"printer.home.lan": "192.168.1.9"}
	banned := map[string]struct{}{"ads.example.com": {}}
	h := newTestHandler(t, cfg, banned, nil)

	_, cancel, done := startTestServer(t, cfg, h)
	defer func() {
		cancel()
		<-done
	}()

	waitForServer(t, cfg.ListenAddr())
	client := &dns.Client{Net: "udp", Timeout: time.Second}

	q := new(dns.Msg)
	q.SetQuestion("printer.home.lan.", dns.TypeA)
	resp, _, err := client.Exchange(q, cfg.ListenAddr())
	if err != nil {
		t.Fatalf("exchange failed: %v", err)
	}
	if len(resp.Answer) != 1 {
		t.Fatalf("got %d answers, want 1", len(resp.Answer))
	}
	if a, ok := resp.Answer[0].(*dns.A); !ok || !a.A.Equal(net.ParseIP("192.168.1.9")) {
		t.Errorf("unexpected answer %v", resp.Answer[0])
	}

	q = new(dns.Msg)
	q.SetQuestion("ads.example.com.", dns.TypeA)
	resp, _, err = client.Exchange(q, cfg.ListenAddr())
	if err != nil {
		t.Fatalf("exchange failed: %v", err)
	}
	if len(resp.Answer) != 1 {
		t.Fatalf("got %d answers, want 1", len(resp.Answer))
	}
	if a, ok := resp.Answer[0].(*dns.A); !ok || !a.A.Equal(net.ParseIP("127.0.0.1")) {
		t.Errorf("banned answer = %v, want 127.0.0.1", resp.Answer[0])
	}
}

func TestServerBindFailure(t *testing.T) {
	blocker, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to occupy a port: %v", err)
	}
	defer blocker.Close()

	cfg := testConfig()
	cfg.Port = blocker.LocalAddr().(*net.UDPAddr).Port
	h := newTestHandler(t, cfg, nil, nil)
	srv := NewServer(cfg, h, logging.NewDiscard())

	err = srv.Start(context.Background())
	if err == nil {
		t.Fatal("Start() succeeded on an occupied port")
	}
	if srv.IsRunning() {
		t.Error("IsRunning() = true after a failed bind")
	}
}

func TestServerDoubleStart(t *testing.T) {
	cfg := testConfig()
	cfg.Port = freeUDPPort(t)
	h := newTestHandler(t, cfg, nil, nil)

	srv, cancel, done := startTestServer(t, cfg, h)
	defer func() {
		cancel()
		<-done
	}()
	waitForServer(t, cfg.ListenAddr())

	if err := srv.Start(context.Background()); err == nil {
		t.Error("second Start() on a running server succeeded")
	}
}

func TestShutdownWithoutStart(t *testing.T) {
	cfg := testConfig()
	srv := NewServer(cfg, nil, logging.NewDiscard())
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() on an idle server returned %v", err)
	}
}
