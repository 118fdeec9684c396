package dns

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"

	"sinkhole/pkg/acl"
	"sinkhole/pkg/config"
	"sinkhole/pkg/logging"
	"sinkhole/pkg/policy"
	"sinkhole/pkg/ratelimit"
	"sinkhole/pkg/storage"
)

// mockResponseWriter implements dns.ResponseWriter for testing.
type mockResponseWriter struct {
	msg        *dns.Msg
	remoteAddr net.Addr
}

func (m *mockResponseWriter) LocalAddr() net.Addr  { return nil }
func (m *mockResponseWriter) RemoteAddr() net.Addr { return m.remoteAddr }
func (m *mockResponseWriter) WriteMsg(msg *dns.Msg) error {
	m.msg = msg
	return nil
}
func (m *mockResponseWriter) Write([]byte) (int, error) { return 0, nil }
func (m *mockResponseWriter) Close() error              { return nil }
func (m *mockResponseWriter) TsigStatus() error         { return nil }
func (m *mockResponseWriter) TsigTimersOnly(bool)       {}
func (m *mockResponseWriter) Hijack()                   {}

func newMockWriter() *mockResponseWriter {
	return &mockResponseWriter{
		remoteAddr: &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5353},
	}
}

// stubForwarder returns a canned response or error without touching the
// network.
type stubForwarder struct {
	answer net.IP
	err    error
}

func (s *stubForwarder) Forward(_ context.Context, req *dns.Msg) (*dns.Msg, error) {
	if s.err != nil {
		return nil, s.err
	}
	m := new(dns.Msg)
	m.SetReply(req)
	m.Answer = append(m.Answer, &dns.A{
		Hdr: dns.RR_Header{
			Name:   req.Question[0].Name,
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    300,
		},
		A: s.answer,
	})
	return m, nil
}

// fakeStore captures query log entries for assertion.
type fakeStore struct {
	entries chan *storage.QueryLog
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: make(chan *storage.QueryLog, 16)}
}

func (f *fakeStore) LogQuery(_ context.Context, entry *storage.QueryLog) error {
	f.entries <- entry
	return nil
}

func (f *fakeStore) GetRecentQueries(context.Context, int, int) ([]*storage.QueryLog, error) {
	return nil, nil
}

func (f *fakeStore) GetQueriesByName(context.Context, string, int) ([]*storage.QueryLog, error) {
	return nil, nil
}

func (f *fakeStore) GetQueriesByClient(context.Context, string, int) ([]*storage.QueryLog, error) {
	return nil, nil
}

func (f *fakeStore) GetStats(context.Context, time.Time) (*storage.Stats, error) {
	return &storage.Stats{}, nil
}

func (f *fakeStore) GetTopNames(context.Context, int, string) ([]*storage.NameCount, error) {
	return nil, nil
}

func (f *fakeStore) Cleanup(context.Context, time.Time) error          { return nil }
func (f *fakeStore) Ping(context.Context) error                        { return nil }
func (f *fakeStore) Close() error                                      { return nil }

// testConfig returns a config that never reaches the network: explicit
// server IP, nxdomain fallback unless a test overrides it.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.ServerIP = "192.0.2.1"
	cfg.Fallback = "nxdomain"
	return cfg
}

func newTestHandler(t *testing.T, cfg *config.Config, banned map[string]struct{}, fwd policy.Forwarder) *Handler {
	t.Helper()
	logger := logging.NewDiscard()
	p := policy.Compile(cfg, banned, logger)
	return NewHandler(policy.NewResolver(p, fwd, logger), logger)
}

func TestServeDNSEmptyQuestion(t *testing.T) {
	h := newTestHandler(t, testConfig(), nil, nil)
	w := newMockWriter()

	r := new(dns.Msg)
	r.Id = 42

	h.ServeDNS(w, r)

	if w.msg == nil {
		t.Fatal("expected a response message")
	}
	if w.msg.Rcode != dns.RcodeFormatError {
		t.Errorf("rcode = %s, want FORMERR", dns.RcodeToString[w.msg.Rcode])
	}
	if w.msg.Id != 42 {
		t.Errorf("response id = %d, want 42", w.msg.Id)
	}
}

func TestServeDNSBannedDomain(t *testing.T) {
	banned := map[string]struct{}{"ads.example.com": {}}
	h := newTestHandler(t, testConfig(), banned, nil)
	w := newMockWriter()

	r := new(dns.Msg)
	r.SetQuestion("ads.example.com.", dns.TypeA)

	h.ServeDNS(w, r)

	if w.msg == nil {
		t.Fatal("expected a response message")
	}
	if w.msg.Rcode != dns.RcodeSuccess {
		t.Fatalf("rcode = %s, want NOERROR", dns.RcodeToString[w.msg.Rcode])
	}
	if len(w.msg.Answer) != 1 {
		t.Fatalf("got %d answers, want 1", len(w.msg.Answer))
	}
	a, ok := w.msg.Answer[0].(*dns.A)
	if !ok {
		t.Fatalf("answer is %T, want *dns.A", w.msg.Answer[0])
	}
	if !a.A.Equal(net.ParseIP("127.0.0.1")) {
		t.Errorf("answer ip = %s, want 127.0.0.1", a.A)
	}
	if a.Hdr.Ttl != 60 {
		t.Errorf("ttl = %d, want 60", a.Hdr.Ttl)
	}
}

func TestServeDNSOverlayARecord(t *testing.T) {
	cfg := testConfig()
	cfg.Records.A = map[string]string{"nas.home.lan": "192.168.1.10"}
	h := newTestHandler(t, cfg, nil, nil)
	w := newMockWriter()

	r := new(dns.Msg)
	r.SetQuestion("nas.home.lan.", dns.TypeA)

	h.ServeDNS(w, r)

	if w.msg == nil {
		t.Fatal("expected a response message")
	}
	if len(w.msg.Answer) != 1 {
		t.Fatalf("got %d answers, want 1", len(w.msg.Answer))
	}
	a, ok := w.msg.Answer[0].(*dns.A)
	if !ok {
		t.Fatalf("answer is %T, want *dns.A", w.msg.Answer[0])
	}
	if !a.A.Equal(net.ParseIP("192.168.1.10")) {
		t.Errorf("answer ip = %s, want 192.168.1.10", a.A)
	}
}

func TestServeDNSForwardedPassthrough(t *testing.T) {
	cfg := testConfig()
	cfg.Fallback = "forward"
	fwd := &stubForwarder{answer: net.ParseIP("93.184.216.34")}
	h := newTestHandler(t, cfg, nil, fwd)
	w := newMockWriter()

	r := new(dns.Msg)
	r.SetQuestion("example.com.", dns.TypeA)
	r.SetEdns0(1232, false)

	h.ServeDNS(w, r)

	if w.msg == nil {
		t.Fatal("expected a response message")
	}
	if len(w.msg.Answer) != 1 {
		t.Fatalf("got %d answers, want 1", len(w.msg.Answer))
	}
	a := w.msg.Answer[0].(*dns.A)
	if !a.A.Equal(net.ParseIP("93.184.216.34")) {
		t.Errorf("answer ip = %s, want 93.184.216.34", a.A)
	}
	// The upstream response had no OPT; nothing may be grafted on.
	if w.msg.IsEdns0() != nil {
		t.Error("forwarded response gained an OPT record it never had")
	}
}

func TestServeDNSForwardFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Fallback = "forward"
	fwd := &stubForwarder{err: errors.New("upstream timeout")}
	h := newTestHandler(t, cfg, nil, fwd)
	w := newMockWriter()

	r := new(dns.Msg)
	r.SetQuestion("example.com.", dns.TypeA)
	r.Id = 77

	h.ServeDNS(w, r)

	if w.msg == nil {
		t.Fatal("expected a response message")
	}
	if w.msg.Rcode != dns.RcodeServerFailure {
		t.Errorf("rcode = %s, want SERVFAIL", dns.RcodeToString[w.msg.Rcode])
	}
	if w.msg.Id != 77 {
		t.Errorf("response id = %d, want 77", w.msg.Id)
	}
	if len(w.msg.Question) != 1 || w.msg.Question[0].Name != "example.com." {
		t.Error("SERVFAIL response must echo the question")
	}
}

func TestServeDNSRefusedByACL(t *testing.T) {
	h := newTestHandler(t, testConfig(), nil, nil)
	h.SetACL(acl.New([]string{"10.0.0.0/8"}, logging.NewDiscard()))
	w := newMockWriter() // client 127.0.0.1, not in 10.0.0.0/8

	r := new(dns.Msg)
	r.SetQuestion("example.com.", dns.TypeA)

	h.ServeDNS(w, r)

	if w.msg == nil {
		t.Fatal("expected a response message")
	}
	if w.msg.Rcode != dns.RcodeRefused {
		t.Errorf("rcode = %s, want REFUSED", dns.RcodeToString[w.msg.Rcode])
	}
	if len(w.msg.Answer) != 0 {
		t.Errorf("refused response carries %d answers", len(w.msg.Answer))
	}
}

func TestServeDNSAllowedByACL(t *testing.T) {
	banned := map[string]struct{}{"ads.example.com": {}}
	h := newTestHandler(t, testConfig(), banned, nil)
	h.SetACL(acl.New([]string{"127.0.0.0/8"}, logging.NewDiscard()))
	w := newMockWriter()

	r := new(dns.Msg)
	r.SetQuestion("ads.example.com.", dns.TypeA)

	h.ServeDNS(w, r)

	if w.msg == nil {
		t.Fatal("expected a response message")
	}
	if w.msg.Rcode != dns.RcodeSuccess {
		t.Errorf("rcode = %s, want NOERROR", dns.RcodeToString[w.msg.Rcode])
	}
}

func TestServeDNSRateLimited(t *testing.T) {
	h := newTestHandler(t, testConfig(), nil, nil)
	rl := ratelimit.NewManager(&config.RateLimitConfig{Enabled: true, QPS: 1, Burst: 1}, logging.NewDiscard())
	defer rl.Stop()
	h.SetRateLimiter(rl)

	r := new(dns.Msg)
	r.SetQuestion("example.com.", dns.TypeA)

	first := newMockWriter()
	h.ServeDNS(first, r)
	if first.msg == nil || first.msg.Rcode == dns.RcodeRefused {
		t.Fatal("first query within burst must not be refused")
	}

	second := newMockWriter()
	h.ServeDNS(second, r)
	if second.msg == nil {
		t.Fatal("expected a response message")
	}
	if second.msg.Rcode != dns.RcodeRefused {
		t.Errorf("rcode = %s, want REFUSED", dns.RcodeToString[second.msg.Rcode])
	}
}

func TestServeDNSEDNSEcho(t *testing.T) {
	banned := map[string]struct{}{"ads.example.com": {}}
	h := newTestHandler(t, testConfig(), banned, nil)
	w := newMockWriter()

	r := new(dns.Msg)
	r.SetQuestion("ads.example.com.", dns.TypeA)
	r.SetEdns0(1232, true)

	h.ServeDNS(w, r)

	if w.msg == nil {
		t.Fatal("expected a response message")
	}
	opt := w.msg.IsEdns0()
	if opt == nil {
		t.Fatal("locally built response must echo the OPT record")
	}
	if opt.UDPSize() != 1232 {
		t.Errorf("udp size = %d, want 1232", opt.UDPSize())
	}
	if !opt.Do() {
		t.Error("DO bit was not preserved")
	}
}

func TestServeDNSLogsToStore(t *testing.T) {
	banned := map[string]struct{}{"ads.example.com": {}}
	h := newTestHandler(t, testConfig(), banned, nil)
	store := newFakeStore()
	h.SetStore(store)
	w := newMockWriter()

	r := new(dns.Msg)
	r.SetQuestion("ads.example.com.", dns.TypeAAAA)

	h.ServeDNS(w, r)

	select {
	case entry := <-store.entries:
		if entry.Name != "ads.example.com" {
			t.Errorf("logged name = %q, want ads.example.com", entry.Name)
		}
		if entry.Decision != "banned" {
			t.Errorf("logged decision = %q, want banned", entry.Decision)
		}
		if entry.QueryType != "AAAA" {
			t.Errorf("logged type = %q, want AAAA", entry.QueryType)
		}
		if entry.ClientIP != "127.0.0.1" {
			t.Errorf("logged client = %q, want 127.0.0.1", entry.ClientIP)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("query log entry never arrived")
	}
}

func TestServeDNSLogsRefusalToStore(t *testing.T) {
	h := newTestHandler(t, testConfig(), nil, nil)
	h.SetACL(acl.New([]string{"10.0.0.0/8"}, logging.NewDiscard()))
	store := newFakeStore()
	h.SetStore(store)
	w := newMockWriter()

	r := new(dns.Msg)
	r.SetQuestion("example.com.", dns.TypeA)

	h.ServeDNS(w, r)

	select {
	case entry := <-store.entries:
		if entry.Decision != "refused_acl" {
			t.Errorf("logged decision = %q, want refused_acl", entry.Decision)
		}
		if entry.ResponseCode != dns.RcodeRefused {
			t.Errorf("logged rcode = %d, want REFUSED", entry.ResponseCode)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("query log entry never arrived")
	}
}

type stringAddr string

func (s stringAddr) Network() string { return "udp" }
func (s stringAddr) String() string  { return string(s) }

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name string
		addr net.Addr
		want string
	}{
		{"udp addr", &net.UDPAddr{IP: net.ParseIP("192.168.1.7"), Port: 9999}, "192.168.1.7"},
		{"no port", stringAddr("192.168.1.7"), "192.168.1.7"},
		{"nil addr", nil, "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &mockResponseWriter{remoteAddr: tt.addr}
			if got := getClientIP(w); got != tt.want {
				t.Errorf("getClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
