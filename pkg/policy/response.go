package policy

import (
	"net"

	"github.com/miekg/dns"
)

// answerTemplate starts a reply from the request so the id and question
// section are echoed. Locally synthesized answers are authoritative.
func answerTemplate(req *dns.Msg) *dns.Msg {
	m := new(dns.Msg)
	m.SetReply(req)
	m.Authoritative = true
	m.RecursionAvailable = true
	return m
}

// nxdomainResponse synthesizes a bare NXDOMAIN for the request.
func nxdomainResponse(req *dns.Msg) *dns.Msg {
	m := new(dns.Msg)
	m.SetRcode(req, dns.RcodeNameError)
	m.Authoritative = true
	m.RecursionAvailable = true
	return m
}

// servfailResponse synthesizes a fresh SERVFAIL templated from the request.
// Every upstream failure path must come through here so the client can
// correlate the failure by id and question even when the upstream reply
// never parsed.
func servfailResponse(req *dns.Msg) *dns.Msg {
	m := new(dns.Msg)
	m.SetRcode(req, dns.RcodeServerFailure)
	m.RecursionAvailable = true
	return m
}

func aRecord(name string, ip net.IP, ttl uint32) dns.RR {
	return &dns.A{
		Hdr: dns.RR_Header{
			Name:   name,
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		A: ip,
	}
}

func cnameRecord(name, target string, ttl uint32) dns.RR {
	return &dns.CNAME{
		Hdr: dns.RR_Header{
			Name:   name,
			Rrtype: dns.TypeCNAME,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		Target: dns.Fqdn(target),
	}
}
