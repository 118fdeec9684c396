package dnsutil

import (
	"strconv"

	"github.com/miekg/dns"
)

// TypeLabel renders a query type for logs and metrics. Unknown types use the
// RFC 3597 TYPEnnn form instead of an empty string.
func TypeLabel(qtype uint16) string {
	if s, ok := dns.TypeToString[qtype]; ok {
		return s
	}
	return "TYPE" + strconv.FormatUint(uint64(qtype), 10)
}

// AnswerTarget summarizes the first answer of a response for one-line logs:
// the address for A/AAAA, the target for CNAME, the record type otherwise.
// Empty when there are no answers.
func AnswerTarget(m *dns.Msg) string {
	if m == nil || len(m.Answer) == 0 {
		return ""
	}
	switch rr := m.Answer[0].(type) {
	case *dns.A:
		return rr.A.String()
	case *dns.AAAA:
		return rr.AAAA.String()
	case *dns.CNAME:
		return rr.Target
	default:
		return TypeLabel(rr.Header().Rrtype)
	}
}
