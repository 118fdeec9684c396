package dns

import "github.com/miekg/dns"

const (
	// defaultEDNSBufferSize follows the RFC 6891 recommendation.
	defaultEDNSBufferSize = 4096
	maxEDNSBufferSize     = 4096
	minEDNSBufferSize     = 512
)

// applyEDNS0 echoes an OPT record onto a locally built response when the
// request carried one. Responses that already have an OPT are left alone.
func applyEDNS0(req, resp *dns.Msg) {
	opt := req.IsEdns0()
	if opt == nil || resp.IsEdns0() != nil {
		return
	}

	out := &dns.OPT{
		Hdr: dns.RR_Header{
			Name:   ".",
			Rrtype: dns.TypeOPT,
		},
	}
	out.SetUDPSize(negotiateBufferSize(opt.UDPSize()))
	if opt.Do() {
		out.SetDo()
	}
	resp.Extra = append(resp.Extra, out)
}

// negotiateBufferSize clamps the client's advertised UDP buffer size.
// Class on an OPT header is the payload size, so the clamped value goes
// through SetUDPSize rather than the header directly.
func negotiateBufferSize(requested uint16) uint16 {
	if requested == 0 {
		return defaultEDNSBufferSize
	}
	if requested < minEDNSBufferSize {
		return minEDNSBufferSize
	}
	if requested > maxEDNSBufferSize {
		return maxEDNSBufferSize
	}
	return requested
}
