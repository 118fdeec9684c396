package policy

import "net"

// DefaultProbeAddr is the well-known address used to discover the host's
// outbound interface. Connecting a UDP socket transmits nothing; it only
// asks the kernel to pick a route and a local address.
const DefaultProbeAddr = "8.8.8.8:53"

// DetectLocalIP returns the host's outbound IPv4 address. Any failure (no
// route, no network) falls back to loopback with a logged error; detection
// must never prevent startup.
func DetectLocalIP(probeAddr string, logger Logger) string {
	conn, err := net.Dial("udp4", probeAddr)
	if err != nil {
		logger.Error("local IP detection failed, falling back to loopback",
			"probe", probeAddr,
			"error", err,
		)
		return "127.0.0.1"
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP == nil {
		logger.Error("local IP detection returned no usable address, falling back to loopback",
			"probe", probeAddr,
		)
		return "127.0.0.1"
	}
	return addr.IP.String()
}
