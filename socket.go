package raknet

import (
	"net"

	"golang.org/x/net/ipv4"
)

// dscpExpeditedForwarding is the DSCP codepoint (0x2e, shifted into the
// legacy TOS byte's top six bits) real-time game traffic conventionally
// marks itself with, so routers along the path can prioritize it ahead of
// bulk traffic.
const dscpExpeditedForwarding = 0x2e << 2

// tuneDSCP marks outgoing datagrams from the listener's socket with an
// expedited-forwarding DSCP value. Best-effort: many containerized or
// non-Linux environments silently ignore IP_TOS, which is fine — pacing and
// ARQ already carry the correctness burden, this is throughput-under-
// contention best-effort only.
func tuneDSCP(conn *net.UDPConn) {
	_ = ipv4.NewConn(conn).SetTOS(dscpExpeditedForwarding)
}
