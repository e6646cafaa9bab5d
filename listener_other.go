//go:build !unix

package raknet

import "net"

// tuneSocketBuffers is a no-op on platforms without the unix socket option
// syscalls (notably Windows); the kernel default buffer sizes apply.
func tuneSocketBuffers(conn *net.UDPConn) {}
