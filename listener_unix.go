//go:build unix

package raknet

import (
	"net"

	"golang.org/x/sys/unix"
)

// socketBufferBytes widens the kernel socket buffers beyond Go's small
// default so a flush tick packing many datagrams at once doesn't spill into
// ENOBUFS under load.
const socketBufferBytes = 1 << 20

// tuneSocketBuffers widens SO_RCVBUF/SO_SNDBUF on the listener's socket,
// reached through SyscallConn the way a direct unix.SetsockoptInt call
// requires. Best-effort: a platform or permission failure here just means
// the kernel default buffer size is used instead.
func tuneSocketBuffers(conn *net.UDPConn) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return
	}
	_ = raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, socketBufferBytes)
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, socketBufferBytes)
	})
}
