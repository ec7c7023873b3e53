//go:build linux

package conn

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// setUserTimeout sets TCP_USER_TIMEOUT so a peer that stops acknowledging
// data is detected within the idle timeout instead of the kernel's
// retransmission limit.
func setUserTimeout(tcp *net.TCPConn, idle time.Duration) error {
	raw, err := tcp.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_USER_TIMEOUT, int(idle.Milliseconds()))
	})
	if err != nil {
		return err
	}
	return sockErr
}
