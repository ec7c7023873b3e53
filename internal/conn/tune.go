package conn

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// Tune disables Nagle's algorithm and configures keepalive probing from the
// idle timeout on TCP connections. Other connection types are left as is.
func Tune(c net.Conn, idle time.Duration) error {
	if tc, ok := c.(*tls.Conn); ok {
		c = tc.NetConn()
	}
	tcp, ok := c.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tcp.SetNoDelay(true); err != nil {
		return fmt.Errorf("conn: set no delay: %w", err)
	}
	if idle <= 0 {
		return nil
	}
	if err := tcp.SetKeepAliveConfig(net.KeepAliveConfig{
		Enable:   true,
		Idle:     idle,
		Interval: keepAliveInterval(idle),
		Count:    3,
	}); err != nil {
		return fmt.Errorf("conn: set keepalive: %w", err)
	}
	if err := setUserTimeout(tcp, idle); err != nil {
		return fmt.Errorf("conn: set user timeout: %w", err)
	}
	return nil
}

func keepAliveInterval(idle time.Duration) time.Duration {
	iv := idle / 3
	if iv < time.Second {
		iv = time.Second
	}
	return iv
}
