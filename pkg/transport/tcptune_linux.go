//go:build linux

package transport

import (
	"net"
	"syscall"
)

// tuneTCP applies the teacher's connection-level socket tuning (TCP_NODELAY
// and keepalive idle/interval/count; socket buffer sizes are left at their
// defaults) to a freshly upgraded websocket's underlying
// TCP connection. Adapted from pkg/websocket/netpoll.go's SetTCPOptions;
// the listener-level epoll/SO_REUSEPORT helpers from that file aren't
// adapted since this core's HTTP server uses the standard
// http.Server.ListenAndServe rather than a hand-rolled listener.
func tuneTCP(conn net.Conn) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}

	file, err := tcpConn.File()
	if err != nil {
		return
	}
	defer file.Close()

	fd := int(file.Fd())

	syscall.SetsockoptInt(fd, syscall.IPPROTO_TCP, syscall.TCP_NODELAY, 1)
	syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_KEEPALIVE, 1)
	syscall.SetsockoptInt(fd, syscall.IPPROTO_TCP, syscall.TCP_KEEPIDLE, 30)
	syscall.SetsockoptInt(fd, syscall.IPPROTO_TCP, syscall.TCP_KEEPINTVL, 10)
	syscall.SetsockoptInt(fd, syscall.IPPROTO_TCP, syscall.TCP_KEEPCNT, 3)
}
