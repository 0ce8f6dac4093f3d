//go:build !linux

package transport

import "net"

// tuneTCP is a no-op outside Linux; the socket options it would set are
// Linux-specific (pkg/websocket/netpoll.go never had a portable path
// either).
func tuneTCP(net.Conn) {}
