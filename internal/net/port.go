package net

import (
	"fmt"
	"net"
)

// ListenLoopback listens on an ephemeral TCP port on the IPv4 loopback interface.
func ListenLoopback() (*net.TCPListener, int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, 0, fmt.Errorf("resolving 127.0.0.1:0: %w", err)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, 0, fmt.Errorf("listening on loopback: %w", err)
	}
	return listener, listener.Addr().(*net.TCPAddr).Port, nil
}
