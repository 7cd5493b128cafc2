// Package transport supplies the plain TCP connection netfork's framed wire
// protocol rides on. It carries no protocol logic of its own: one dial, one
// single-client accept.
package transport

import (
	"fmt"
	"net"
)

// DefaultPort is netfork's compiled-in service port, shared by both binaries
// unless overridden on the command line.
const DefaultPort = "43594"

// Dial connects to a waiting netfork server.
func Dial(addr string) (net.Conn, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}

// AcceptOnce listens on port, accepts exactly one client connection, and
// closes the listener before returning, since a netfork server handles one
// snapshot transfer per process lifetime.
func AcceptOnce(port string) (net.Conn, error) {
	ln, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return nil, fmt.Errorf("listen :%s: %w", port, err)
	}
	defer ln.Close()

	conn, err := ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("accept: %w", err)
	}
	return conn, nil
}
