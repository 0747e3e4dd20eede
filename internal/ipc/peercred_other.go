//go:build !linux

package ipc

import "net"

// verifyPeer relies on the socket's file mode off Linux.
func verifyPeer(net.Conn) (bool, error) { return true, nil }
