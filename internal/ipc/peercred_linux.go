//go:build linux

package ipc

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// verifyPeer accepts only processes running as the daemon's user.
func verifyPeer(conn net.Conn) (bool, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return true, nil
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return false, fmt.Errorf("raw conn: %w", err)
	}
	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return false, fmt.Errorf("control: %w", err)
	}
	if credErr != nil {
		return false, fmt.Errorf("SO_PEERCRED: %w", credErr)
	}
	if int(cred.Uid) != os.Getuid() {
		return false, fmt.Errorf("peer uid %d (pid %d)", cred.Uid, cred.Pid)
	}
	return true, nil
}
