package master

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// socketpair returns a connected pair of *net.UnixConn backed by a
// SOCK_STREAM socketpair(2), used by tests to exercise SendFD/RecvFD
// without standing up a full listener.
func socketpair() (*net.UnixConn, *net.UnixConn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("master: socketpair: %w", err)
	}

	fa := os.NewFile(uintptr(fds[0]), "sp0")
	fb := os.NewFile(uintptr(fds[1]), "sp1")
	defer fa.Close()
	defer fb.Close()

	ca, err := net.FileConn(fa)
	if err != nil {
		return nil, nil, err
	}
	cb, err := net.FileConn(fb)
	if err != nil {
		ca.Close()
		return nil, nil, err
	}
	return ca.(*net.UnixConn), cb.(*net.UnixConn), nil
}

func unixCloseFD(fd int) {
	unix.Close(fd)
}
