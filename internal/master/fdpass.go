package master

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// SendFD transfers fd to the peer on conn as an SCM_RIGHTS ancillary
// message alongside a single marker byte, the mechanism
// ReqNewConnection uses to hand a driver its dedicated connection
// socket without the supervisor staying in the data path.
//
// Grounded on spec.md §4.3/§6 and golang.org/x/sys/unix.UnixRights;
// net.UnixConn.File()/fd passing has no portable equivalent in the
// standard library alone, so this is the one place rye reaches past
// net.Conn into a raw syscall.
func SendFD(conn *net.UnixConn, fd int) error {
	rights := unix.UnixRights(fd)
	_, _, err := conn.WriteMsgUnix([]byte{0}, rights, nil)
	if err != nil {
		return fmt.Errorf("master: send fd: %w", err)
	}
	return nil
}

// RecvFD reads one SCM_RIGHTS ancillary message off conn and returns
// the attached file descriptor.
func RecvFD(conn *net.UnixConn) (int, error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))

	_, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return -1, fmt.Errorf("master: recv fd: %w", err)
	}

	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return -1, fmt.Errorf("master: parse control message: %w", err)
	}
	if len(msgs) == 0 {
		return -1, fmt.Errorf("master: recv fd: no control message received")
	}

	fds, err := unix.ParseUnixRights(&msgs[0])
	if err != nil {
		return -1, fmt.Errorf("master: parse unix rights: %w", err)
	}
	if len(fds) == 0 {
		return -1, fmt.Errorf("master: recv fd: no descriptors attached")
	}
	return fds[0], nil
}
