package messenger

import (
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// socketpairConns returns two connected, non-blocking net.Conn values
// backed by a local AF_UNIX socketpair, so tests can exercise the
// Transporter's raw-fd path without opening real TCP sockets.
func socketpairConns() (net.Conn, net.Conn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, err
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			return nil, nil, err
		}
	}
	fa := os.NewFile(uintptr(fds[0]), "socketpair-a")
	fb := os.NewFile(uintptr(fds[1]), "socketpair-b")
	defer fa.Close()
	defer fb.Close()

	a, err := net.FileConn(fa)
	if err != nil {
		return nil, nil, err
	}
	b, err := net.FileConn(fb)
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	return a, b, nil
}
