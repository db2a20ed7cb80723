// Package netio extracts raw, non-blocking file descriptors from
// net.Conn values so the event loop's IOManager can poll them
// directly, and performs the single-attempt, non-blocking
// read/write syscalls the Messenger's Transporter and the
// DataPipe's UDP carrier both need.
package netio

import (
	"fmt"
	"net"
	"syscall"
)

// RawFD extracts the underlying file descriptor from conn, alongside
// the syscall.RawConn used to issue non-blocking reads/writes without
// racing Go's own runtime netpoller over the same fd. Accepts any
// syscall.Conn — net.TCPConn/net.UDPConn and *os.File (the latter
// backing a TUN device) all satisfy it.
func RawFD(conn syscall.Conn) (int, syscall.RawConn, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, nil, fmt.Errorf("netio: syscall conn: %w", err)
	}
	var fd int
	if err := raw.Control(func(f uintptr) { fd = int(f) }); err != nil {
		return 0, nil, fmt.Errorf("netio: control: %w", err)
	}
	return fd, raw, nil
}

// Read performs a single non-blocking read attempt. ok=false on
// would-block, a transient I/O condition per §7 kind 3, not an error.
func Read(raw syscall.RawConn, buf []byte) (n int, ok bool, err error) {
	ctrlErr := raw.Read(func(fd uintptr) bool {
		n, err = syscall.Read(int(fd), buf)
		return true
	})
	if ctrlErr != nil {
		return 0, false, ctrlErr
	}
	if err == syscall.EAGAIN {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

// Write performs a single non-blocking write attempt.
func Write(raw syscall.RawConn, buf []byte) (n int, ok bool, err error) {
	ctrlErr := raw.Write(func(fd uintptr) bool {
		n, err = syscall.Write(int(fd), buf)
		return true
	})
	if ctrlErr != nil {
		return 0, false, ctrlErr
	}
	if err == syscall.EAGAIN {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

// ReadFromUDP performs a single non-blocking recvfrom attempt,
// reporting the sender's address alongside the datagram. A DataPipe
// uses this only before its socket is connect(2)ed to a known peer —
// a server-side pipe listens on an address no client has reached yet,
// so it must learn the remote address from the first datagram before
// it can address a reply.
func ReadFromUDP(raw syscall.RawConn, buf []byte) (n int, from *net.UDPAddr, ok bool, err error) {
	var sa syscall.Sockaddr
	ctrlErr := raw.Read(func(fd uintptr) bool {
		n, sa, err = syscall.Recvfrom(int(fd), buf, 0)
		return true
	})
	if ctrlErr != nil {
		return 0, nil, false, ctrlErr
	}
	if err == syscall.EAGAIN {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, err
	}
	return n, sockaddrToUDPAddr(sa), true, nil
}

// ConnectUDP issues connect(2) on raw's socket toward peer. Once
// connected, plain Read/Write work as the ordinary single-peer case;
// this is the standard "connect an already-bound UDP socket" idiom
// for a listener that must wait to learn its peer's address.
func ConnectUDP(raw syscall.RawConn, peer *net.UDPAddr) error {
	sa, err := udpAddrToSockaddr(peer)
	if err != nil {
		return err
	}
	var connErr error
	ctrlErr := raw.Control(func(fd uintptr) { connErr = syscall.Connect(int(fd), sa) })
	if ctrlErr != nil {
		return fmt.Errorf("netio: control: %w", ctrlErr)
	}
	if connErr != nil {
		return fmt.Errorf("netio: connect: %w", connErr)
	}
	return nil
}

func sockaddrToUDPAddr(sa syscall.Sockaddr) *net.UDPAddr {
	switch a := sa.(type) {
	case *syscall.SockaddrInet4:
		return &net.UDPAddr{IP: append([]byte{}, a.Addr[:]...), Port: a.Port}
	case *syscall.SockaddrInet6:
		return &net.UDPAddr{IP: append([]byte{}, a.Addr[:]...), Port: a.Port}
	default:
		return nil
	}
}

func udpAddrToSockaddr(addr *net.UDPAddr) (syscall.Sockaddr, error) {
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &syscall.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return sa, nil
	}
	ip6 := addr.IP.To16()
	if ip6 == nil {
		return nil, fmt.Errorf("netio: invalid UDP address %v", addr)
	}
	sa := &syscall.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], ip6)
	return sa, nil
}
