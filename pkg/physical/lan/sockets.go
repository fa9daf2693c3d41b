//go:build linux

package lan

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/sys/unix"
)

// File sockets.go wraps the raw socket setup the reactor needs (non-blocking fds, rather than net.Conns).

// DefaultInterface returns the first interface that is up, not loopback, multicast capable and carries an IPv4 address.
// Returns nil if no interface qualifies, in which case the kernel picks one.
func DefaultInterface() *net.Interface {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipn, ok := a.(*net.IPNet); ok && ipn.IP.To4() != nil {
				return &iface
			}
		}
	}
	return nil
}

func ifIndex(iface *net.Interface) int32 {
	if iface == nil {
		return 0
	}
	return int32(iface.Index)
}

// openMulticast binds a non-blocking UDP socket to 0.0.0.0:port, shareable with other local participants.
// Joining the group is done separately (see joinGroup) so a failed join does not leave the network deaf to unicast.
func openMulticast(port uint16, iface *net.Interface) (_ int, err error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_UDP)
	if err != nil {
		return -1, fmt.Errorf("failed to create multicast socket: %w", err)
	}
	defer func() {
		if err != nil {
			unix.Close(fd)
		}
	}()
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return -1, fmt.Errorf("set SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		return -1, fmt.Errorf("set SO_REUSEPORT: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_LOOP, 1); err != nil {
		return -1, fmt.Errorf("set IP_MULTICAST_LOOP: %w", err)
	}
	if iface != nil {
		if err := unix.SetsockoptIPMreqn(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_IF, &unix.IPMreqn{Ifindex: ifIndex(iface)}); err != nil {
			return -1, fmt.Errorf("set IP_MULTICAST_IF: %w", err)
		}
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: int(port)}); err != nil {
		return -1, fmt.Errorf("failed to bind multicast socket to port %d: %w", port, err)
	}
	return fd, nil
}

// joinGroup adds the socket to the group's membership on iface (or the kernel's choice if nil).
func joinGroup(fd int, group netip.Addr, iface *net.Interface) error {
	return unix.SetsockoptIPMreqn(fd, unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, &unix.IPMreqn{
		Multiaddr: group.As4(),
		Ifindex:   ifIndex(iface),
	})
}

// openListener binds a non-blocking, listening TCP socket to addr:port.
func openListener(addr netip.Addr, port uint16) (_ int, err error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("failed to create listening socket: %w", err)
	}
	defer func() {
		if err != nil {
			unix.Close(fd)
		}
	}()
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return -1, fmt.Errorf("set SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: int(port), Addr: addr.As4()}); err != nil {
		return -1, fmt.Errorf("failed to bind %v: %w", netip.AddrPortFrom(addr, port), err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		return -1, fmt.Errorf("failed to listen: %w", err)
	}
	return fd, nil
}

// dial starts a non-blocking connect to addr:port from local (unspecified for any).
// pending is true if the connect has yet to complete.
func dial(local, addr netip.Addr, port uint16) (fd int, pending bool, err error) {
	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, false, fmt.Errorf("failed to create socket: %w", err)
	}
	if !local.IsUnspecified() {
		if err := unix.Bind(fd, &unix.SockaddrInet4{Addr: local.As4()}); err != nil {
			unix.Close(fd)
			return -1, false, fmt.Errorf("failed to bind outbound socket to %v: %w", local, err)
		}
	}
	switch err := unix.Connect(fd, &unix.SockaddrInet4{Port: int(port), Addr: addr.As4()}); {
	case err == nil:
		return fd, false, nil
	case errors.Is(err, unix.EINPROGRESS):
		return fd, true, nil
	default:
		unix.Close(fd)
		return -1, false, fmt.Errorf("failed to connect to %v: %w", netip.AddrPortFrom(addr, port), err)
	}
}

// connectError returns the outcome of a non-blocking connect.
func connectError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	} else if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

// addrPort converts an IPv4 sockaddr.
func addrPort(sa unix.Sockaddr) netip.AddrPort {
	if sin, ok := sa.(*unix.SockaddrInet4); ok {
		return netip.AddrPortFrom(netip.AddrFrom4(sin.Addr), uint16(sin.Port))
	}
	return netip.AddrPort{}
}

// wouldBlock reports whether err means "try again on the next readiness event".
func wouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR)
}
