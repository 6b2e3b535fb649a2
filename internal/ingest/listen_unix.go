//go:build unix

package ingest

import (
	"fmt"
	"net"
	"net/netip"
	"os"

	"golang.org/x/sys/unix"
)

// listenTCP builds the listening socket by hand so the accept backlog can
// be pinned; net.Listen always uses the system maximum.
func listenTCP(host string, port, backlog int) (net.Listener, error) {
	addr := netip.IPv4Unspecified()
	if host != "" {
		parsed, err := netip.ParseAddr(host)
		if err != nil {
			return nil, fmt.Errorf("invalid listen address %q: %w", host, err)
		}
		addr = parsed.Unmap()
	}

	var (
		family int
		sa     unix.Sockaddr
	)
	if addr.Is4() {
		family = unix.AF_INET
		sa = &unix.SockaddrInet4{Port: port, Addr: addr.As4()}
	} else {
		family = unix.AF_INET6
		sa = &unix.SockaddrInet6{Port: port, Addr: addr.As16()}
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}
	unix.CloseOnExec(fd)

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("setsockopt", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("bind", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("listen", err)
	}

	// FileListener dups the descriptor; the original is closed either way.
	f := os.NewFile(uintptr(fd), fmt.Sprintf("ingest-listener:%d", port))
	ln, err := net.FileListener(f)
	f.Close()
	if err != nil {
		return nil, err
	}
	return ln, nil
}
