// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package transport

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// DialUnix opens a unix-domain connection described by addr (kind "unix")
// and wraps it in a client-side StreamTransport, driving auth with
// mechanisms in priority order. loader receives the inbound byte stream
// once authentication completes.
func DialUnix(addr Address, loader Loader, mechanisms ...Mechanism) (*StreamTransport, error) {
	if addr.Kind != "unix" {
		return nil, fmt.Errorf("transport: DialUnix needs a unix: address, got %q", addr.Raw)
	}
	path := addr.Path
	abstract := addr.Abstract != ""
	if abstract {
		path = addr.Abstract
	}
	fd, err := ConnectDomain(path, abstract)
	if err != nil {
		return nil, err
	}
	return NewClientStreamTransport(fd, true, addr.Raw, loader, mechanisms...), nil
}

// NewClientStreamTransport wraps an already-connected fd in a client-side
// StreamTransport, driving auth with mechanisms in priority order. Exposed
// separately from DialUnix/DialTCP for callers that already own a
// connected fd (a socketpair in a test, a fd inherited from a parent
// process).
func NewClientStreamTransport(fd int, localSocket bool, address string, loader Loader, mechanisms ...Mechanism) *StreamTransport {
	auth := NewClientAuth(mechanisms...)
	return newStreamTransport(fd, false, localSocket, address, loader, auth)
}

// DialTCP opens a TCP connection described by addr (kind "tcp") and wraps
// it in a client-side StreamTransport. Credential exchange never applies
// on TCP (spec's Open Question decision), so both pending flags start
// false.
func DialTCP(addr Address, loader Loader, mechanisms ...Mechanism) (*StreamTransport, error) {
	if addr.Kind != "tcp" {
		return nil, fmt.Errorf("transport: DialTCP needs a tcp: address, got %q", addr.Raw)
	}
	fd, err := ConnectTCP(addr.Host, addr.Port)
	if err != nil {
		return nil, err
	}
	return NewClientStreamTransport(fd, false, addr.Raw, loader, mechanisms...), nil
}

// NewServerStreamTransport wraps an already-accepted fd (from Accept)
// in a server-side StreamTransport. localSocket controls whether
// credential exchange is attempted.
func NewServerStreamTransport(fd int, localSocket bool, address string, loader Loader, mechanisms ...Mechanism) (*StreamTransport, error) {
	if err := SetNonblocking(fd); err != nil {
		_ = CloseFD(fd)
		return nil, err
	}
	if err := SetCloseOnExec(fd); err != nil {
		_ = CloseFD(fd)
		return nil, err
	}
	auth := NewServerAuth(mechanisms...)
	return newStreamTransport(fd, true, localSocket, address, loader, auth), nil
}

// ListenUnix opens a listening unix-domain socket at addr (kind "unix"),
// non-blocking and close-on-exec, with a conventional backlog.
func ListenUnix(addr Address) (int, error) {
	if addr.Kind != "unix" {
		return -1, fmt.Errorf("transport: ListenUnix needs a unix: address, got %q", addr.Raw)
	}
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("transport: socket: %w", err)
	}
	if err := SetNonblocking(fd); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := SetCloseOnExec(fd); err != nil {
		unix.Close(fd)
		return -1, err
	}
	sa := &unix.SockaddrUnix{Name: addr.Path}
	if addr.Abstract != "" {
		sa.Name = "\x00" + addr.Abstract
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("transport: bind %s: %w", addr.Raw, err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("transport: listen %s: %w", addr.Raw, err)
	}
	return fd, nil
}

// ListenTCP opens a listening TCP socket on addr's port (kind "tcp"). It
// binds that port on all IPv4 interfaces; addr.Host is not used.
func ListenTCP(addr Address) (int, error) {
	if addr.Kind != "tcp" {
		return -1, fmt.Errorf("transport: ListenTCP needs a tcp: address, got %q", addr.Raw)
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("transport: socket: %w", err)
	}
	if err := SetNonblocking(fd); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := SetCloseOnExec(fd); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}
	sa := &unix.SockaddrInet4{Port: int(addr.Port)}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("transport: bind %s: %w", addr.Raw, err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("transport: listen %s: %w", addr.Raw, err)
	}
	return fd, nil
}

// Accept accepts one pending connection on a listening fd (as created by
// ListenUnix/ListenTCP), returning the new non-blocking, close-on-exec fd.
// ErrWouldBlock is returned when no connection is currently pending.
func Accept(listenFD int) (int, error) {
	for {
		fd, _, err := unix.Accept4(listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return -1, classifyErrno(err)
		}
		return fd, nil
	}
}
