// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"code.hybscloud.com/iox"
	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by Read/Write/WriteTwo/SendCredentials/
// ReadCredentials when the operation cannot make progress without waiting
// for the next readiness notification. It is a control-flow signal, not a
// failure: any partial progress already made (a positive n) stands. It is
// the same sentinel the teacher package re-exports from code.hybscloud.com/iox,
// so a future embedding that mixes this package with framer-based code can
// compare errors with a single ==.
var ErrWouldBlock = iox.ErrWouldBlock

// Credentials is a peer-credentials record obtained over a local socket.
// Valid is false when the platform or transport kind cannot supply
// credentials at all (e.g. TCP); that is not an error condition.
type Credentials struct {
	UID   uint32
	PID   int32
	Valid bool
}

// classifyErrno turns a raw syscall error into the three-way bucket spec §7
// requires: transient (EAGAIN/EWOULDBLOCK, surfaced as ErrWouldBlock),
// recoverable OOM (ENOMEM, surfaced as ErrNoMemory), or fatal (anything
// else, returned unchanged for the caller to disconnect on). EINTR is never
// seen by callers of this function — the retry loops below absorb it.
func classifyErrno(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
		return ErrWouldBlock
	}
	if errors.Is(err, unix.ENOMEM) {
		return ErrNoMemory
	}
	return err
}

// retryEINTR runs fn until it stops failing with EINTR.
func retryEINTR(fn func() (int, error)) (int, error) {
	for {
		n, err := fn()
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return n, err
	}
}

// SetNonblocking puts fd into non-blocking mode.
func SetNonblocking(fd int) error {
	return unix.SetNonblock(fd, true)
}

// SetCloseOnExec sets the close-on-exec flag on fd.
func SetCloseOnExec(fd int) error {
	return setCloexec(fd)
}

func setCloexec(fd int) error {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	if err != nil {
		return err
	}
	_, err = unix.FcntlInt(uintptr(fd), unix.F_SETFD, flags|unix.FD_CLOEXEC)
	return err
}

// CloseFD closes fd. An EINTR from close is reported as success and not
// retried.
func CloseFD(fd int) error {
	err := unix.Close(fd)
	if errors.Is(err, unix.EINTR) {
		return nil
	}
	return err
}

// waitWritable blocks (no timeout) until fd is writable or errored, used
// only to finish a non-blocking connect(2). This is the one place outside
// of do_iteration's poll where the transport layer blocks, and only ever
// during construction, per spec §4.2.
func waitWritable(fd int) error {
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		_, err := unix.Poll(pfd, -1)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return err
		}
		break
	}
	if pfd[0].Revents&unix.POLLERR != 0 {
		soErr, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if gerr == nil && soErr != 0 {
			return unix.Errno(soErr)
		}
		return errors.New("transport: connect failed")
	}
	return nil
}

func finishNonblockingConnect(fd int, err error) error {
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EINPROGRESS) {
		return err
	}
	if werr := waitWritable(fd); werr != nil {
		return werr
	}
	soErr, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if gerr != nil {
		return gerr
	}
	if soErr != 0 {
		return unix.Errno(soErr)
	}
	return nil
}

// ConnectDomain opens a non-blocking, close-on-exec AF_UNIX stream socket
// connected to path. If abstract is true, path is placed in the Linux
// abstract namespace (a leading NUL byte, no filesystem entry) instead of
// the filesystem.
func ConnectDomain(path string, abstract bool) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("transport: socket: %w", err)
	}
	if err := SetNonblocking(fd); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := setCloexec(fd); err != nil {
		unix.Close(fd)
		return -1, err
	}

	sa := &unix.SockaddrUnix{Name: path}
	if abstract {
		sa.Name = "\x00" + path
	}
	err = unix.Connect(fd, sa)
	if err := finishNonblockingConnect(fd, err); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("transport: connect %s: %w", path, err)
	}
	return fd, nil
}

// ConnectTCP opens a non-blocking, close-on-exec TCP socket connected to
// host:port.
func ConnectTCP(host string, port uint16) (int, error) {
	ips, err := net.LookupIP(host)
	if err != nil {
		return -1, fmt.Errorf("transport: resolve %s: %w", host, err)
	}
	var lastErr error
	for _, ip := range ips {
		fd, err := dialTCPOnce(ip, port)
		if err == nil {
			return fd, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("transport: no addresses for %s", host)
	}
	return -1, lastErr
}

func dialTCPOnce(ip net.IP, port uint16) (int, error) {
	var fd int
	var err error
	var sa unix.Sockaddr
	if v4 := ip.To4(); v4 != nil {
		fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
		s := &unix.SockaddrInet4{Port: int(port)}
		copy(s.Addr[:], v4)
		sa = s
	} else {
		fd, err = unix.Socket(unix.AF_INET6, unix.SOCK_STREAM, unix.IPPROTO_TCP)
		s := &unix.SockaddrInet6{Port: int(port)}
		copy(s.Addr[:], ip.To16())
		sa = s
	}
	if err != nil {
		return -1, err
	}
	if err := SetNonblocking(fd); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := setCloexec(fd); err != nil {
		unix.Close(fd)
		return -1, err
	}
	cerr := unix.Connect(fd, sa)
	if err := finishNonblockingConnect(fd, cerr); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("transport: connect %s:%s: %w", ip, strconv.Itoa(int(port)), err)
	}
	return fd, nil
}

// Read reads at most max bytes from fd into buf's tail region. A positive
// return is bytes read and committed to buf. A zero return with a nil error
// means the peer half-closed (EOF). EINTR is retried internally; EAGAIN
// surfaces as ErrWouldBlock; ENOMEM surfaces as ErrNoMemory.
func Read(fd int, buf *Buffer, max int) (int, error) {
	tail, err := buf.BorrowTail(max)
	if err != nil {
		return 0, err
	}
	n, err := retryEINTR(func() (int, error) { return unix.Read(fd, tail) })
	if n > 0 {
		if rerr := buf.ReturnTail(n); rerr != nil {
			return 0, rerr
		}
		return n, nil
	}
	if err != nil {
		return 0, classifyErrno(err)
	}
	return 0, nil // peer EOF
}

// Write writes at most max bytes from buf[offset:offset+max] to fd.
func Write(fd int, buf []byte, offset, max int) (int, error) {
	if offset+max > len(buf) {
		max = len(buf) - offset
	}
	n, err := retryEINTR(func() (int, error) { return unix.Write(fd, buf[offset:offset+max]) })
	if err != nil {
		return n, classifyErrno(err)
	}
	return n, nil
}

// WriteTwo performs a scatter-write of two buffers as one logical send, so a
// header and a body can be concatenated on the wire without an intermediate
// copy. n counts bytes consumed across both ranges, in order: all of a
// before any of b.
func WriteTwo(fd int, a []byte, offA, lenA int, b []byte, offB, lenB int) (int, error) {
	iovs := make([][]byte, 0, 2)
	if lenA > 0 {
		iovs = append(iovs, a[offA:offA+lenA])
	}
	if lenB > 0 {
		iovs = append(iovs, b[offB:offB+lenB])
	}
	if len(iovs) == 0 {
		return 0, nil
	}
	n, err := retryEINTR(func() (int, error) { return unix.Writev(fd, iovs) })
	if err != nil {
		return n, classifyErrno(err)
	}
	return n, nil
}

// SendCredentials sends one placeholder byte with SCM_CREDENTIALS ancillary
// data identifying the calling process. The peer's ReadCredentials consumes
// that byte whether it takes the credentials from SO_PEERCRED or from the
// ancillary data. On transports where this is inapplicable (TCP), callers
// simply never invoke it.
func SendCredentials(fd int) error {
	cred := &unix.Ucred{Pid: int32(os.Getpid()), Uid: uint32(os.Getuid()), Gid: uint32(os.Getgid())}
	oob := unix.UnixCredentials(cred)
	err := retryEINTRSendmsg(fd, []byte{0}, oob)
	return classifyErrno(err)
}

func retryEINTRSendmsg(fd int, p, oob []byte) error {
	for {
		err := unix.Sendmsg(fd, p, oob, nil, 0)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return err
	}
}

// ReadCredentials reads the peer's credentials, trying SO_PEERCRED first
// (cheap, works without any cooperation from the peer on Linux) and falling
// back to an SCM_CREDENTIALS ancillary message sent by the peer via
// SendCredentials. Either way it consumes the one placeholder byte the
// peer's SendCredentials wrote, so that byte never reaches the auth engine;
// ErrWouldBlock means that byte has not arrived yet. Total failure to
// obtain credentials is not an error — the auth mechanism that required
// them will simply refuse — matching _dbus_read_credentials_socket's
// fallback-chain behavior.
func ReadCredentials(fd int) (Credentials, error) {
	if ucred, err := unix.GetsockoptUcred(fd, unix.SOL_SOCKET, unix.SO_PEERCRED); err == nil {
		if _, err := retryEINTR(func() (int, error) { return unix.Read(fd, make([]byte, 1)) }); err != nil {
			return Credentials{}, classifyErrno(err)
		}
		return Credentials{UID: ucred.Uid, PID: ucred.Pid, Valid: true}, nil
	}

	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(12)) // sizeof(struct ucred) == 12 on Linux
	var n, oobn int
	var err error
	for {
		n, oobn, _, _, err = unix.Recvmsg(fd, buf, oob, 0)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		break
	}
	if err != nil {
		return Credentials{}, classifyErrno(err)
	}
	if n == 0 {
		return Credentials{}, nil
	}
	if oobn == 0 {
		return Credentials{}, nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil || len(msgs) == 0 {
		return Credentials{}, nil
	}
	ucred, err := unix.ParseUnixCredentials(&msgs[0])
	if err != nil {
		return Credentials{}, nil
	}
	return Credentials{UID: ucred.Uid, PID: ucred.Pid, Valid: true}, nil
}
