// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package eventloop is a minimal poll-based embedding-side event loop: the
// Connection collaborator spec §6 describes as external to the transport
// core. It serializes all calls into its transport with a mutex (spec §5),
// maintains the outbound message queue and an inbound message sink, and
// drives StreamTransport.HandleWatch from a poll(2) readiness loop — the
// same readiness-driven structure kcptun's client/server dial loops use,
// adapted here from a KCP session to a transport.Watch set.
package eventloop

import (
	"errors"
	"sync"
	"time"

	"code.hybscloud.com/dbustransport"
	"github.com/charmbracelet/log"
	"golang.org/x/sys/unix"
)

// backpressureRecheckInterval bounds how long Run waits before rechecking a
// watch set that is temporarily all-disabled rather than empty.
const backpressureRecheckInterval = 10 * time.Millisecond

// Loop owns exactly one transport.Connection's worth of state: the
// outbound queue, the set of watches currently installed, and the lock
// that serializes calls into the transport (spec §5's shared-resource
// policy). Running multiple Loops on separate goroutines is how multiple
// connections are handled in parallel; this package deliberately does not
// route between them (multi-peer routing is a daemon's job, out of scope
// per spec §1).
type Loop struct {
	mu        sync.Mutex
	ioPath    sync.Mutex // io_path reentrancy guard slot; nothing in this package locks it
	logger    *log.Logger
	watches   map[*dbustransport.Watch]struct{}
	outbound  []*dbustransport.Message
	sink      dbustransport.MessageSink
	transport dbustransport.Capabilities
	closed    bool

	// Disconnected is closed when the transport reports hangup/error/EOF
	// so callers (e.g. cmd/busctl) can reap the connection.
	Disconnected chan struct{}
}

// New returns a Loop with no transport attached yet. Call Attach once the
// transport has been constructed (DialUnix, NewServerStreamTransport, ...).
func New(logger *log.Logger, sink dbustransport.MessageSink) *Loop {
	if logger == nil {
		logger = log.Default()
	}
	return &Loop{
		logger:       logger,
		watches:      map[*dbustransport.Watch]struct{}{},
		sink:         sink,
		Disconnected: make(chan struct{}),
	}
}

// Attach installs t's watches via ConnectionSet, the one call that wires
// the transport and the loop together (spec §4.5).
func (l *Loop) Attach(t dbustransport.Capabilities) error {
	l.transport = t
	return t.ConnectionSet(l)
}

// --- transport.Connection ---

func (l *Loop) AddWatch(w *dbustransport.Watch) error {
	l.watches[w] = struct{}{}
	return nil
}

func (l *Loop) RemoveWatch(w *dbustransport.Watch) {
	delete(l.watches, w)
}

func (l *Loop) ToggleWatch(w *dbustransport.Watch, enabled bool) {
	w.SetEnabled(enabled)
}

func (l *Loop) HaveMessagesToSend() bool { return len(l.outbound) > 0 }

func (l *Loop) GetMessageToSend() *dbustransport.Message {
	if len(l.outbound) == 0 {
		return nil
	}
	return l.outbound[0]
}

func (l *Loop) MessageSent(msg *dbustransport.Message) {
	if len(l.outbound) > 0 && l.outbound[0] == msg {
		l.outbound = l.outbound[1:]
	}
}

func (l *Loop) Lock()   { l.mu.Lock() }
func (l *Loop) Unlock() { l.mu.Unlock() }

// --- application-facing API ---

// Enqueue appends msg to the outbound queue and notifies the transport
// that it became non-empty.
func (l *Loop) Enqueue(msg *dbustransport.Message) {
	l.mu.Lock()
	l.outbound = append(l.outbound, msg)
	if l.transport != nil {
		l.transport.MessagesPending()
	}
	l.mu.Unlock()
}

// Deliver implements dbustransport.MessageSink on behalf of whatever sink
// the caller supplied, so the loader can hand messages straight back
// through the loop for logging/bookkeeping hooks if desired. Default
// behavior simply forwards to the configured sink.
func (l *Loop) Deliver(msg *dbustransport.Message) {
	if l.sink != nil {
		l.sink.Deliver(msg)
	}
}

// Run drives the poll loop until Close is called or the transport
// disconnects. blockMS bounds each poll call so Close is observed
// promptly even when no fd is ever ready (e.g. an idle client).
func (l *Loop) Run(blockMS int) {
	for {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return
		}
		noWatches := len(l.watches) == 0
		pfds := make([]unix.PollFd, 0, len(l.watches))
		byFD := map[int32]*dbustransport.Watch{}
		for w := range l.watches {
			if !w.Valid() || !w.Enabled() {
				continue
			}
			var events int16
			if w.Flags()&dbustransport.WatchReadable != 0 {
				events |= unix.POLLIN
			}
			if w.Flags()&dbustransport.WatchWritable != 0 {
				events |= unix.POLLOUT
			}
			pfds = append(pfds, unix.PollFd{Fd: int32(w.FD()), Events: events})
			byFD[int32(w.FD())] = w
		}
		l.mu.Unlock()

		if len(pfds) == 0 {
			// No installed watch at all (the transport tore them all down on
			// finalize) means the loop is genuinely done. A non-empty watch
			// set that's all temporarily disabled (e.g. the read watch
			// parked by backpressure while nothing is queued outbound yet)
			// is not: the embedder re-enables it asynchronously via
			// SetLiveMessagesSize, off this goroutine, so returning here
			// would strand the connection. Back off briefly and recheck.
			if noWatches {
				return
			}
			time.Sleep(backpressureRecheckInterval)
			continue
		}

		n, err := unix.Poll(pfds, blockMS)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			l.logger.Error("poll failed", "err", err)
			return
		}
		if n == 0 {
			continue
		}

		for _, pfd := range pfds {
			if pfd.Revents == 0 {
				continue
			}
			w := byFD[pfd.Fd]
			var flags dbustransport.WatchFlags
			if pfd.Revents&unix.POLLIN != 0 {
				flags |= dbustransport.WatchReadable
			}
			if pfd.Revents&unix.POLLOUT != 0 {
				flags |= dbustransport.WatchWritable
			}
			if pfd.Revents&unix.POLLHUP != 0 {
				flags |= dbustransport.WatchHangup
			}
			if pfd.Revents&unix.POLLERR != 0 {
				flags |= dbustransport.WatchError
			}

			l.mu.Lock()
			ok := w.Fire(flags)
			disconnected := l.transport != nil && transportDisconnected(l.transport)
			l.mu.Unlock()
			if !ok {
				l.logger.Warn("watch handler reported out-of-memory condition")
			}
			if disconnected {
				l.closeLocked()
				return
			}
		}
	}
}

func transportDisconnected(t dbustransport.Capabilities) bool {
	type disconnectReporter interface{ Disconnected() bool }
	if dr, ok := t.(disconnectReporter); ok {
		return dr.Disconnected()
	}
	return false
}

// Close stops Run and finalizes the transport.
func (l *Loop) Close() {
	l.mu.Lock()
	l.closeLocked()
	l.mu.Unlock()
}

func (l *Loop) closeLocked() {
	if l.closed {
		return
	}
	l.closed = true
	if l.transport != nil {
		l.transport.Finalize()
	}
	close(l.Disconnected)
}
