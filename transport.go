// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package transport

import "sync/atomic"

// Connection is the embedding-side collaborator a transport drives (spec
// §6). It owns the transport (strong reference) while the transport holds
// only a raw back-reference to it (spec §9's cyclic-ownership resolution).
type Connection interface {
	// AddWatch installs w into the event loop.
	AddWatch(w *Watch) error
	// RemoveWatch uninstalls w.
	RemoveWatch(w *Watch)
	// ToggleWatch flips w's enabled state in the event loop.
	ToggleWatch(w *Watch, enabled bool)
	// HaveMessagesToSend reports whether the outbound queue is non-empty.
	HaveMessagesToSend() bool
	// GetMessageToSend peeks the head of the outbound queue without
	// popping it.
	GetMessageToSend() *Message
	// MessageSent notifies the connection that msg has been fully written
	// to the wire; the connection pops it from the outbound queue.
	MessageSent(msg *Message)
	// Lock/Unlock serialize all calls into the transport. do_iteration
	// drops this lock around a blocking poll (spec §4.6, §5).
	Lock()
	Unlock()
}

// Capabilities is the explicit vtable spec §9 calls for in place of a
// concrete-transport-as-subclass pattern: a transport value implements
// this interface, and the stream transport below is one implementation.
// An in-memory loopback transport for tests can implement the same
// interface without touching a real fd.
type Capabilities interface {
	// HandleWatch drives one I/O step for watch w, given the observed
	// readiness flags. Returns false on a recoverable out-of-memory
	// condition (spec §4.5).
	HandleWatch(w *Watch, flags WatchFlags) bool
	// Disconnect is idempotent: releases watches, closes the fd, marks
	// disconnected. Safe to call from any reachable state.
	Disconnect()
	// ConnectionSet installs the transport's watches into conn's event
	// loop, rolling back on partial failure.
	ConnectionSet(conn Connection) error
	// MessagesPending notifies the transport that the outbound queue
	// became non-empty, triggering a write-watch recompute.
	MessagesPending()
	// DoIteration performs a synchronous bounded I/O pass: polls for the
	// requested readiness (augmented by whatever auth currently needs),
	// sleeping up to timeoutMS if block is set, then drives the
	// corresponding reading/writing actions.
	DoIteration(wantRead, wantWrite, block bool, timeoutMS int)
	// LiveMessagesChanged notifies the transport that the connection's
	// queued-inbound-bytes counter moved, triggering a read-watch
	// recompute (backpressure).
	LiveMessagesChanged()
	// Finalize releases every resource the transport holds. Idempotent on
	// an already-disconnected transport.
	Finalize()
}

// base holds the fields and refcount/invariant bookkeeping common to every
// transport implementation (spec §3's C5). StreamTransport embeds it.
type base struct {
	refs atomic.Int32

	conn   Connection
	loader Loader

	auth *Auth

	isServer bool
	address  string // retained verbatim for diagnostics, spec §6

	disconnected atomic.Bool

	sendCredentialsPending    bool
	receiveCredentialsPending bool
	credentials               Credentials

	liveMessagesSize    int
	maxLiveMessagesSize int

	messageBytesWritten int

	encodedOutgoing *Buffer
	encodedIncoming *Buffer

	maxBytesReadPerIteration    int
	maxBytesWrittenPerIteration int
}

// defaultPerIterationBudget matches spec §9's reasonable default: enough to
// keep handle_watch responsive against a peer streaming a large payload.
const defaultPerIterationBudget = 2048

func newBase(loader Loader, isServer bool, auth *Auth) base {
	return base{
		loader:                      loader,
		isServer:                    isServer,
		auth:                        auth,
		maxLiveMessagesSize:         64 * 1024 * 1024,
		maxBytesReadPerIteration:    defaultPerIterationBudget,
		maxBytesWrittenPerIteration: defaultPerIterationBudget,
		encodedOutgoing:             NewBuffer(0),
		encodedIncoming:             NewBuffer(0),
	}
}

// ref takes a temporary strong reference to the transport itself (not the
// connection) so that a callback into user code — the connection's watch
// toggler, the loader — cannot have the transport freed out from under a
// live frame (spec §5, §9). Paired with unref on every return path.
func (b *base) ref() int32   { return b.refs.Add(1) }
func (b *base) unref() int32 { return b.refs.Add(-1) }

// Disconnected reports whether the transport has already torn down. Every
// method that may reenter via a callback must check this afterward before
// continuing (spec §5's reentrancy discipline).
func (b *base) Disconnected() bool { return b.disconnected.Load() }

// LiveMessagesSize returns the current count of inbound bytes buffered and
// not yet delivered to the application, used by check_read_watch's
// backpressure test.
func (b *base) LiveMessagesSize() int { return b.liveMessagesSize }

// SetMaxLiveMessagesSize configures the backpressure ceiling.
func (b *base) SetMaxLiveMessagesSize(n int) { b.maxLiveMessagesSize = n }

// SetIterationBudgets overrides the default per-iteration read/write byte
// budgets (spec §9: "should be configurable").
func (b *base) SetIterationBudgets(read, write int) {
	b.maxBytesReadPerIteration = read
	b.maxBytesWrittenPerIteration = write
}

// Address returns the address string the transport was opened from.
func (b *base) Address() string { return b.address }

// Authenticated reports whether the auth engine has reached its terminal
// success state (spec invariant 2: no application message may cross the
// transport before this is true).
func (b *base) Authenticated() bool { return b.auth.State() == AuthAuthenticated }
