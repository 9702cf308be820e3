// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package transport

import (
	"bytes"
	"errors"
)

// AuthState classifies the auth engine's current disposition, driving the
// transport's do_authentication loop (spec §4.6).
type AuthState int

const (
	// AuthWaitingForInput means the engine needs more bytes from the peer
	// before it can make progress.
	AuthWaitingForInput AuthState = iota
	// AuthWaitingForMemory means the engine hit a recoverable allocation
	// ceiling and must be retried later with no new input.
	AuthWaitingForMemory
	// AuthBytesToSend means the engine has produced output bytes the
	// transport should write to the peer.
	AuthBytesToSend
	// AuthNeedDisconnect means the handshake failed irrecoverably (a
	// malformed line, an exhausted mechanism list, a refused credential).
	AuthNeedDisconnect
	// AuthAuthenticated is the terminal success state. Once here,
	// application messages are legal on the transport.
	AuthAuthenticated
)

func (s AuthState) String() string {
	switch s {
	case AuthWaitingForInput:
		return "waiting-for-input"
	case AuthWaitingForMemory:
		return "waiting-for-memory"
	case AuthBytesToSend:
		return "bytes-to-send"
	case AuthNeedDisconnect:
		return "need-disconnect"
	case AuthAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// ErrRejected is the terminal error recorded when every offered mechanism
// has been rejected.
var ErrRejected = errors.New("transport: authentication rejected")

// Cipher is the optional post-authentication stream transform a mechanism
// may negotiate. When present, EncodeData/DecodeData replace the raw
// serialized message as the wire form.
type Cipher interface {
	// Encode appends the transformed form of src to dst.
	Encode(dst *Buffer, src []byte) error
	// Decode appends the recovered plaintext decoded from src to dst.
	Decode(dst *Buffer, src []byte) error
}

// Mechanism implements one SASL-style authentication mechanism. Mechanisms
// are tried in the order given to NewAuth; a mechanism that cannot validate
// the exchange returns ErrRejected from Continue so the engine advances to
// the next one.
type Mechanism interface {
	// Name is the mechanism's wire name, e.g. "EXTERNAL".
	Name() string
	// ServerStart is called when a client picks this mechanism, with the
	// client's initial response (may be empty). It returns the challenge
	// to send (nil if none), or ok=true if the exchange is already
	// complete, or an error (typically ErrRejected).
	ServerStart(initialResponse []byte, creds Credentials) (challenge []byte, ok bool, err error)
	// ServerContinue is called with each subsequent client DATA line.
	ServerContinue(data []byte, creds Credentials) (challenge []byte, ok bool, err error)
	// ClientStart returns this mechanism's initial response.
	ClientStart(creds Credentials) (initialResponse []byte, err error)
	// ClientContinue responds to a server challenge.
	ClientContinue(challenge []byte, creds Credentials) (response []byte, ok bool, err error)
	// Cipher returns the post-auth transform this mechanism negotiated, or
	// nil if the wire form is unchanged after authentication.
	Cipher() Cipher
}

// Auth drives the pre-message handshake sub-protocol described in spec
// §4.4. The transport supplies inbound bytes via GetBuffer/ReturnBuffer and
// drains outbound bytes via GetBytesToSend/BytesSent; it never parses the
// handshake itself.
type Auth struct {
	isServer   bool
	mechanisms []Mechanism

	in  *Buffer // undelivered bytes from the peer, line-buffered
	out *Buffer // bytes queued to send; outSent marks what's been consumed
	outSent int

	state   AuthState
	creds   Credentials
	haveCreds bool

	chosen   Mechanism
	triedIdx int
	guid     []byte // server's identifying token, sent in the final OK line

	cipher Cipher

	// leadingNULConsumed marks whether the server side has stripped the
	// single NUL byte the client sends before its first AUTH line (the
	// wire marker traditionally carried alongside SCM_CREDENTIALS). The
	// client never sets this; it only strips bytes it receives.
	leadingNULConsumed bool
}

// NewServerAuth returns an Auth engine for the server side of a connection,
// offering mechanisms in priority order.
func NewServerAuth(mechanisms ...Mechanism) *Auth {
	a := &Auth{isServer: true, mechanisms: mechanisms}
	a.init()
	return a
}

// NewClientAuth returns an Auth engine for the client side of a connection.
// mechanisms are tried in order until one succeeds or all are rejected.
func NewClientAuth(mechanisms ...Mechanism) *Auth {
	a := &Auth{isServer: false, mechanisms: mechanisms}
	a.init()
	return a
}

func (a *Auth) init() {
	a.in = NewBuffer(1 << 20)
	a.out = NewBuffer(1 << 20)
	a.state = AuthWaitingForInput
	if a.isServer {
		a.guid = randomGUID()
	} else {
		// Client speaks first: a leading NUL (credential-exchange marker on
		// local sockets), then an AUTH line for the first mechanism.
		a.out.AppendBytes([]byte{0})
		a.tryNextClientMechanism(nil)
	}
	// The client now has output queued; the server has none yet. Compute
	// the literal state immediately so a caller driving purely off State()
	// (the transport's do_authentication switch) sees the right thing on
	// its very first call, before any DoWork has run. tryNextClientMechanism
	// may already have set AuthNeedDisconnect (every mechanism's ClientStart
	// failed); leave that as is.
	if a.state != AuthNeedDisconnect {
		a.state = a.pendingSendOrInput()
	}
}

// GetBuffer returns the mutable tail of the inbound scratch buffer for the
// transport to read raw bytes into directly.
func (a *Auth) GetBuffer() *Buffer { return a.in }

// ReturnBuffer notifies the engine that n bytes were appended to the buffer
// returned by GetBuffer, and re-drives the state machine.
func (a *Auth) ReturnBuffer(n int) {
	a.DoWork()
}

// GetBytesToSend returns the bytes queued for the peer, or ok=false if
// there is nothing to send right now.
func (a *Auth) GetBytesToSend() (data []byte, ok bool) {
	rest := a.out.Bytes()[a.outSent:]
	if len(rest) == 0 {
		return nil, false
	}
	return rest, true
}

// BytesSent commits n bytes as delivered to the peer.
func (a *Auth) BytesSent(n int) {
	a.outSent += n
	if a.outSent >= a.out.Len() {
		a.out.Reset()
		a.outSent = 0
	}
	a.DoWork()
}

// SetCredentials informs the engine of the peer's credentials once they
// have been exchanged at the transport layer. Called exactly once.
func (a *Auth) SetCredentials(c Credentials) {
	a.creds = c
	a.haveCreds = true
	a.DoWork()
}

// NeedsEncoding reports whether the negotiated mechanism installed a
// post-authentication stream cipher.
func (a *Auth) NeedsEncoding() bool { return a.state == AuthAuthenticated && a.cipher != nil }

// NeedsDecoding mirrors NeedsEncoding for the inbound direction; this engine
// uses one symmetric Cipher for both directions.
func (a *Auth) NeedsDecoding() bool { return a.NeedsEncoding() }

// EncodeData runs the negotiated cipher's Encode transform.
func (a *Auth) EncodeData(dst *Buffer, src []byte) error {
	if a.cipher == nil {
		return errors.New("transport: no cipher negotiated")
	}
	return a.cipher.Encode(dst, src)
}

// DecodeData runs the negotiated cipher's Decode transform.
func (a *Auth) DecodeData(dst *Buffer, src []byte) error {
	if a.cipher == nil {
		return errors.New("transport: no cipher negotiated")
	}
	return a.cipher.Decode(dst, src)
}

// State returns the engine's current classification without attempting any
// progress.
func (a *Auth) State() AuthState { return a.state }

// DoWork advances the state machine using whatever input is currently
// buffered. It is idempotent when no progress is possible.
func (a *Auth) DoWork() AuthState {
	if a.state == AuthAuthenticated || a.state == AuthNeedDisconnect {
		return a.state
	}
	if a.isServer && !a.leadingNULConsumed {
		b := a.in.Bytes()
		if len(b) == 0 {
			a.state = a.pendingSendOrInput()
			return a.state
		}
		if b[0] != 0 {
			a.state = AuthNeedDisconnect
			return a.state
		}
		remaining := append([]byte(nil), b[1:]...)
		a.in.Reset()
		_ = a.in.AppendBytes(remaining)
		a.leadingNULConsumed = true
	}
	for {
		line, rest, found := cutLine(a.in.Bytes())
		if !found {
			a.state = a.pendingSendOrInput()
			return a.state
		}
		a.consumeLine()
		if err := a.handleLine(line); err != nil {
			a.state = AuthNeedDisconnect
			return a.state
		}
		if a.state == AuthAuthenticated || a.state == AuthNeedDisconnect {
			return a.state
		}
		_ = rest
	}
}

func (a *Auth) pendingSendOrInput() AuthState {
	if _, ok := a.GetBytesToSend(); ok {
		return AuthBytesToSend
	}
	return AuthWaitingForInput
}

// consumeLine removes the first CRLF-terminated line (including the CRLF)
// from the inbound buffer.
func (a *Auth) consumeLine() {
	b := a.in.Bytes()
	idx := bytes.Index(b, []byte("\r\n"))
	if idx < 0 {
		return
	}
	remaining := append([]byte(nil), b[idx+2:]...)
	a.in.Reset()
	a.in.AppendBytes(remaining)
}

func cutLine(b []byte) (line []byte, rest []byte, found bool) {
	idx := bytes.Index(b, []byte("\r\n"))
	if idx < 0 {
		return nil, b, false
	}
	return b[:idx], b[idx+2:], true
}

func (a *Auth) send(line string) {
	a.out.AppendBytes([]byte(line))
	a.out.AppendBytes([]byte("\r\n"))
}
