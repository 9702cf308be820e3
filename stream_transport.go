// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package transport

import (
	"encoding/binary"
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// StreamTransport is the concrete C6 implementation: one full-duplex fd,
// two watches, the auth drive, and the bounded read/write iterations of
// spec §4.6. It is the sole Capabilities implementation this package ships
// (an in-memory loopback for tests would implement the same interface
// without touching a real fd, per spec §9).
type StreamTransport struct {
	base

	fd         int
	readWatch  *Watch
	writeWatch *Watch
}

var _ Capabilities = (*StreamTransport)(nil)

// newStreamTransport wraps fd (already non-blocking, close-on-exec) in a
// StreamTransport. localSocket controls whether credential exchange is
// attempted at all (spec's Open Question decision: TCP seeds both pending
// flags false so do_authentication never blocks on an exchange that can't
// happen).
func newStreamTransport(fd int, isServer, localSocket bool, address string, loader Loader, auth *Auth) *StreamTransport {
	t := &StreamTransport{
		base: newBase(loader, isServer, auth),
		fd:   fd,
	}
	t.address = address
	t.refs.Store(1)
	if localSocket {
		t.sendCredentialsPending = true
		t.receiveCredentialsPending = true
	}
	t.readWatch = NewWatch(fd, WatchReadable|WatchHangup|WatchError, false)
	t.writeWatch = NewWatch(fd, WatchWritable|WatchHangup|WatchError, false)
	t.readWatch.SetHandler(func(w *Watch, flags WatchFlags) bool { return t.HandleWatch(w, flags) })
	t.writeWatch.SetHandler(func(w *Watch, flags WatchFlags) bool { return t.HandleWatch(w, flags) })
	return t
}

// FD returns the transport's file descriptor, or -1 once disconnected.
func (t *StreamTransport) FD() int {
	if t.Disconnected() {
		return -1
	}
	return t.fd
}

// --- watch recomputation (spec §4.6) ---

func (t *StreamTransport) needReadWatch() bool {
	if t.Disconnected() {
		return false
	}
	if t.Authenticated() {
		return t.liveMessagesSize < t.maxLiveMessagesSize
	}
	return t.receiveCredentialsPending || t.auth.State() == AuthWaitingForInput
}

func (t *StreamTransport) needWriteWatch() bool {
	if t.Disconnected() {
		return false
	}
	if t.Authenticated() {
		return t.conn != nil && t.conn.HaveMessagesToSend()
	}
	return t.sendCredentialsPending || t.auth.State() == AuthBytesToSend
}

// checkReadWatch recomputes and toggles the read watch's enabled state.
func (t *StreamTransport) checkReadWatch() {
	if t.readWatch == nil {
		return
	}
	want := t.needReadWatch()
	if t.readWatch.Enabled() == want {
		return
	}
	t.readWatch.SetEnabled(want)
	if t.conn != nil {
		t.conn.ToggleWatch(t.readWatch, want)
	}
}

// checkWriteWatch recomputes and toggles the write watch's enabled state.
func (t *StreamTransport) checkWriteWatch() {
	if t.writeWatch == nil {
		return
	}
	want := t.needWriteWatch()
	if t.writeWatch.Enabled() == want {
		return
	}
	t.writeWatch.SetEnabled(want)
	if t.conn != nil {
		t.conn.ToggleWatch(t.writeWatch, want)
	}
}

func (t *StreamTransport) recomputeWatches() {
	t.checkReadWatch()
	t.checkWriteWatch()
}

// --- Capabilities ---

// ConnectionSet installs both watches into conn's event loop. On partial
// failure (read watch installs, write watch fails) the read watch is
// removed again, leaving the transport as if ConnectionSet had never been
// called (spec §4.5).
func (t *StreamTransport) ConnectionSet(conn Connection) error {
	t.conn = conn
	if err := conn.AddWatch(t.readWatch); err != nil {
		t.conn = nil
		return err
	}
	if err := conn.AddWatch(t.writeWatch); err != nil {
		conn.RemoveWatch(t.readWatch)
		t.conn = nil
		return err
	}
	t.recomputeWatches()
	return nil
}

// MessagesPending notifies the transport that the outbound queue became
// non-empty.
func (t *StreamTransport) MessagesPending() {
	t.checkWriteWatch()
}

// LiveMessagesChanged notifies the transport that the connection's
// queued-inbound-bytes counter moved.
func (t *StreamTransport) LiveMessagesChanged() {
	t.checkReadWatch()
}

// SetLiveMessagesSize updates the counter check_read_watch's backpressure
// test reads, then recomputes the read watch. The embedding connection
// calls this as its own inbound queue grows and shrinks.
func (t *StreamTransport) SetLiveMessagesSize(n int) {
	t.liveMessagesSize = n
	t.LiveMessagesChanged()
}

// Disconnect releases both watches, closes the fd, and marks the transport
// terminally disconnected. Idempotent (spec §8: "disconnect called twice is
// equivalent to disconnect called once").
func (t *StreamTransport) Disconnect() {
	if t.disconnected.Swap(true) {
		return
	}
	t.ref()
	defer t.unref()

	if t.conn != nil {
		if t.readWatch != nil {
			t.conn.RemoveWatch(t.readWatch)
		}
		if t.writeWatch != nil {
			t.conn.RemoveWatch(t.writeWatch)
		}
	}
	if t.readWatch != nil {
		t.readWatch.Invalidate()
		t.readWatch = nil
	}
	if t.writeWatch != nil {
		t.writeWatch.Invalidate()
		t.writeWatch = nil
	}
	if t.fd >= 0 {
		_ = CloseFD(t.fd)
		t.fd = -1
	}
}

// Finalize releases every resource the transport holds. It is idempotent
// on an already-disconnected transport and, per spec §8, must not touch
// the fd once Disconnect has already run.
func (t *StreamTransport) Finalize() {
	t.Disconnect()
	t.conn = nil
}

// HandleWatch drives one I/O step for w. If w is the read watch and
// readable is set, it drives auth (reading side) then reading; if w is the
// write watch and writable is set, it drives auth (writing side) then
// writing. Hangup/error flags always trigger disconnect.
func (t *StreamTransport) HandleWatch(w *Watch, flags WatchFlags) bool {
	t.ref()
	defer t.unref()

	if t.Disconnected() {
		return true
	}
	if flags.has(WatchHangup) || flags.has(WatchError) {
		t.Disconnect()
		return true
	}

	doRead := w == t.readWatch && flags.has(WatchReadable)
	doWrite := w == t.writeWatch && flags.has(WatchWritable)

	if !t.Authenticated() {
		oom := t.doAuthentication(doRead, doWrite)
		if t.Disconnected() {
			return true
		}
		if oom {
			return false
		}
	}
	if t.Disconnected() {
		return true
	}

	ok := true
	if doRead {
		ok = t.doReading() && ok
	}
	if t.Disconnected() {
		return ok
	}
	if doWrite {
		ok = t.doWriting() && ok
	}
	return ok
}

// DoIteration performs a synchronous, one-shot bounded I/O pass, used by
// callers that need to wait for progress outside the normal event loop
// (e.g. a blocking Send/Receive call).
func (t *StreamTransport) DoIteration(wantRead, wantWrite, block bool, timeoutMS int) {
	t.ref()
	defer t.unref()

	start := time.Now()
	for {
		if t.Disconnected() {
			return
		}
		readWanted := wantRead || t.receiveCredentialsPending || t.auth.State() == AuthWaitingForInput
		writeWanted := wantWrite || t.sendCredentialsPending || t.auth.State() == AuthBytesToSend
		if t.Authenticated() {
			readWanted = wantRead
			writeWanted = wantWrite
		}

		var events int16
		if readWanted {
			events |= unix.POLLIN
		}
		if writeWanted {
			events |= unix.POLLOUT
		}
		pfd := []unix.PollFd{{Fd: int32(t.fd), Events: events}}

		timeout := timeoutMS
		if !block {
			timeout = 0
		} else if timeoutMS > 0 {
			// A signal delivered during the poll (EINTR, handled below) must
			// not reset the clock: retry with whatever of the caller's
			// budget is left, not the full timeout again, or repeated
			// signals could block well past what the caller asked for
			// (spec §8 scenario 6).
			remaining := timeoutMS - int(time.Since(start).Milliseconds())
			if remaining < 0 {
				remaining = 0
			}
			timeout = remaining
		}

		if t.conn != nil && block {
			t.conn.Unlock()
		}
		_, err := unix.Poll(pfd, timeout)
		if t.conn != nil && block {
			t.conn.Lock()
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			t.Disconnect()
			return
		}
		if pfd[0].Revents&unix.POLLERR != 0 {
			t.Disconnect()
			return
		}

		observedRead := pfd[0].Revents&(unix.POLLIN|unix.POLLHUP) != 0
		observedWrite := pfd[0].Revents&unix.POLLOUT != 0
		if !observedRead && !observedWrite {
			return
		}

		if !t.Authenticated() {
			t.doAuthentication(observedRead && readWanted, observedWrite && writeWanted)
			if t.Disconnected() {
				return
			}
		}
		if wantRead && observedRead {
			t.doReading()
		}
		if t.Disconnected() {
			return
		}
		if wantWrite && observedWrite {
			t.doWriting()
		}
		return
	}
}

// --- authentication drive (spec §4.6) ---

// doAuthentication loops until authenticated or no further progress is
// possible, returns true on a recoverable out-of-memory condition.
func (t *StreamTransport) doAuthentication(doRead, doWrite bool) bool {
	for {
		if t.Authenticated() {
			t.recomputeWatches()
			return false
		}

		if t.sendCredentialsPending || t.receiveCredentialsPending {
			if t.sendCredentialsPending && doWrite {
				if err := SendCredentials(t.fd); err != nil {
					if !errors.Is(err, ErrWouldBlock) {
						t.Disconnect()
						return false
					}
				} else {
					t.sendCredentialsPending = false
				}
			}
			if t.receiveCredentialsPending && doRead {
				creds, err := ReadCredentials(t.fd)
				if err != nil {
					if !errors.Is(err, ErrWouldBlock) {
						t.Disconnect()
						return false
					}
				} else {
					t.credentials = creds
					t.receiveCredentialsPending = false
				}
			}
			if !t.sendCredentialsPending && !t.receiveCredentialsPending {
				t.auth.SetCredentials(t.credentials)
			} else {
				t.recomputeWatches()
				return false
			}
		}

		switch t.auth.State() {
		case AuthWaitingForInput:
			if !doRead {
				t.recomputeWatches()
				return false
			}
			buf := t.auth.GetBuffer()
			n, err := Read(t.fd, buf, t.maxBytesReadPerIteration)
			if err != nil {
				if errors.Is(err, ErrNoMemory) {
					t.recomputeWatches()
					return true
				}
				if errors.Is(err, ErrWouldBlock) {
					t.recomputeWatches()
					return false
				}
				t.Disconnect()
				return false
			}
			if n == 0 {
				t.Disconnect()
				return false
			}
			t.auth.ReturnBuffer(n)

		case AuthBytesToSend:
			if !doWrite {
				t.recomputeWatches()
				return false
			}
			data, ok := t.auth.GetBytesToSend()
			if !ok {
				continue
			}
			n, err := Write(t.fd, data, 0, len(data))
			if err != nil {
				if errors.Is(err, ErrWouldBlock) {
					t.recomputeWatches()
					return false
				}
				t.Disconnect()
				return false
			}
			t.auth.BytesSent(n)

		case AuthWaitingForMemory:
			t.recomputeWatches()
			return true

		case AuthNeedDisconnect:
			t.Disconnect()
			return false

		case AuthAuthenticated:
			t.recomputeWatches()
			return false
		}
	}
}

// --- writing loop (spec §4.6) ---

// doWriting is a no-op when not authenticated or disconnected. It iterates
// while the outbound queue is non-empty, subject to the per-iteration byte
// budget and the write watch being enabled.
func (t *StreamTransport) doWriting() bool {
	if !t.Authenticated() || t.Disconnected() || t.conn == nil {
		return true
	}
	written := 0
	for written < t.maxBytesWrittenPerIteration {
		if !t.writeWatch.Enabled() && t.messageBytesWritten == 0 {
			break
		}
		if !t.conn.HaveMessagesToSend() {
			break
		}
		msg := t.conn.GetMessageToSend()
		if msg == nil {
			break
		}
		headerLen := len(msg.Header)
		total := msg.TotalLen()

		// No single write asks for more than what is left of this
		// iteration's budget, the same bound doReading puts on each read.
		budget := t.maxBytesWrittenPerIteration - written
		var n int
		var err error
		if t.auth.NeedsEncoding() {
			if t.encodedOutgoing.Len() == 0 {
				if encErr := t.encodeMessage(msg); encErr != nil {
					// Any encode failure is treated as recoverable OOM
					// (spec §4.6 step 3, §8 scenario 5): the buffer was
					// already reset to zero by encodeMessage, so the next
					// doWriting call simply retries the encode.
					t.checkWriteWatch()
					return false
				}
			}
			// The encoded form (header+body wrapped by the cipher) may be a
			// different length than the raw wire form; track completion
			// against the encoded buffer's own length, not TotalLen.
			total = t.encodedOutgoing.Len()
			n, err = Write(t.fd, t.encodedOutgoing.Bytes(), t.messageBytesWritten, min(budget, t.encodedOutgoing.Len()-t.messageBytesWritten))
		} else if t.messageBytesWritten < headerLen {
			lenA := min(budget, headerLen-t.messageBytesWritten)
			n, err = WriteTwo(t.fd,
				msg.Header, t.messageBytesWritten, lenA,
				msg.Body, 0, min(budget-lenA, len(msg.Body)))
		} else {
			off := t.messageBytesWritten - headerLen
			n, err = Write(t.fd, msg.Body, off, min(budget, len(msg.Body)-off))
		}

		if err != nil {
			if errors.Is(err, ErrWouldBlock) {
				t.checkWriteWatch()
				return true
			}
			t.Disconnect()
			return true
		}
		t.messageBytesWritten += n
		written += n

		if t.messageBytesWritten >= total {
			t.messageBytesWritten = 0
			t.encodedOutgoing.Reset()
			t.conn.MessageSent(msg)
			if t.Disconnected() {
				return true
			}
		}
	}
	t.checkWriteWatch()
	return true
}

// cipherFrameLenBytes is the width of the big-endian length prefix placed in
// front of every sealed AEAD frame on the wire. A seal is opaque ciphertext
// with no self-describing length, so — unlike the plaintext path, which gets
// its framing for free from the loader's own length-prefixed header/body
// format — the encoded path needs its own frame boundary to survive a
// partial socket read landing mid-seal.
const cipherFrameLenBytes = 4

// encodeMessage stages the whole of msg (header and body, length-prefixed
// the same way the loader frames them on the wire) through the auth cipher
// as a single AEAD seal, then wraps that seal in its own length prefix in
// encodedOutgoing. Sealing header and body separately would require the
// receiver to know in advance where one seal ends and the next begins,
// which the wire format does not give it; one seal per message keeps the
// sender's and receiver's nonce counters in lock-step as well. The buffer
// is reset to zero on failure so the encode is cleanly restartable on the
// next call (spec §8 scenario 5).
func (t *StreamTransport) encodeMessage(msg *Message) error {
	var plain Buffer
	if err := EncodeMessage(&plain, msg); err != nil {
		return err
	}
	var sealed Buffer
	if err := t.auth.EncodeData(&sealed, plain.Bytes()); err != nil {
		return err
	}
	var lenPrefix [cipherFrameLenBytes]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(sealed.Len()))
	if err := t.encodedOutgoing.AppendBytes(lenPrefix[:]); err != nil {
		t.encodedOutgoing.Reset()
		return err
	}
	if err := t.encodedOutgoing.AppendBytes(sealed.Bytes()); err != nil {
		t.encodedOutgoing.Reset()
		return err
	}
	return nil
}

// --- reading loop (spec §4.6) ---

// doReading is a no-op when not authenticated. Each pass recomputes the
// read watch (backpressure may have changed), reads at most one chunk
// through the auth decode (if negotiated) or directly into the loader's
// buffer, and asks the connection to queue any complete messages.
func (t *StreamTransport) doReading() bool {
	if !t.Authenticated() {
		return true
	}
	read := 0
	for {
		t.checkReadWatch()
		if read >= t.maxBytesReadPerIteration {
			return true
		}
		if t.Disconnected() || !t.readWatch.Enabled() {
			return true
		}

		if t.auth.NeedsDecoding() {
			if !hasCompleteCipherFrame(t.encodedIncoming.Bytes()) {
				n, err := Read(t.fd, t.encodedIncoming, t.maxBytesReadPerIteration-read)
				if err != nil {
					if errors.Is(err, ErrWouldBlock) {
						return true
					}
					if errors.Is(err, ErrNoMemory) {
						return false
					}
					t.Disconnect()
					return true
				}
				if n == 0 {
					t.Disconnect()
					return true
				}
				read += n
			}
			for {
				consumed, err := t.decodeOneCipherFrame()
				if err != nil {
					if errors.Is(err, ErrNoMemory) {
						return false
					}
					t.Disconnect()
					return true
				}
				if !consumed {
					break
				}
			}
		} else {
			dst := t.loader.GetBuffer()
			n, err := Read(t.fd, dst, t.maxBytesReadPerIteration-read)
			if err != nil {
				if errors.Is(err, ErrWouldBlock) {
					return true
				}
				if errors.Is(err, ErrNoMemory) {
					return false
				}
				t.Disconnect()
				return true
			}
			if n == 0 {
				t.Disconnect()
				return true
			}
			read += n
			t.loader.ReturnBuffer(n)
		}

		if err := t.loader.QueueMessages(); err != nil {
			return false
		}
		if t.Disconnected() {
			return true
		}
	}
}

// hasCompleteCipherFrame reports whether b begins with a full length-prefixed
// sealed frame: enough bytes for the prefix itself plus the ciphertext it
// names.
func hasCompleteCipherFrame(b []byte) bool {
	if len(b) < cipherFrameLenBytes {
		return false
	}
	n := binary.BigEndian.Uint32(b[:cipherFrameLenBytes])
	return len(b)-cipherFrameLenBytes >= int(n)
}

// decodeOneCipherFrame decodes at most one length-prefixed sealed frame off
// the front of encodedIncoming into the loader's buffer (as the
// length-prefixed header/body plaintext EncodeMessage produced on the send
// side, so the loader's ordinary QueueMessages parses it same as an
// unencrypted stream). consumed is false when encodedIncoming does not yet
// hold a complete frame.
func (t *StreamTransport) decodeOneCipherFrame() (consumed bool, err error) {
	if !hasCompleteCipherFrame(t.encodedIncoming.Bytes()) {
		return false, nil
	}
	b := t.encodedIncoming.Bytes()
	frameLen := int(binary.BigEndian.Uint32(b[:cipherFrameLenBytes]))
	sealed := b[cipherFrameLenBytes : cipherFrameLenBytes+frameLen]

	var plain Buffer
	if err := t.auth.DecodeData(&plain, sealed); err != nil {
		return false, err
	}
	dst := t.loader.GetBuffer()
	before := dst.Len()
	if err := dst.AppendBytes(plain.Bytes()); err != nil {
		return false, err
	}
	t.loader.ReturnBuffer(dst.Len() - before)

	consumeCipherFront(t.encodedIncoming, cipherFrameLenBytes+frameLen)
	return true, nil
}

// consumeCipherFront drops n bytes from the front of b, shifting any
// remaining buffered bytes (the start of the next frame, not yet complete)
// down to the start — the same discipline loader.go's consumed helper uses
// for its own inbound buffer.
func consumeCipherFront(b *Buffer, n int) {
	rest := append([]byte(nil), b.Bytes()[n:]...)
	b.Reset()
	_ = b.AppendBytes(rest)
}
