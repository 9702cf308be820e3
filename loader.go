// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package transport

import (
	"encoding/binary"
	"errors"

	"code.hybscloud.com/dbustransport/internal/bo"
	"code.hybscloud.com/iox"
)

// ErrMore is iox's companion sentinel to ErrWouldBlock: "this completion is
// usable and more completions will follow". It is re-exported for parity
// with the teacher package; nothing in this package returns it.
var ErrMore = iox.ErrMore

// Message is the minimal shape the transport core needs from the
// message parser/serializer that spec §1 treats as an external
// collaborator: a header region and a body region, each independently
// addressable so WriteTwo can scatter-write them without a copy.
type Message struct {
	Header []byte
	Body   []byte
}

// TotalLen returns the combined wire length of the header and body.
func (m *Message) TotalLen() int { return len(m.Header) + len(m.Body) }

// Loader parses an inbound byte stream into discrete Messages, and
// Serializer turns a Message into its header+body wire form. The stream
// transport (C6) only ever calls GetBuffer/ReturnBuffer/QueueMessages: it
// never inspects message contents itself (spec §6).
type Loader interface {
	// GetBuffer returns the loader's mutable tail region for the
	// transport to read raw bytes into directly.
	GetBuffer() *Buffer
	// ReturnBuffer notifies the loader that n bytes were appended to the
	// buffer returned by GetBuffer.
	ReturnBuffer(n int)
	// QueueMessages asks the loader to parse any complete messages out of
	// its buffer and hand them to the connection's inbound queue. It
	// reports ErrNoMemory on a recoverable allocation ceiling.
	QueueMessages() error
}

// MessageSink receives messages a Loader has fully parsed, in the order
// they completed. A connection implementation supplies this.
type MessageSink interface {
	Deliver(msg *Message)
}

// frameHeader mirrors framer's compact length-prefix encoding (spec §6:
// "the transport makes no assumption about framing boundaries beyond what
// write_two lets it express"), applied here to a header-then-body message
// pair instead of framer's opaque payload. Layout per message on the wire:
//
//	1 byte:  tag
//	  0..253          -> header length L, no extension
//	  254 (extLen=2)  -> next 2 bytes (native byte order) hold header length
//	  255 (extLen=8)  -> next 8 bytes (native byte order) hold header length
//	varint-free body length: identical tag scheme, immediately following
//	  the header bytes once they have been fully read.
const (
	lenTagMax   = 1<<8 - 3
	lenTagExt16 = lenTagMax + 1
	lenTagExt64 = lenTagMax + 2
)

var byteOrder binary.ByteOrder = bo.Native()

// ErrTooLong reports that a message's header or body length exceeds the
// loader's configured ceiling.
var ErrTooLong = errors.New("transport: message too long")

// loaderStage names which field of a Message the loader is currently
// filling, so partial reads can resume exactly where they left off —
// the same discipline framer's readStream uses via its offset/length
// fields (internal.go).
type loaderStage int

const (
	stageHeaderLen loaderStage = iota
	stageHeaderBody
	stageBodyLen
	stageBodyBody
	stageDone
)

// DefaultLoader is the reference Loader/Serializer implementation used by
// the reference binaries and the loopback tests. It is not part of the
// transport core proper (spec §1 places the parser out of scope) but gives
// the core something concrete to drive end to end.
type DefaultLoader struct {
	in  *Buffer
	out MessageSink

	MaxMessageBytes int // 0 means unlimited

	stage loaderStage
	lenBuf  [8]byte
	lenOff  int
	lenWant int
	headerLen int
	bodyLen   int
	cur       *Message
}

// NewDefaultLoader returns a Loader that delivers completed messages to
// sink as they are parsed out of the inbound stream.
func NewDefaultLoader(sink MessageSink, maxMessageBytes int) *DefaultLoader {
	return &DefaultLoader{
		in:              NewBuffer(0),
		out:             sink,
		MaxMessageBytes: maxMessageBytes,
		stage:           stageDone, // first step begins a fresh message
	}
}

func (l *DefaultLoader) GetBuffer() *Buffer { return l.in }

func (l *DefaultLoader) ReturnBuffer(int) {}

// QueueMessages drains as many complete header+body messages as the
// buffered bytes allow, delivering each to the sink in arrival order.
func (l *DefaultLoader) QueueMessages() error {
	for {
		progressed, err := l.step()
		if err != nil {
			return err
		}
		if !progressed {
			return nil
		}
	}
}

// step advances the loader's internal state machine by at most one field.
// It returns progressed=false when the buffered bytes are exhausted before
// the current field completes; the remaining bytes stay buffered for the
// next QueueMessages call once more bytes arrive.
func (l *DefaultLoader) step() (progressed bool, err error) {
	switch l.stage {
	case stageHeaderLen, stageBodyLen:
		return l.readLength()
	case stageHeaderBody:
		return l.readHeaderBody()
	case stageBodyBody:
		return l.readBodyBody()
	default:
		l.beginMessage()
		return true, nil
	}
}

func (l *DefaultLoader) beginMessage() {
	l.cur = &Message{}
	l.lenOff = 0
	l.lenWant = 1
	l.stage = stageHeaderLen
}

// readLength parses one tag-prefixed length field (shared shape for both
// the header-length and body-length fields).
func (l *DefaultLoader) readLength() (bool, error) {
	avail := l.in.Bytes()
	for l.lenOff < l.lenWant {
		if len(avail) == 0 {
			return false, nil
		}
		l.lenBuf[l.lenOff] = avail[0]
		avail = avail[1:]
		l.consumed(1)
		l.lenOff++
		if l.lenOff == 1 {
			switch l.lenBuf[0] {
			case lenTagExt16:
				l.lenWant = 1 + 2
			case lenTagExt64:
				l.lenWant = 1 + 8
			default:
				l.lenWant = 1
			}
		}
	}

	var n int
	switch l.lenBuf[0] {
	case lenTagExt16:
		n = int(byteOrder.Uint16(l.lenBuf[1:3]))
	case lenTagExt64:
		n = int(byteOrder.Uint64(l.lenBuf[1:9]))
	default:
		n = int(l.lenBuf[0])
	}
	if l.MaxMessageBytes > 0 && n > l.MaxMessageBytes {
		return false, ErrTooLong
	}

	if l.stage == stageHeaderLen {
		l.headerLen = n
		l.cur.Header = make([]byte, 0, n)
		l.stage = stageHeaderBody
	} else {
		l.bodyLen = n
		l.cur.Body = make([]byte, 0, n)
		l.stage = stageBodyBody
	}
	l.lenOff = 0
	l.lenWant = 1
	return true, nil
}

func (l *DefaultLoader) readHeaderBody() (bool, error) {
	need := l.headerLen - len(l.cur.Header)
	if need == 0 {
		l.stage = stageBodyLen
		return true, nil
	}
	avail := l.in.Bytes()
	if len(avail) == 0 {
		return false, nil
	}
	take := need
	if take > len(avail) {
		take = len(avail)
	}
	l.cur.Header = append(l.cur.Header, avail[:take]...)
	l.consumed(take)
	return true, nil
}

func (l *DefaultLoader) readBodyBody() (bool, error) {
	need := l.bodyLen - len(l.cur.Body)
	if need == 0 {
		msg := l.cur
		l.out.Deliver(msg)
		l.stage = stageDone
		return true, nil
	}
	avail := l.in.Bytes()
	if len(avail) == 0 {
		return false, nil
	}
	take := need
	if take > len(avail) {
		take = len(avail)
	}
	l.cur.Body = append(l.cur.Body, avail[:take]...)
	l.consumed(take)
	return true, nil
}

// consumed drops n bytes from the front of the inbound buffer. The loader
// owns the buffer exclusively (spec §6) so a copying shift is acceptable;
// it only ever shifts the small undelivered remainder, not whole messages.
func (l *DefaultLoader) consumed(n int) {
	rest := append([]byte(nil), l.in.Bytes()[n:]...)
	l.in.Reset()
	l.in.AppendBytes(rest)
}

// EncodeMessage writes msg's length-prefixed header and body into dst,
// the inverse of DefaultLoader's parse. Used by a Serializer implementation
// when a transport's auth engine has negotiated needs_encoding=true and
// the whole message (not just header+body separately) must be staged into
// one buffer before encoding (spec §4.6 step 3).
func EncodeMessage(dst *Buffer, msg *Message) error {
	if err := appendLengthPrefixed(dst, msg.Header); err != nil {
		return err
	}
	return appendLengthPrefixed(dst, msg.Body)
}

func appendLengthPrefixed(dst *Buffer, p []byte) error {
	n := len(p)
	switch {
	case n <= lenTagMax:
		if err := dst.AppendBytes([]byte{byte(n)}); err != nil {
			return err
		}
	case n <= 1<<16-1:
		var hdr [3]byte
		hdr[0] = lenTagExt16
		byteOrder.PutUint16(hdr[1:], uint16(n))
		if err := dst.AppendBytes(hdr[:]); err != nil {
			return err
		}
	default:
		var hdr [9]byte
		hdr[0] = lenTagExt64
		byteOrder.PutUint64(hdr[1:], uint64(n))
		if err := dst.AppendBytes(hdr[:]); err != nil {
			return err
		}
	}
	return dst.AppendBytes(p)
}
