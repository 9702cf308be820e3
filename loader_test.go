// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package transport

import (
	"bytes"
	"testing"
)

type captureSink struct{ got []*Message }

func (c *captureSink) Deliver(msg *Message) { c.got = append(c.got, msg) }

func TestDefaultLoader_ParsesOneMessageFedInOneShot(t *testing.T) {
	sink := &captureSink{}
	l := NewDefaultLoader(sink, 0)

	var wire Buffer
	if err := EncodeMessage(&wire, &Message{Header: []byte("hdr"), Body: []byte("payload")}); err != nil {
		t.Fatal(err)
	}

	if err := l.GetBuffer().AppendBytes(wire.Bytes()); err != nil {
		t.Fatal(err)
	}
	l.ReturnBuffer(wire.Len())
	if err := l.QueueMessages(); err != nil {
		t.Fatal(err)
	}

	if len(sink.got) != 1 {
		t.Fatalf("got %d messages, want 1", len(sink.got))
	}
	if string(sink.got[0].Header) != "hdr" || string(sink.got[0].Body) != "payload" {
		t.Fatalf("got %+v", sink.got[0])
	}
}

func TestDefaultLoader_ResumesAcrossByteAtATimeFeeds(t *testing.T) {
	sink := &captureSink{}
	l := NewDefaultLoader(sink, 0)

	var wire Buffer
	if err := EncodeMessage(&wire, &Message{Header: []byte("h"), Body: []byte("body-bytes")}); err != nil {
		t.Fatal(err)
	}

	full := wire.Bytes()
	for i := 0; i < len(full); i++ {
		if err := l.GetBuffer().AppendBytes(full[i : i+1]); err != nil {
			t.Fatal(err)
		}
		l.ReturnBuffer(1)
		if err := l.QueueMessages(); err != nil {
			t.Fatal(err)
		}
		if i < len(full)-1 && len(sink.got) != 0 {
			t.Fatalf("delivered early at byte %d", i)
		}
	}

	if len(sink.got) != 1 {
		t.Fatalf("got %d messages, want 1", len(sink.got))
	}
	if string(sink.got[0].Body) != "body-bytes" {
		t.Fatalf("got body %q", sink.got[0].Body)
	}
}

func TestDefaultLoader_ParsesMultipleMessagesBackToBack(t *testing.T) {
	sink := &captureSink{}
	l := NewDefaultLoader(sink, 0)

	var wire Buffer
	msgs := []*Message{
		{Header: []byte("a"), Body: []byte("one")},
		{Header: []byte("bb"), Body: []byte("two-two")},
		{Header: nil, Body: []byte("three")},
	}
	for _, m := range msgs {
		if err := EncodeMessage(&wire, m); err != nil {
			t.Fatal(err)
		}
	}

	if err := l.GetBuffer().AppendBytes(wire.Bytes()); err != nil {
		t.Fatal(err)
	}
	l.ReturnBuffer(wire.Len())
	if err := l.QueueMessages(); err != nil {
		t.Fatal(err)
	}

	if len(sink.got) != len(msgs) {
		t.Fatalf("got %d messages, want %d", len(sink.got), len(msgs))
	}
	for i, m := range msgs {
		if !bytes.Equal(sink.got[i].Header, m.Header) || !bytes.Equal(sink.got[i].Body, m.Body) {
			t.Fatalf("message %d: got %+v, want %+v", i, sink.got[i], m)
		}
	}
}

func TestDefaultLoader_ExtendedLengthFields(t *testing.T) {
	sink := &captureSink{}
	l := NewDefaultLoader(sink, 0)

	big := bytes.Repeat([]byte("z"), 1<<16+37) // forces the ext64 length tag
	medium := bytes.Repeat([]byte("y"), 1000)  // forces the ext16 length tag

	var wire Buffer
	if err := EncodeMessage(&wire, &Message{Header: medium, Body: big}); err != nil {
		t.Fatal(err)
	}

	if err := l.GetBuffer().AppendBytes(wire.Bytes()); err != nil {
		t.Fatal(err)
	}
	l.ReturnBuffer(wire.Len())
	if err := l.QueueMessages(); err != nil {
		t.Fatal(err)
	}

	if len(sink.got) != 1 {
		t.Fatalf("got %d messages, want 1", len(sink.got))
	}
	if !bytes.Equal(sink.got[0].Header, medium) {
		t.Fatalf("header mismatch: got %d bytes, want %d", len(sink.got[0].Header), len(medium))
	}
	if !bytes.Equal(sink.got[0].Body, big) {
		t.Fatalf("body mismatch: got %d bytes, want %d", len(sink.got[0].Body), len(big))
	}
}

func TestDefaultLoader_RejectsOversizeMessage(t *testing.T) {
	sink := &captureSink{}
	l := NewDefaultLoader(sink, 10)

	var wire Buffer
	if err := EncodeMessage(&wire, &Message{Header: []byte("way too long for the ceiling")}); err != nil {
		t.Fatal(err)
	}

	if err := l.GetBuffer().AppendBytes(wire.Bytes()); err != nil {
		t.Fatal(err)
	}
	l.ReturnBuffer(wire.Len())
	if err := l.QueueMessages(); err != ErrTooLong {
		t.Fatalf("got %v, want ErrTooLong", err)
	}
}

func TestEncodeMessage_RoundTrip(t *testing.T) {
	var dst Buffer
	msg := &Message{Header: []byte("round"), Body: []byte("trip")}
	if err := EncodeMessage(&dst, msg); err != nil {
		t.Fatal(err)
	}

	sink := &captureSink{}
	l := NewDefaultLoader(sink, 0)
	if err := l.GetBuffer().AppendBytes(dst.Bytes()); err != nil {
		t.Fatal(err)
	}
	l.ReturnBuffer(dst.Len())
	if err := l.QueueMessages(); err != nil {
		t.Fatal(err)
	}
	if len(sink.got) != 1 {
		t.Fatalf("got %d messages, want 1", len(sink.got))
	}
	if string(sink.got[0].Header) != "round" || string(sink.got[0].Body) != "trip" {
		t.Fatalf("got %+v", sink.got[0])
	}
}
