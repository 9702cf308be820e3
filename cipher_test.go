// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package transport

import (
	"bytes"
	"testing"
)

func TestChaChaCipher_RoundTrip(t *testing.T) {
	sender, err := NewChaChaCipher([]byte("shared secret material"))
	if err != nil {
		t.Fatal(err)
	}
	receiver, err := NewChaChaCipher([]byte("shared secret material"))
	if err != nil {
		t.Fatal(err)
	}

	plain := []byte("hello over the wire")
	var sealed Buffer
	if err := sender.Encode(&sealed, plain); err != nil {
		t.Fatal(err)
	}

	var recovered Buffer
	if err := receiver.Decode(&recovered, sealed.Bytes()); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(recovered.Bytes(), plain) {
		t.Fatalf("got %q, want %q", recovered.Bytes(), plain)
	}
}

func TestChaChaCipher_CountersAdvanceAcrossMultipleMessages(t *testing.T) {
	sender, _ := NewChaChaCipher([]byte("k"))
	receiver, _ := NewChaChaCipher([]byte("k"))

	for i := 0; i < 5; i++ {
		plain := []byte{byte(i), byte(i), byte(i)}
		var sealed, recovered Buffer
		if err := sender.Encode(&sealed, plain); err != nil {
			t.Fatal(err)
		}
		if err := receiver.Decode(&recovered, sealed.Bytes()); err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		if !bytes.Equal(recovered.Bytes(), plain) {
			t.Fatalf("message %d: got %v, want %v", i, recovered.Bytes(), plain)
		}
	}
}

func TestChaChaCipher_RejectsTamperedCiphertext(t *testing.T) {
	sender, _ := NewChaChaCipher([]byte("k"))
	receiver, _ := NewChaChaCipher([]byte("k"))

	var sealed Buffer
	if err := sender.Encode(&sealed, []byte("authentic")); err != nil {
		t.Fatal(err)
	}
	tampered := append([]byte(nil), sealed.Bytes()...)
	tampered[len(tampered)-1] ^= 0xFF

	var recovered Buffer
	if err := receiver.Decode(&recovered, tampered); err == nil {
		t.Fatal("want error decoding tampered ciphertext")
	}
}

func TestChaChaCipher_RejectsWrongKey(t *testing.T) {
	sender, _ := NewChaChaCipher([]byte("key-a"))
	receiver, _ := NewChaChaCipher([]byte("key-b"))

	var sealed, recovered Buffer
	if err := sender.Encode(&sealed, []byte("secret")); err != nil {
		t.Fatal(err)
	}
	if err := receiver.Decode(&recovered, sealed.Bytes()); err == nil {
		t.Fatal("want error decoding with mismatched key")
	}
}

func TestChaChaCipher_RejectsReorderedMessages(t *testing.T) {
	sender, _ := NewChaChaCipher([]byte("k"))
	receiver, _ := NewChaChaCipher([]byte("k"))

	var sealed1, sealed2 Buffer
	if err := sender.Encode(&sealed1, []byte("first")); err != nil {
		t.Fatal(err)
	}
	if err := sender.Encode(&sealed2, []byte("second")); err != nil {
		t.Fatal(err)
	}

	var recovered Buffer
	// Feeding the second message first should fail: the receiver's
	// counter-derived nonce expects the first message's counter value.
	if err := receiver.Decode(&recovered, sealed2.Bytes()); err == nil {
		t.Fatal("want error decoding out-of-order message")
	}
}
