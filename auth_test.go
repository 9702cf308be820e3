// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package transport

import (
	"os"
	"testing"
)

// pumpAuth drives client and server Auth engines against each other purely
// in memory (no socket), feeding each side's output into the other's
// input, until both reach AuthAuthenticated or a bounded number of rounds
// elapses (guards against an infinite loop on a broken mechanism).
func pumpAuth(t *testing.T, client, server *Auth) {
	t.Helper()
	for round := 0; round < 100; round++ {
		progressed := false
		if data, ok := client.GetBytesToSend(); ok {
			server.GetBuffer().AppendBytes(data)
			client.BytesSent(len(data))
			server.ReturnBuffer(len(data))
			progressed = true
		}
		if data, ok := server.GetBytesToSend(); ok {
			client.GetBuffer().AppendBytes(data)
			server.BytesSent(len(data))
			client.ReturnBuffer(len(data))
			progressed = true
		}
		if client.State() == AuthAuthenticated && server.State() == AuthAuthenticated {
			return
		}
		if client.State() == AuthNeedDisconnect || server.State() == AuthNeedDisconnect {
			t.Fatalf("auth failed: client=%v server=%v", client.State(), server.State())
		}
		if !progressed {
			t.Fatalf("auth stalled: client=%v server=%v", client.State(), server.State())
		}
	}
	t.Fatalf("auth did not converge: client=%v server=%v", client.State(), server.State())
}

func TestAuth_AnonymousHandshakeCompletes(t *testing.T) {
	client := NewClientAuth(AnonymousMechanism{Trace: "test@example.com"})
	server := NewServerAuth(AnonymousMechanism{})
	pumpAuth(t, client, server)
}

func TestAuth_ExternalHandshakeCompletesWithMatchingCredentials(t *testing.T) {
	client := NewClientAuth(ExternalMechanism{})
	server := NewServerAuth(ExternalMechanism{})
	// ExternalMechanism.ClientStart asserts the real process uid; the
	// server must learn the same uid via SetCredentials to accept it,
	// mirroring how the transport calls SetCredentials once the
	// transport-level credential exchange (SO_PEERCRED/SCM_CREDENTIALS)
	// completes.
	server.SetCredentials(Credentials{UID: uint32(os.Getuid()), Valid: true})

	pumpAuth(t, client, server)
}

func TestAuth_ExternalRejectsMismatchedUID(t *testing.T) {
	client := NewClientAuth(ExternalMechanism{})
	server := NewServerAuth(ExternalMechanism{})
	server.SetCredentials(Credentials{UID: 1, Valid: true})

	for round := 0; round < 20; round++ {
		if data, ok := client.GetBytesToSend(); ok {
			server.GetBuffer().AppendBytes(data)
			client.BytesSent(len(data))
			server.ReturnBuffer(len(data))
		}
		if data, ok := server.GetBytesToSend(); ok {
			client.GetBuffer().AppendBytes(data)
			server.BytesSent(len(data))
			client.ReturnBuffer(len(data))
		}
		if client.State() == AuthNeedDisconnect {
			return
		}
		if client.State() == AuthAuthenticated {
			t.Fatal("client authenticated with a mismatched uid")
		}
	}
	t.Fatal("expected client to reach need-disconnect")
}

func TestAuth_DoWorkIdempotentWhenAuthenticated(t *testing.T) {
	client := NewClientAuth(AnonymousMechanism{})
	server := NewServerAuth(AnonymousMechanism{})
	pumpAuth(t, client, server)

	before := client.State()
	if got := client.DoWork(); got != before {
		t.Fatalf("DoWork after authenticated changed state to %v", got)
	}
}
