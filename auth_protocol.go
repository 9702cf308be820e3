// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package transport

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// randomGUID returns a 16-byte random identifier hex-encoded, used as the
// server's token in the final OK line. If crypto/rand fails it returns a
// fixed all-zero token instead of panicking, and the handshake proceeds
// with that token.
func randomGUID() []byte {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return []byte("0000000000000000")
	}
	return []byte(hex.EncodeToString(b))
}

// handleLine dispatches one complete line of the handshake sub-protocol.
func (a *Auth) handleLine(line []byte) error {
	fields := strings.Fields(string(line))
	if len(fields) == 0 {
		return fmt.Errorf("transport: empty auth line")
	}
	cmd := fields[0]

	if a.isServer {
		return a.handleServerLine(cmd, fields)
	}
	return a.handleClientLine(cmd, fields)
}

// --- Server side ---

func (a *Auth) handleServerLine(cmd string, fields []string) error {
	switch cmd {
	case "AUTH":
		return a.serverHandleAuth(fields)
	case "DATA":
		return a.serverHandleData(fields)
	case "CANCEL":
		a.chosen = nil
		a.send("REJECTED " + a.mechanismNames())
		return nil
	case "BEGIN":
		if a.chosen == nil {
			return fmt.Errorf("transport: BEGIN before authenticated")
		}
		a.cipher = a.chosen.Cipher()
		a.state = AuthAuthenticated
		return nil
	default:
		a.send("ERROR unknown command")
		return nil
	}
}

func (a *Auth) serverHandleAuth(fields []string) error {
	if len(fields) < 2 {
		a.send("REJECTED " + a.mechanismNames())
		return nil
	}
	name := fields[1]
	var initial []byte
	if len(fields) >= 3 {
		b, err := hex.DecodeString(fields[2])
		if err != nil {
			a.send("ERROR bad hex")
			return nil
		}
		initial = b
	}
	m := a.findMechanism(name)
	if m == nil {
		a.send("REJECTED " + a.mechanismNames())
		return nil
	}
	if !a.haveCreds {
		// Credentials haven't been exchanged yet at the transport layer;
		// the transport guarantees SetCredentials is called before any
		// bytes reach the auth engine once pending flags clear (spec
		// invariant 5), so reaching here without credentials means the
		// mechanism genuinely has none to check (e.g. ANONYMOUS).
	}
	challenge, ok, err := m.ServerStart(initial, a.creds)
	if err != nil {
		a.send("REJECTED " + a.mechanismNames())
		return nil
	}
	a.chosen = m
	if ok {
		a.send("OK " + string(a.guid))
		return nil
	}
	a.send("DATA " + hex.EncodeToString(challenge))
	return nil
}

func (a *Auth) serverHandleData(fields []string) error {
	if a.chosen == nil {
		a.send("ERROR no mechanism in progress")
		return nil
	}
	var data []byte
	if len(fields) >= 2 {
		b, err := hex.DecodeString(fields[1])
		if err != nil {
			a.send("ERROR bad hex")
			return nil
		}
		data = b
	}
	challenge, ok, err := a.chosen.ServerContinue(data, a.creds)
	if err != nil {
		a.chosen = nil
		a.send("REJECTED " + a.mechanismNames())
		return nil
	}
	if ok {
		a.send("OK " + string(a.guid))
		return nil
	}
	a.send("DATA " + hex.EncodeToString(challenge))
	return nil
}

func (a *Auth) mechanismNames() string {
	names := make([]string, len(a.mechanisms))
	for i, m := range a.mechanisms {
		names[i] = m.Name()
	}
	return strings.Join(names, " ")
}

func (a *Auth) findMechanism(name string) Mechanism {
	for _, m := range a.mechanisms {
		if m.Name() == name {
			return m
		}
	}
	return nil
}

// --- Client side ---

func (a *Auth) tryNextClientMechanism(rejectedNames []string) {
	for a.triedIdx < len(a.mechanisms) {
		m := a.mechanisms[a.triedIdx]
		a.triedIdx++
		if rejectedNames != nil && !contains(rejectedNames, m.Name()) {
			continue
		}
		initial, err := m.ClientStart(a.creds)
		if err != nil {
			continue
		}
		a.chosen = m
		a.send(fmt.Sprintf("AUTH %s %s", m.Name(), hex.EncodeToString(initial)))
		return
	}
	a.chosen = nil
	a.state = AuthNeedDisconnect
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (a *Auth) handleClientLine(cmd string, fields []string) error {
	switch cmd {
	case "DATA":
		var data []byte
		if len(fields) >= 2 {
			b, err := hex.DecodeString(fields[1])
			if err != nil {
				return fmt.Errorf("transport: bad hex in DATA")
			}
			data = b
		}
		if a.chosen == nil {
			return fmt.Errorf("transport: DATA with no mechanism chosen")
		}
		resp, _, err := a.chosen.ClientContinue(data, a.creds)
		if err != nil {
			a.tryNextClientMechanism(nil)
			return nil
		}
		// The response always goes to the server, which verifies it and
		// answers OK (handled below) before the client sends BEGIN.
		a.send("DATA " + hex.EncodeToString(resp))
		return nil
	case "OK":
		a.send("BEGIN")
		a.cipher = a.chosen.Cipher()
		a.state = AuthAuthenticated
		return nil
	case "REJECTED":
		a.tryNextClientMechanism(fields[1:])
		return nil
	case "ERROR":
		return fmt.Errorf("transport: server error during auth")
	default:
		return fmt.Errorf("transport: unexpected line from server: %s", cmd)
	}
}
