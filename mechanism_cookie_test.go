// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package transport

import "testing"

// memCookieStore is an in-memory CookieStore test double so these tests
// never touch ~/.dbus-keyrings.
type memCookieStore struct {
	cookies map[string][]byte // "context/id" -> secret
	nextID  int
}

func newMemCookieStore() *memCookieStore {
	return &memCookieStore{cookies: map[string][]byte{}}
}

func (s *memCookieStore) Cookie(context, id string) ([]byte, error) {
	secret, ok := s.cookies[context+"/"+id]
	if !ok {
		return nil, ErrRejected
	}
	return secret, nil
}

func (s *memCookieStore) IssueCookie(context string) (string, []byte, error) {
	s.nextID++
	id := "cookie-" + string(rune('0'+s.nextID))
	secret := []byte("secret-material-for-" + id)
	s.cookies[context+"/"+id] = secret
	return id, secret, nil
}

func TestCookieMechanism_HandshakeCompletes(t *testing.T) {
	store := newMemCookieStore()
	client := &CookieMechanism{Store: store}
	server := &CookieMechanism{Store: store}

	pumpAuth(t, NewClientAuth(client), NewServerAuth(server))
}

func TestCookieMechanism_NegotiatesSharedCipher(t *testing.T) {
	store := newMemCookieStore()
	client := &CookieMechanism{Store: store, NegotiateCipher: true}
	server := &CookieMechanism{Store: store, NegotiateCipher: true}

	clientAuth := NewClientAuth(client)
	serverAuth := NewServerAuth(server)
	pumpAuth(t, clientAuth, serverAuth)

	if client.Cipher() == nil || server.Cipher() == nil {
		t.Fatal("want both sides to have negotiated a cipher")
	}

	plain := []byte("post-handshake payload")
	var sealed, recovered Buffer
	if err := client.Cipher().Encode(&sealed, plain); err != nil {
		t.Fatal(err)
	}
	if err := server.Cipher().Decode(&recovered, sealed.Bytes()); err != nil {
		t.Fatal(err)
	}
	if string(recovered.Bytes()) != string(plain) {
		t.Fatalf("got %q, want %q", recovered.Bytes(), plain)
	}
}

func TestCookieMechanism_RejectsWrongCookie(t *testing.T) {
	serverStore := newMemCookieStore()
	clientStore := newMemCookieStore() // never has the server's issued cookie

	client := &CookieMechanism{Store: clientStore}
	server := &CookieMechanism{Store: serverStore}

	clientAuth := NewClientAuth(client)
	serverAuth := NewServerAuth(server)

	for round := 0; round < 20; round++ {
		if data, ok := clientAuth.GetBytesToSend(); ok {
			serverAuth.GetBuffer().AppendBytes(data)
			clientAuth.BytesSent(len(data))
			serverAuth.ReturnBuffer(len(data))
		}
		if data, ok := serverAuth.GetBytesToSend(); ok {
			clientAuth.GetBuffer().AppendBytes(data)
			serverAuth.BytesSent(len(data))
			clientAuth.ReturnBuffer(len(data))
		}
		if clientAuth.State() == AuthNeedDisconnect || serverAuth.State() == AuthNeedDisconnect {
			return
		}
		if clientAuth.State() == AuthAuthenticated && serverAuth.State() == AuthAuthenticated {
			t.Fatal("handshake must not succeed without a shared cookie store")
		}
	}
	t.Fatal("handshake neither completed nor failed within the round budget")
}

func TestCookieDigest_MatchesBetweenClientAndServer(t *testing.T) {
	secret := []byte("cookie-secret")
	got := cookieDigest("server-chal", "client-chal", secret)
	want := cookieDigest("server-chal", "client-chal", secret)
	if got != want {
		t.Fatal("digest must be deterministic for identical inputs")
	}
	if other := cookieDigest("server-chal", "different-client-chal", secret); other == got {
		t.Fatal("digest must differ when client challenge differs")
	}
}
