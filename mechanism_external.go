// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package transport

import (
	"errors"
	"os"
	"strconv"
)

// ExternalMechanism implements the EXTERNAL authentication mechanism: the
// client asserts its uid (as a decimal ASCII string) and the server
// accepts it only if it matches the uid obtained out-of-band via the
// transport's own credential-passing (SO_PEERCRED/SCM_CREDENTIALS), never
// trusting the client's assertion alone.
type ExternalMechanism struct{}

func (ExternalMechanism) Name() string { return "EXTERNAL" }

func (ExternalMechanism) ClientStart(Credentials) ([]byte, error) {
	return []byte(strconv.Itoa(os.Getuid())), nil
}

func (ExternalMechanism) ClientContinue([]byte, Credentials) ([]byte, bool, error) {
	return nil, false, errors.New("transport: EXTERNAL does not expect a challenge")
}

func (ExternalMechanism) ServerStart(initialResponse []byte, creds Credentials) ([]byte, bool, error) {
	if !creds.Valid {
		return nil, false, ErrRejected
	}
	asserted, err := strconv.Atoi(string(initialResponse))
	if err != nil || uint32(asserted) != creds.UID {
		return nil, false, ErrRejected
	}
	return nil, true, nil
}

func (ExternalMechanism) ServerContinue([]byte, Credentials) ([]byte, bool, error) {
	return nil, false, errors.New("transport: EXTERNAL does not expect continuation")
}

func (ExternalMechanism) Cipher() Cipher { return nil }
